package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/alerting"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/storage"
)

// FlagSink receives the contract's anomaly flag state.
type FlagSink interface {
	SetOnChainFlag(symbol string, flagged bool)
}

// HandlerOptions tune event handling.
type HandlerOptions struct {
	// NotifyCleared also alerts when a flag is lifted.
	NotifyCleared bool
	// NotifyTimeout bounds each notification call.
	NotifyTimeout time.Duration
}

// Handler applies each oracle event at most once.
type Handler struct {
	ledger   Ledger
	assets   map[common.Hash]domain.Asset
	flags    FlagSink
	notifier alerting.Notifier
	opts     HandlerOptions
	logger   zerolog.Logger
}

// NewHandler builds a handler for the given assets. flags and notifier may be nil.
func NewHandler(ledger Ledger, assets []domain.Asset, flags FlagSink, notifier alerting.Notifier, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if notifier == nil {
		notifier = alerting.Nop{}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	byID := make(map[common.Hash]domain.Asset, len(assets))
	for _, a := range assets {
		byID[a.ID] = a
	}
	return &Handler{
		ledger:   ledger,
		assets:   byID,
		flags:    flags,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "event_handler").Logger(),
	}
}

// Handle applies ev unless it was already processed. It reports whether
// the event was new.
func (h *Handler) Handle(ctx context.Context, ev Event) (bool, error) {
	seen, err := h.ledger.Seen(ctx, ev.ID)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if seen {
		h.logger.Debug().Str("event", ev.ID).Msg("duplicate event ignored")
		return false, nil
	}

	asset, known := h.assets[ev.AssetID]
	symbol := ev.AssetID.Hex()
	if known {
		symbol = asset.Symbol
	}

	logEvent := h.logger.Info().
		Str("event", ev.Name).
		Str("asset", symbol).
		Str("tx", ev.TxHash.Hex()).
		Uint64("block", ev.BlockNumber)

	switch ev.Name {
	case PriceUpdated:
		logEvent.Str("price", ev.PriceDecimal().String()).Msg("oracle price updated")
	case AnomalyFlagged:
		logEvent.Str("reason", ev.Reason).Msg("oracle anomaly flagged")
		if known && h.flags != nil {
			h.flags.SetOnChainFlag(symbol, true)
		}
		h.notify(ctx, alerting.Notification{
			Kind:       alerting.KindFlagged,
			Asset:      symbol,
			ObservedAt: eventTime(ev),
			Reason:     ev.Reason,
			TxHash:     ev.TxHash.Hex(),
		})
	case AnomalyCleared:
		logEvent.Msg("oracle anomaly cleared")
		if known && h.flags != nil {
			h.flags.SetOnChainFlag(symbol, false)
		}
		if h.opts.NotifyCleared {
			h.notify(ctx, alerting.Notification{
				Kind:       alerting.KindCleared,
				Asset:      symbol,
				ObservedAt: eventTime(ev),
				TxHash:     ev.TxHash.Hex(),
			})
		}
	default:
		return false, fmt.Errorf("unknown event %q", ev.Name)
	}

	if err := h.ledger.MarkProcessed(ctx, storage.ProcessedEvent{
		ID:          ev.ID,
		Name:        ev.Name,
		AssetID:     ev.AssetID.Hex(),
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
		ProcessedAt: time.Now().UTC(),
	}); err != nil {
		return true, fmt.Errorf("mark event %s: %w", ev.ID, err)
	}
	return true, nil
}

// Consume drains the poller into the handler until ctx is done. Poll and
// handler errors are logged and do not stop consumption.
func (h *Handler) Consume(ctx context.Context, poller *Poller) error {
	for ev, err := range poller.Events(ctx) {
		if err != nil {
			h.logger.Warn().Err(err).Msg("event poll failed")
			continue
		}
		if _, err := h.Handle(ctx, ev); err != nil {
			h.logger.Error().Err(err).Str("event", ev.ID).Msg("event handling failed")
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (h *Handler) notify(ctx context.Context, note alerting.Notification) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.NotifyTimeout)
	defer cancel()
	if err := h.notifier.Notify(ctx, note); err != nil {
		h.logger.Warn().Err(err).Str("asset", note.Asset).Msg("告警发送失败")
	}
}

func eventTime(ev Event) time.Time {
	if ev.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ev.Timestamp), 0).UTC()
}

// PriceDecimal returns the event price as a decimal.
func (ev Event) PriceDecimal() decimal.Decimal {
	return decimal.New(ev.Price, -domain.PriceScale)
}
