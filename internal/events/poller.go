// Package events follows the oracle contract's logs and dispatches them
// to an idempotent handler.
package events

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/storage"
)

// Event names emitted by the oracle.
const (
	PriceUpdated   = "PriceUpdated"
	AnomalyFlagged = "AnomalyFlagged"
	AnomalyCleared = "AnomalyCleared"
)

// Event is a decoded oracle log.
type Event struct {
	// ID is txHash:logIndex, stable across re-reads of the same block range.
	ID          string
	Name        string
	AssetID     common.Hash
	Price       int64
	Reason      string
	Timestamp   uint64
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// LogFilterer is the subset of an Ethereum client the poller needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Ledger persists processed event ids and the block cursor.
type Ledger interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, ev storage.ProcessedEvent) error
	Cursor(ctx context.Context, stream string) (uint64, bool, error)
	SetCursor(ctx context.Context, stream string, block uint64) error
}

// PollerOptions tune log polling.
type PollerOptions struct {
	ContractAddress string
	PollInterval    time.Duration
	// StartBlock is used when the ledger has no cursor. Zero starts at head.
	StartBlock    uint64
	MaxRange      uint64
	Confirmations uint64
	Stream        string
}

// Poller reads oracle logs in block ranges.
type Poller struct {
	client   LogFilterer
	ledger   Ledger
	opts     PollerOptions
	contract common.Address
	topics   []common.Hash
	logger   zerolog.Logger
}

// NewPoller validates options and builds a poller.
func NewPoller(client LogFilterer, ledger Ledger, opts PollerOptions, logger zerolog.Logger) (*Poller, error) {
	if client == nil || ledger == nil {
		return nil, errors.New("event poller requires a client and a ledger")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", opts.ContractAddress)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxRange == 0 {
		opts.MaxRange = 2000
	}
	if opts.Stream == "" {
		opts.Stream = "oracle:" + common.HexToAddress(opts.ContractAddress).Hex()
	}

	return &Poller{
		client:   client,
		ledger:   ledger,
		opts:     opts,
		contract: common.HexToAddress(opts.ContractAddress),
		topics: []common.Hash{
			chain.OracleABI.Events[PriceUpdated].ID,
			chain.OracleABI.Events[AnomalyFlagged].ID,
			chain.OracleABI.Events[AnomalyCleared].ID,
		},
		logger: logger.With().Str("component", "event_poller").Logger(),
	}, nil
}

// Events yields oracle events from the ledger cursor onward until ctx is
// done or the consumer stops. Each call resumes from the persisted cursor,
// so the sequence can be restarted after a crash. The cursor only advances
// once every event of a range has been yielded, and a transient error is
// yielded without ending the sequence.
func (p *Poller) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		from, err := p.startBlock(ctx)
		for err != nil {
			if !yield(Event{}, err) || !p.sleep(ctx) {
				return
			}
			from, err = p.startBlock(ctx)
		}

		for {
			if ctx.Err() != nil {
				return
			}

			head, err := p.client.BlockNumber(ctx)
			if err != nil {
				if !yield(Event{}, fmt.Errorf("block number: %w", err)) || !p.sleep(ctx) {
					return
				}
				continue
			}
			if head < p.opts.Confirmations || from > head-p.opts.Confirmations {
				if !p.sleep(ctx) {
					return
				}
				continue
			}

			to := min(head-p.opts.Confirmations, from+p.opts.MaxRange-1)
			logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{p.contract},
				Topics:    [][]common.Hash{p.topics},
			})
			if err != nil {
				if !yield(Event{}, fmt.Errorf("filter logs %d-%d: %w", from, to, err)) || !p.sleep(ctx) {
					return
				}
				continue
			}

			for _, lg := range logs {
				ev, err := Decode(lg)
				if err != nil {
					p.logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Uint("index", lg.Index).Msg("skipping undecodable log")
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}

			if err := p.ledger.SetCursor(ctx, p.opts.Stream, to); err != nil {
				if !yield(Event{}, err) {
					return
				}
			}
			p.logger.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("processed block range")
			from = to + 1

			if to == head-p.opts.Confirmations && !p.sleep(ctx) {
				return
			}
		}
	}
}

func (p *Poller) startBlock(ctx context.Context) (uint64, error) {
	cursor, ok, err := p.ledger.Cursor(ctx, p.opts.Stream)
	if err != nil {
		return 0, err
	}
	if ok {
		return cursor + 1, nil
	}
	if p.opts.StartBlock > 0 {
		return p.opts.StartBlock, nil
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return head, nil
}

func (p *Poller) sleep(ctx context.Context) bool {
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Decode turns a raw oracle log into an Event.
func Decode(lg types.Log) (Event, error) {
	if len(lg.Topics) < 2 {
		return Event{}, errors.New("log has no indexed asset id")
	}
	abiEvent, err := chain.OracleABI.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:          fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index),
		Name:        abiEvent.Name,
		AssetID:     lg.Topics[1],
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}

	values, err := abiEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return Event{}, fmt.Errorf("unpack %s: %w", abiEvent.Name, err)
	}

	switch abiEvent.Name {
	case PriceUpdated:
		if len(values) != 2 {
			return Event{}, errors.New("unexpected PriceUpdated data")
		}
		ev.Price, _ = values[0].(int64)
		ev.Timestamp, _ = values[1].(uint64)
	case AnomalyFlagged:
		if len(values) != 2 {
			return Event{}, errors.New("unexpected AnomalyFlagged data")
		}
		ev.Reason, _ = values[0].(string)
		ev.Timestamp, _ = values[1].(uint64)
	case AnomalyCleared:
		if len(values) != 1 {
			return Event{}, errors.New("unexpected AnomalyCleared data")
		}
		ev.Timestamp, _ = values[0].(uint64)
	}
	return ev, nil
}
