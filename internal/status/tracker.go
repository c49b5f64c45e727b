// Package status keeps the operator-facing view of every monitored asset.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sentinel-oracle/internal/domain"
)

// DefaultHistorySize bounds the per-asset price history served by the API.
const DefaultHistorySize = 50

// PricePoint is one entry of an asset's recent price history.
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	ZScore    float64   `json:"z_score"`
	Anomalous bool      `json:"is_anomalous"`
	Source    string    `json:"source"`
}

// AssetStatus is the latest classification and submission result of one asset.
type AssetStatus struct {
	Asset          string       `json:"asset"`
	AssetID        string       `json:"asset_id"`
	LastPrice      *float64     `json:"last_price"`
	LastZScore     *float64     `json:"last_z_score"`
	LastPctChange  *float64     `json:"last_pct_change"`
	IsAnomalous    bool         `json:"is_anomalous"`
	LastReason     string       `json:"last_reason"`
	LastUpdate     *time.Time   `json:"last_update"`
	Source         string       `json:"source"`
	PriceHistory   []PricePoint `json:"price_history"`
	AnomalyCount   int          `json:"anomaly_count"`
	LastOutcome    string       `json:"last_outcome"`
	LastTxHash     string       `json:"last_tx_hash,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	LastSubmitted  *time.Time   `json:"last_submitted"`
	FlaggedOnChain bool         `json:"flagged_on_chain"`
}

// Snapshot is the whole-service status.
type Snapshot struct {
	Status          string                 `json:"status"`
	Assets          map[string]AssetStatus `json:"assets"`
	UptimeStart     time.Time              `json:"uptime_start"`
	SupportedAssets []string               `json:"supported_assets"`
	// AnomalyCount sums the per-asset counts.
	AnomalyCount int `json:"anomaly_count"`
	// HistorySize is the number of price points currently held over all assets.
	HistorySize int `json:"history_size"`
	// Degraded is set while any asset's latest sample is synthetic.
	Degraded bool `json:"degraded"`
}

// Tracker aggregates verdicts and attempts into AssetStatus values. It is
// safe for concurrent use by all asset loops and API handlers.
type Tracker struct {
	mu          sync.RWMutex
	status      string
	started     time.Time
	historySize int
	order       []string
	assets      map[string]*AssetStatus
	logger      zerolog.Logger
}

// NewTracker registers assets in display order.
func NewTracker(assets []domain.Asset, historySize int, logger zerolog.Logger) *Tracker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	t := &Tracker{
		status:      "initializing",
		started:     time.Now().UTC(),
		historySize: historySize,
		assets:      make(map[string]*AssetStatus, len(assets)),
		logger:      logger.With().Str("component", "status_tracker").Logger(),
	}
	for _, a := range assets {
		t.order = append(t.order, a.Symbol)
		t.assets[a.Symbol] = &AssetStatus{
			Asset:        a.Symbol,
			AssetID:      a.ID.Hex(),
			LastReason:   "No data yet",
			PriceHistory: []PricePoint{},
		}
	}
	return t
}

// SetStatus sets the service-level status string.
func (t *Tracker) SetStatus(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Status returns the service-level status string.
func (t *Tracker) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Symbols lists tracked assets in registration order.
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Resolve maps a symbol or key ("BTC", "btc/usd") to a tracked symbol.
func (t *Tracker) Resolve(name string) (string, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sym := range t.order {
		upper := strings.ToUpper(sym)
		if upper == name || strings.SplitN(upper, "/", 2)[0] == name {
			return sym, true
		}
	}
	return "", false
}

// RecordVerdict stores the latest classification of asset.
func (t *Tracker) RecordVerdict(_ context.Context, asset domain.Asset, sample domain.Sample, verdict domain.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.assets[asset.Symbol]
	if !ok {
		return
	}
	price := sample.Float()
	now := time.Now().UTC()

	st.LastPrice = &price
	st.IsAnomalous = verdict.Anomalous
	st.LastReason = verdict.Reason
	st.LastUpdate = &now
	st.Source = sample.Source()
	if verdict.Sufficient {
		z, pct := verdict.ZScore, verdict.PctChange
		st.LastZScore = &z
		st.LastPctChange = &pct
	}
	if verdict.Anomalous {
		st.AnomalyCount++
	}

	st.PriceHistory = append(st.PriceHistory, PricePoint{
		Price:     price,
		Timestamp: sample.Time(),
		ZScore:    verdict.ZScore,
		Anomalous: verdict.Anomalous,
		Source:    sample.Source(),
	})
	if over := len(st.PriceHistory) - t.historySize; over > 0 {
		st.PriceHistory = append(st.PriceHistory[:0:0], st.PriceHistory[over:]...)
	}
}

// RecordAttempt stores the outcome of the latest submission.
func (t *Tracker) RecordAttempt(_ context.Context, attempt domain.Attempt) {
	if attempt.Outcome == domain.OutcomeSkipped && attempt.Sample == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.assets[attempt.Asset.Symbol]
	if !ok {
		return
	}
	st.LastOutcome = string(attempt.Outcome)
	st.LastError = attempt.Err
	if attempt.TxHash != "" {
		st.LastTxHash = attempt.TxHash
	}
	if attempt.Outcome == domain.OutcomeSuccess || attempt.Outcome == domain.OutcomePartial {
		finished := attempt.FinishedAt
		st.LastSubmitted = &finished
	}
}

// SetOnChainFlag mirrors the contract's anomaly flag.
func (t *Tracker) SetOnChainFlag(symbol string, flagged bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.assets[symbol]; ok {
		st.FlaggedOnChain = flagged
	}
}

// Update applies an externally reported observation.
func (t *Tracker) Update(symbol string, price, zScore float64, anomalous bool, reason string) error {
	sym, ok := t.Resolve(symbol)
	if !ok {
		return fmt.Errorf("unsupported asset %q", symbol)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.assets[sym]
	now := time.Now().UTC()
	st.LastZScore = &zScore
	st.IsAnomalous = anomalous
	st.LastReason = reason
	st.LastUpdate = &now
	if price > 0 {
		st.LastPrice = &price
		st.PriceHistory = append(st.PriceHistory, PricePoint{Price: price, Timestamp: now, ZScore: zScore, Anomalous: anomalous, Source: "external"})
		if over := len(st.PriceHistory) - t.historySize; over > 0 {
			st.PriceHistory = append(st.PriceHistory[:0:0], st.PriceHistory[over:]...)
		}
	}
	if anomalous {
		st.AnomalyCount++
	}
	return nil
}

// Asset returns a copy of one asset's status.
func (t *Tracker) Asset(symbol string) (AssetStatus, bool) {
	sym, ok := t.Resolve(symbol)
	if !ok {
		return AssetStatus{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyStatus(t.assets[sym]), true
}

// Snapshot returns a deep copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Status:          t.status,
		Assets:          make(map[string]AssetStatus, len(t.assets)),
		UptimeStart:     t.started,
		SupportedAssets: append([]string(nil), t.order...),
	}
	for sym, st := range t.assets {
		snap.Assets[sym] = copyStatus(st)
		snap.AnomalyCount += st.AnomalyCount
		snap.HistorySize += len(st.PriceHistory)
		if st.Source == "synthetic" {
			snap.Degraded = true
		}
	}
	return snap
}

func copyStatus(st *AssetStatus) AssetStatus {
	out := *st
	out.PriceHistory = make([]PricePoint, len(st.PriceHistory))
	copy(out.PriceHistory, st.PriceHistory)
	return out
}
