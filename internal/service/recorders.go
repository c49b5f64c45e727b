package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/alerting"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/scheduler"
	"sentinel-oracle/internal/storage"
)

// AttemptLog persists every attempt to the attempt store.
type AttemptLog struct {
	store  storage.AttemptStore
	logger zerolog.Logger
}

var _ scheduler.Recorder = (*AttemptLog)(nil)

// NewAttemptLog wraps store as a loop recorder.
func NewAttemptLog(store storage.AttemptStore, logger zerolog.Logger) *AttemptLog {
	return &AttemptLog{store: store, logger: logger.With().Str("component", "attempt_log").Logger()}
}

// RecordVerdict is a no-op; verdicts are stored with their attempt.
func (l *AttemptLog) RecordVerdict(context.Context, domain.Asset, domain.Sample, domain.Verdict) {}

// RecordAttempt inserts the attempt. Failures are logged, never propagated.
func (l *AttemptLog) RecordAttempt(ctx context.Context, attempt domain.Attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.RecordAttempt(ctx, storage.NewAttemptRecord(attempt)); err != nil {
		l.logger.Error().Err(err).
			Str("asset", attempt.Asset.Symbol).
			Str("attempt", attempt.ID.String()).
			Msg("failed to persist attempt")
	}
}

// DetectionAlerts notifies when an asset turns anomalous. Consecutive
// anomalous verdicts within cooldown do not re-notify.
type DetectionAlerts struct {
	notifier alerting.Notifier
	cooldown time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
	inflight sync.WaitGroup
}

var _ scheduler.Recorder = (*DetectionAlerts)(nil)

// NewDetectionAlerts builds the detection notifier.
func NewDetectionAlerts(notifier alerting.Notifier, cooldown time.Duration, logger zerolog.Logger) *DetectionAlerts {
	return &DetectionAlerts{
		notifier: notifier,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "detection_alerts").Logger(),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// RecordVerdict 在检测到异常时发送告警。
func (d *DetectionAlerts) RecordVerdict(ctx context.Context, asset domain.Asset, sample domain.Sample, verdict domain.Verdict) {
	if !verdict.Anomalous {
		return
	}

	d.mu.Lock()
	now := d.now()
	if last, ok := d.lastSent[asset.Symbol]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug().Str("asset", asset.Symbol).Msg("anomaly alert suppressed by cooldown")
		return
	}
	d.lastSent[asset.Symbol] = now
	d.mu.Unlock()

	note := alerting.Notification{
		Kind:       alerting.KindDetected,
		Asset:      asset.Symbol,
		ObservedAt: sample.Time(),
		Price:      sample.Decimal(),
		Mean:       decimal.NewFromFloat(verdict.Mean),
		ZScore:     verdict.ZScore,
		PctChange:  verdict.PctChange,
		Reason:     verdict.Reason,
		Synthetic:  sample.Synthetic,
	}
	// 异步发送，避免阻塞本轮提交
	ctx = context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.notifier.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("asset", note.Asset).Msg("failed to dispatch alert")
		}
	}()
}

// Wait blocks until dispatched alerts have finished.
func (d *DetectionAlerts) Wait() {
	d.inflight.Wait()
}

// RecordAttempt is a no-op.
func (d *DetectionAlerts) RecordAttempt(context.Context, domain.Attempt) {}
