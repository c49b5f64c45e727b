package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/fetcher"
	"sentinel-oracle/internal/stats"
)

// State is the per-asset cycle state.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateClassifying
	StateSubmitting
	StateCooldown
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StateSubmitting:
		return "submitting"
	case StateCooldown:
		return "cooldown"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Recorder observes classification and attempt outcomes. Verdicts are
// reported before submission so status reflects the detector even when
// the chain write fails.
type Recorder interface {
	RecordVerdict(ctx context.Context, asset domain.Asset, sample domain.Sample, verdict domain.Verdict)
	RecordAttempt(ctx context.Context, attempt domain.Attempt)
}

// Recorders fans out to several recorders in order.
type Recorders []Recorder

func (rs Recorders) RecordVerdict(ctx context.Context, asset domain.Asset, sample domain.Sample, verdict domain.Verdict) {
	for _, r := range rs {
		if r != nil {
			r.RecordVerdict(ctx, asset, sample, verdict)
		}
	}
}

func (rs Recorders) RecordAttempt(ctx context.Context, attempt domain.Attempt) {
	for _, r := range rs {
		if r != nil {
			r.RecordAttempt(ctx, attempt)
		}
	}
}

// AssetLocker serialises submissions for one asset across processes.
type AssetLocker interface {
	TryAssetLock(ctx context.Context, asset domain.Asset) (unlock func(), acquired bool, err error)
}

// LoopOptions tune a single asset loop.
type LoopOptions struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// SubmitGap is the cooldown held after a submission.
	SubmitGap  time.Duration
	WindowSize int
	// ClearZ is the |z| under which a flagged asset is cleared.
	ClearZ       float64
	FlagCooldown time.Duration
}

// LoopDeps are the collaborators of an asset loop. Flagger, Locker and
// Recorder are optional.
type LoopDeps struct {
	Source    fetcher.PriceSource
	Detector  *detector.Classifier
	Submitter chain.Submitter
	Flagger   chain.Flagger
	Locker    AssetLocker
	Recorder  Recorder
}

// Loop runs the fetch → classify → submit cycle for one asset with at most
// one cycle in flight. A tick that arrives while a cycle is running is
// recorded as skipped and dropped.
type Loop struct {
	asset  domain.Asset
	opts   LoopOptions
	deps   LoopDeps
	window *stats.Window
	logger zerolog.Logger

	state    atomic.Int32
	inFlight atomic.Bool
	wg       sync.WaitGroup

	failures atomic.Int64

	// Owned by the running cycle.
	flagged  bool
	lastFlag time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewLoop builds a loop for asset.
func NewLoop(asset domain.Asset, opts LoopOptions, deps LoopDeps, logger zerolog.Logger) (*Loop, error) {
	if deps.Source == nil {
		return nil, errors.New("price source is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if deps.Detector == nil {
		deps.Detector = detector.New(detector.DefaultOptions())
	}
	if deps.Recorder == nil {
		deps.Recorder = Recorders(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 20
	}
	if opts.ClearZ <= 0 {
		opts.ClearZ = 1.5
	}

	return &Loop{
		asset:  asset,
		opts:   opts,
		deps:   deps,
		window: stats.NewWindow(opts.WindowSize),
		logger: logger.With().Str("component", "asset_loop").Str("asset", asset.Symbol).Logger(),
	}, nil
}

// Asset returns the monitored asset.
func (l *Loop) Asset() domain.Asset { return l.asset }

// WindowLen returns the number of samples retained for the asset. It must
// not be called while a cycle is running.
func (l *Loop) WindowLen() int { return l.window.Len() }

// State returns the current cycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) {
	if l.State() == StateDisabled {
		return
	}
	l.state.Store(int32(s))
}

// Run ticks until ctx is cancelled or Stop is called, then waits for the
// in-flight cycle and disables the loop.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	sched := New(Options{
		Interval:       l.opts.Interval,
		StartupDelay:   l.opts.StartupDelay,
		RunImmediately: true,
	}, l.logger)

	err := sched.Run(ctx, l.Tick)
	l.wg.Wait()
	l.state.Store(int32(StateDisabled))
	l.logger.Info().Msg("asset loop stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop prevents new cycles and blocks until the in-flight one finishes.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.state.Store(int32(StateDisabled))
}

// Tick starts a cycle in the background unless one is already in flight.
func (l *Loop) Tick(ctx context.Context, _ time.Time) error {
	if l.State() == StateDisabled || ctx.Err() != nil {
		return nil
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		attempt := domain.NewAttempt(l.asset, int(l.failures.Load()))
		attempt.Finish(domain.OutcomeSkipped, errors.New("previous cycle still in flight"))
		l.logger.Debug().Str("state", l.State().String()).Msg("tick skipped; cycle in flight")
		l.deps.Recorder.RecordAttempt(ctx, attempt)
		return nil
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.inFlight.Store(false)
		l.RunCycle(ctx)
	}()
	return nil
}

// RunCycle executes one cycle synchronously and returns its attempt.
func (l *Loop) RunCycle(ctx context.Context) domain.Attempt {
	attempt := domain.NewAttempt(l.asset, int(l.failures.Load()))
	defer l.setState(StateIdle)

	l.setState(StateFetching)
	sample, err := l.deps.Source.FetchSample(ctx, l.asset)
	if err != nil {
		retries := l.failures.Add(1)
		attempt.Finish(domain.OutcomeFailed, fmt.Errorf("fetch sample: %w", err))
		l.logger.Warn().Err(err).Int64("retries", retries).Msg("fetch failed; waiting for next tick")
		l.complete(ctx, attempt)
		l.cooldown(ctx, 0)
		return attempt
	}
	attempt.Sample = &sample

	l.setState(StateClassifying)
	verdict := l.deps.Detector.Classify(sample, l.window.Stats())
	attempt.Verdict = &verdict
	l.deps.Recorder.RecordVerdict(ctx, l.asset, sample, verdict)
	l.logVerdict(sample, verdict)

	if ctx.Err() != nil {
		l.window.Append(sample)
		attempt.Finish(domain.OutcomeSkipped, ctx.Err())
		l.complete(ctx, attempt)
		return attempt
	}

	// Broadcast transactions cannot be recalled, so submission ignores
	// cancellation and runs until confirmation or timeout.
	subCtx := context.WithoutCancel(ctx)

	l.setState(StateSubmitting)
	outcome, err := l.submit(subCtx, sample, &attempt)
	l.window.Append(sample)

	if outcome == domain.OutcomeSuccess {
		l.failures.Store(0)
		l.reconcileFlag(subCtx, verdict)
	} else if outcome != domain.OutcomeSkipped {
		l.failures.Add(1)
	}
	attempt.Finish(outcome, err)
	l.complete(subCtx, attempt)

	l.cooldown(ctx, l.opts.SubmitGap)
	return attempt
}

func (l *Loop) submit(ctx context.Context, sample domain.Sample, attempt *domain.Attempt) (domain.Outcome, error) {
	if l.deps.Locker != nil {
		unlock, acquired, err := l.deps.Locker.TryAssetLock(ctx, l.asset)
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to acquire submit lock")
			return domain.OutcomeFailed, fmt.Errorf("acquire submit lock: %w", err)
		}
		if !acquired {
			l.logger.Debug().Msg("skip submission because advisory lock held elsewhere")
			return domain.OutcomeSkipped, errors.New("submit lock held elsewhere")
		}
		if unlock != nil {
			defer unlock()
		}
	}

	rec, err := l.deps.Submitter.Submit(ctx, l.asset, sample)
	if rec.TxHash != (common.Hash{}) {
		attempt.TxHash = rec.TxHash.Hex()
	}

	switch {
	case err == nil:
		l.logger.Info().Str("tx", attempt.TxHash).Uint64("block", rec.BlockNumber).
			Str("price", sample.Decimal().StringFixed(2)).Msg("price update confirmed")
		return domain.OutcomeSuccess, nil
	case errors.Is(err, chain.ErrConsumeFailed):
		l.logger.Warn().Err(err).Str("tx", attempt.TxHash).Msg("price published but stored slot not updated; degraded until next cycle")
		return domain.OutcomePartial, err
	case errors.Is(err, chain.ErrInsufficientFunds):
		l.logger.Error().Err(err).Msg("signer has insufficient funds; will keep retrying on schedule")
		return domain.OutcomeFailed, err
	default:
		l.logger.Error().Err(err).Str("tx", attempt.TxHash).Msg("price update failed")
		return domain.OutcomeFailed, err
	}
}

func (l *Loop) reconcileFlag(ctx context.Context, verdict domain.Verdict) {
	if l.deps.Flagger == nil || !verdict.Sufficient {
		return
	}

	switch {
	case verdict.Anomalous:
		if !l.lastFlag.IsZero() && time.Since(l.lastFlag) < l.opts.FlagCooldown {
			return
		}
		rec, err := l.deps.Flagger.FlagAnomaly(ctx, l.asset, verdict.Reason)
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to flag anomaly")
			return
		}
		l.flagged = true
		l.lastFlag = time.Now()
		l.logger.Warn().Str("tx", rec.TxHash.Hex()).Str("reason", verdict.Reason).Msg("anomaly flagged on-chain")
	case l.flagged && math.Abs(verdict.ZScore) < l.opts.ClearZ:
		rec, err := l.deps.Flagger.ClearAnomaly(ctx, l.asset)
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to clear anomaly")
			return
		}
		l.flagged = false
		l.logger.Info().Str("tx", rec.TxHash.Hex()).Float64("z", verdict.ZScore).Msg("anomaly cleared on-chain")
	}
}

func (l *Loop) logVerdict(sample domain.Sample, verdict domain.Verdict) {
	evt := l.logger.Debug()
	if verdict.Anomalous {
		evt = l.logger.Warn()
	}
	evt.Str("price", sample.Decimal().StringFixed(2)).
		Str("source", sample.Source()).
		Float64("z", verdict.ZScore).
		Float64("pct_change", verdict.PctChange).
		Bool("anomalous", verdict.Anomalous).
		Str("reason", verdict.Reason).
		Msg("sample classified")
}

func (l *Loop) complete(ctx context.Context, attempt domain.Attempt) {
	l.deps.Recorder.RecordAttempt(ctx, attempt)
}

func (l *Loop) cooldown(ctx context.Context, d time.Duration) {
	l.setState(StateCooldown)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
