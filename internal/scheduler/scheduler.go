package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the scheduled tick time.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune a Ticker.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// Align snaps ticks to multiples of Interval (plus Phase) on the wall clock.
	Align bool
	Phase time.Duration
	// RunImmediately fires once right after the startup delay.
	RunImmediately bool
}

// Ticker fires a TickFunc periodically. Ticks missed while a TickFunc
// blocks are dropped, never replayed.
type Ticker struct {
	opts   Options
	missed int64
	logger zerolog.Logger
}

// New constructs a Ticker. It panics on a non-positive interval.
func New(opts Options, logger zerolog.Logger) *Ticker {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Ticker{opts: opts, logger: logger.With().Str("component", "ticker").Logger()}
}

// Interval returns the configured tick interval.
func (t *Ticker) Interval() time.Duration { return t.opts.Interval }

// Missed reports how many ticks were dropped. Only valid after Run returns.
func (t *Ticker) Missed() int64 { return t.missed }

// Run blocks until ctx is cancelled and returns ctx.Err().
func (t *Ticker) Run(ctx context.Context, tick TickFunc) error {
	if err := sleepCtx(ctx, t.opts.StartupDelay); err != nil {
		return err
	}
	if t.opts.RunImmediately {
		t.fire(ctx, tick, time.Now().UTC())
	}

	next := t.after(time.Now().UTC())
	for {
		if err := sleepCtx(ctx, time.Until(next)); err != nil {
			return err
		}
		t.fire(ctx, tick, next)

		now := time.Now().UTC()
		following := next.Add(t.opts.Interval)
		if !following.After(now) {
			skipped := int64(now.Sub(next) / t.opts.Interval)
			t.missed += skipped
			t.logger.Warn().Int64("skipped", skipped).Dur("interval", t.opts.Interval).Msg("tick overran interval")
			following = t.after(now)
		}
		next = following
	}
}

func (t *Ticker) fire(ctx context.Context, tick TickFunc, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	if err := tick(ctx, at); err != nil {
		t.logger.Error().Err(err).Time("at", at).Msg("tick failed")
	}
}

// after returns the first tick strictly after now.
func (t *Ticker) after(now time.Time) time.Time {
	if !t.opts.Align {
		return now.Add(t.opts.Interval)
	}
	next := now.Add(-t.opts.Phase).Truncate(t.opts.Interval).Add(t.opts.Phase)
	for !next.After(now) {
		next = next.Add(t.opts.Interval)
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
