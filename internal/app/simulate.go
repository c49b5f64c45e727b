package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"sentinel-oracle/internal/alerting"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/stats"
)

// SimulationStep is one classified sample of a simulation run.
type SimulationStep struct {
	Sample  domain.Sample
	Verdict domain.Verdict
}

// SimulationResult holds every step; the last one is the injected drop.
type SimulationResult struct {
	Asset domain.Asset
	Steps []SimulationStep
}

// Final returns the step of the injected drop.
func (r SimulationResult) Final() SimulationStep {
	return r.Steps[len(r.Steps)-1]
}

// Simulate feeds a baseline of prices jittered ±0.15% around the asset's
// base price (≈±100 for BTC) through a fresh window, then a single price
// dropped by DropPct, and classifies every sample with the configured
// thresholds. No network access is needed.
func Simulate(asset domain.Asset, windowSize int, detOpts detector.Options, opts SimulateOptions) (SimulationResult, error) {
	if opts.Baseline <= 0 {
		opts.Baseline = windowSize
	}
	if opts.DropPct <= 0 || opts.DropPct >= 1 {
		return SimulationResult{}, fmt.Errorf("drop must be in (0, 1), got %v", opts.DropPct)
	}

	rng := rand.New(rand.NewPCG(uint64(opts.Seed), uint64(opts.Seed)^0x5e17))
	window := stats.NewWindow(windowSize)
	classifier := detector.New(detOpts)
	jitter := asset.BasePrice * 0.0015
	start := time.Now().Add(-time.Duration(opts.Baseline) * time.Minute).Unix()

	result := SimulationResult{Asset: asset}
	step := func(price float64, ts int64) {
		sample := domain.Sample{Price: domain.ScaleFloat(price), Timestamp: ts, Synthetic: true}
		verdict := classifier.Classify(sample, window.Stats())
		window.Append(sample)
		result.Steps = append(result.Steps, SimulationStep{Sample: sample, Verdict: verdict})
	}

	for i := 0; i < opts.Baseline; i++ {
		step(asset.BasePrice+(rng.Float64()*2-1)*jitter, start+int64(i)*60)
	}
	last, _ := window.Last()
	step(last.Float()*(1-opts.DropPct), start+int64(opts.Baseline)*60)
	return result, nil
}

// SimulateAnomaly runs Simulate for the chosen asset, prints the trace and
// optionally sends the resulting alert.
func (a *App) SimulateAnomaly(ctx context.Context, opts SimulateOptions) error {
	asset, err := a.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	result, err := Simulate(asset, a.Config.Detector.WindowSize, a.detectorOptions(), opts)
	if err != nil {
		return err
	}
	if err := writeSimulation(os.Stdout, result); err != nil {
		return err
	}

	final := result.Final()
	a.Logger.Info().
		Str("asset", asset.Symbol).
		Bool("anomalous", final.Verdict.Anomalous).
		Float64("z", final.Verdict.ZScore).
		Float64("pct_change", final.Verdict.PctChange).
		Str("reason", final.Verdict.Reason).
		Msg("simulation finished")

	if !opts.Notify {
		return nil
	}
	if !final.Verdict.Anomalous {
		return errors.New("simulated drop was not classified as anomalous; nothing to notify")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	return notifier.Notify(ctx, alerting.Notification{
		Kind:       alerting.KindDetected,
		Asset:      asset.Symbol,
		ObservedAt: final.Sample.Time(),
		Price:      final.Sample.Decimal(),
		Mean:       decimal.NewFromFloat(final.Verdict.Mean),
		ZScore:     final.Verdict.ZScore,
		PctChange:  final.Verdict.PctChange,
		Reason:     final.Verdict.Reason,
		Synthetic:  true,
		Additional: "simulated anomaly",
	})
}

func writeSimulation(out io.Writer, result SimulationResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "#\t%s\tZ\tChange%%\tAnomalous\tReason\n", result.Asset.Symbol)
	for i, st := range result.Steps {
		fmt.Fprintf(writer, "%d\t%s\t%.2f\t%+.2f\t%t\t%s\n",
			i+1,
			st.Sample.Decimal().StringFixed(2),
			st.Verdict.ZScore,
			st.Verdict.PctChange*100,
			st.Verdict.Anomalous,
			st.Verdict.Reason,
		)
	}
	return writer.Flush()
}
