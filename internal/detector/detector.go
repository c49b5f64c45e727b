// Package detector classifies price samples against a rolling baseline.
package detector

import (
	"fmt"
	"math"
	"strings"

	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/stats"
)

// Options tune the classifier thresholds.
type Options struct {
	MinSamples   int
	ZThreshold   float64
	PctThreshold float64
}

// DefaultOptions mirrors the production thresholds.
func DefaultOptions() Options {
	return Options{MinSamples: 5, ZThreshold: 2.5, PctThreshold: 0.08}
}

// Classifier applies the z-score and pct-change rules.
type Classifier struct {
	opts Options
}

// New constructs a classifier, filling zero options with defaults.
func New(opts Options) *Classifier {
	def := DefaultOptions()
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.ZThreshold <= 0 {
		opts.ZThreshold = def.ZThreshold
	}
	if opts.PctThreshold <= 0 {
		opts.PctThreshold = def.PctThreshold
	}
	return &Classifier{opts: opts}
}

// Options returns the effective thresholds.
func (c *Classifier) Options() Options { return c.opts }

// Classify evaluates sample against the window summary taken before the
// sample is appended. The z-score compares against the window mean while
// the pct-change compares against the immediately preceding price.
func (c *Classifier) Classify(sample domain.Sample, sum stats.Summary) domain.Verdict {
	v := domain.Verdict{Mean: sum.Mean, StdDev: sum.StdDev}
	if sum.Count < c.opts.MinSamples || !sum.Sufficient() {
		v.Reason = "insufficient data"
		return v
	}
	v.Sufficient = true

	price := sample.Float()
	if sum.StdDev > 0 {
		v.ZScore = (price - sum.Mean) / sum.StdDev
	}
	if sum.Last != 0 {
		v.PctChange = (price - sum.Last) / sum.Last
	}

	zRatio := math.Abs(v.ZScore) / c.opts.ZThreshold
	pctRatio := math.Abs(v.PctChange) / c.opts.PctThreshold

	if zRatio > 1 {
		v.Fired = append(v.Fired, domain.RuleZScore)
	}
	if pctRatio > 1 {
		v.Fired = append(v.Fired, domain.RulePctChange)
	}
	v.Anomalous = len(v.Fired) > 0

	switch {
	case !v.Anomalous:
		v.Reason = fmt.Sprintf("normal (z=%.2f, change=%+.2f%%)", v.ZScore, v.PctChange*100)
		return v
	case len(v.Fired) == 2 && pctRatio > zRatio:
		v.Primary = domain.RulePctChange
	default:
		v.Primary = v.Fired[0]
	}

	parts := []string{c.describe(v.Primary, v)}
	for _, r := range v.Fired {
		if r != v.Primary {
			parts = append(parts, c.describe(r, v))
		}
	}
	v.Reason = strings.Join(parts, "; ")
	return v
}

func (c *Classifier) describe(r domain.Rule, v domain.Verdict) string {
	switch r {
	case domain.RuleZScore:
		return fmt.Sprintf("z-score %.2f exceeds %.2fσ (%s)", v.ZScore, c.opts.ZThreshold, direction(v.ZScore))
	case domain.RulePctChange:
		return fmt.Sprintf("pct-change %+.2f%% exceeds %.2f%% (%s)", v.PctChange*100, c.opts.PctThreshold*100, direction(v.PctChange))
	default:
		return string(r)
	}
}

func direction(x float64) string {
	if x < 0 {
		return "drop"
	}
	return "spike"
}
