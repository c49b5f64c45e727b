package detector

import (
	"strings"
	"testing"

	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/stats"
)

func windowOf(prices ...float64) *stats.Window {
	w := stats.NewWindow(50)
	for i, p := range prices {
		w.Append(domain.Sample{Price: domain.ScaleFloat(p), Timestamp: int64(i)})
	}
	return w
}

func at(price float64) domain.Sample {
	return domain.Sample{Price: domain.ScaleFloat(price), Timestamp: 999}
}

// baseline65k stays within 65000 ± 100.
func baseline65k() *stats.Window {
	return windowOf(65080, 64920, 65050, 64950, 65095, 64905, 65030, 64970, 65060, 64940)
}

func TestColdWindowNeverFlags(t *testing.T) {
	c := New(DefaultOptions())
	for n := 0; n < 5; n++ {
		prices := make([]float64, n)
		for i := range prices {
			prices[i] = 100
		}
		w := windowOf(prices...)
		for _, p := range []float64{0.01, 100, 1e6} {
			v := c.Classify(at(p), w.Stats())
			if v.Anomalous {
				t.Fatalf("count=%d price=%v must not be anomalous", n, p)
			}
			if v.Reason != "insufficient data" {
				t.Fatalf("unexpected reason %q", v.Reason)
			}
		}
	}
}

func TestConstantHistorySamePriceIsNormal(t *testing.T) {
	c := New(DefaultOptions())
	w := windowOf(100, 100, 100, 100, 100, 100)
	v := c.Classify(at(100), w.Stats())
	if v.Anomalous {
		t.Fatalf("same price over flat history flagged: %+v", v)
	}
	if v.ZScore != 0 {
		t.Fatalf("zero stddev must yield z=0, got %v", v.ZScore)
	}
}

func TestConstantHistoryJumpFlagsByPctChange(t *testing.T) {
	c := New(DefaultOptions())
	w := windowOf(100, 100, 100, 100, 100, 100)
	v := c.Classify(at(120), w.Stats())
	if !v.Anomalous {
		t.Fatal("20% jump over flat history should be anomalous")
	}
	if v.ZScore != 0 || v.Primary != domain.RulePctChange {
		t.Fatalf("expected pct-change as the only rule, got %+v", v)
	}
}

func TestSuddenDropIsAnomalous(t *testing.T) {
	c := New(DefaultOptions())
	v := c.Classify(at(58500), baseline65k().Stats())
	if !v.Anomalous {
		t.Fatalf("10%% drop should be anomalous: %+v", v)
	}
	if !v.FiredRule(domain.RulePctChange) {
		t.Fatalf("pct-change rule should fire, fired=%v", v.Fired)
	}
	if !strings.Contains(v.Reason, "pct-change") || !strings.Contains(v.Reason, "drop") {
		t.Fatalf("reason should cite pct-change drop: %q", v.Reason)
	}
}

func TestSmallMoveIsNormal(t *testing.T) {
	c := New(DefaultOptions())
	v := c.Classify(at(65050), baseline65k().Stats())
	if v.Anomalous {
		t.Fatalf("0.08%% move should be normal: %+v", v)
	}
	if !v.Sufficient {
		t.Fatal("baseline of 10 samples should be sufficient")
	}
	if !strings.HasPrefix(v.Reason, "normal") {
		t.Fatalf("unexpected reason %q", v.Reason)
	}
}

func TestPrimaryRuleIsLargerRatio(t *testing.T) {
	// Wide window keeps z small while the single step is large.
	c := New(Options{MinSamples: 5, ZThreshold: 2.5, PctThreshold: 0.08})
	w := windowOf(100, 140, 60, 150, 50, 100)
	v := c.Classify(at(50), w.Stats())
	if !v.Anomalous || v.Primary != domain.RulePctChange {
		t.Fatalf("expected pct-change primary, got %+v", v)
	}

	// Tight window with a small step: z dominates.
	w = windowOf(100, 100.01, 99.99, 100, 100.01, 99.99)
	v = c.Classify(at(100.5), w.Stats())
	if !v.Anomalous || v.Primary != domain.RuleZScore {
		t.Fatalf("expected z-score primary, got %+v", v)
	}
	if v.FiredRule(domain.RulePctChange) {
		t.Fatal("0.5% step must not fire pct-change")
	}

	// Both fire, z ratio larger: z-score leads the reason.
	v = c.Classify(at(58500), baseline65k().Stats())
	if len(v.Fired) != 2 || v.Primary != domain.RuleZScore {
		t.Fatalf("expected both rules with z primary, got %+v", v)
	}
	if !strings.HasPrefix(v.Reason, "z-score") {
		t.Fatalf("primary rule should lead the reason: %q", v.Reason)
	}
}

func TestNewFillsDefaults(t *testing.T) {
	c := New(Options{})
	if c.Options() != DefaultOptions() {
		t.Fatalf("zero options should become defaults, got %+v", c.Options())
	}
}
