package domain

// Rule names a detection rule.
type Rule string

const (
	RuleZScore    Rule = "z-score"
	RulePctChange Rule = "pct-change"
)

// Verdict is the classification of one sample against its window.
type Verdict struct {
	Anomalous bool
	// Sufficient is false while the window is too small to classify.
	Sufficient bool
	ZScore     float64
	PctChange  float64
	Mean       float64
	StdDev     float64
	Fired      []Rule
	Primary    Rule
	Reason     string
}

// FiredRule reports whether r contributed to the verdict.
func (v Verdict) FiredRule(r Rule) bool {
	for _, f := range v.Fired {
		if f == r {
			return true
		}
	}
	return false
}
