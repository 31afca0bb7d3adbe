package tokens

import "unicode/utf8"

// Estimator approximates token counts for context budgeting. Exact
// tokenizer parity with the upstream model is not required; budgets
// only need to be consistently conservative.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator uses the common chars/4 rule of thumb. It counts
// runes, not bytes, so Cyrillic text is not over-charged.
type HeuristicEstimator struct{}

func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

func (e *HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	est := n / 4
	if est == 0 {
		est = 1
	}
	return est
}
