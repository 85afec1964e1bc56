// Package tokens provides token cost estimation for context budget
// management. The heuristic is a calibrated characters-per-token ratio;
// approximation is fine here, but the same estimator must be used for both
// growth decisions and shrink verification or the compaction loop
// oscillates.
package tokens

import (
	"unicode/utf8"

	"hermit/internal/types"
)

// turnOverhead is the fixed per-turn cost (role marker, separators).
const turnOverhead = 4

// Estimator estimates token counts for a model profile.
//
// Estimate is deterministic and monotonic under concatenation:
// Estimate(a+b) >= max(Estimate(a), Estimate(b)). Both properties follow
// from counting runes and dividing by a positive constant.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an estimator calibrated for the given profile.
// A zero or negative CharsPerToken falls back to 4.0.
func NewEstimator(profile types.ModelProfile) *Estimator {
	ratio := profile.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	return &Estimator{charsPerToken: ratio}
}

// Estimate returns the estimated token cost of text. Never negative.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	n := int(float64(runes) / e.charsPerToken)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateTurn returns the cost of a turn including per-turn overhead.
func (e *Estimator) EstimateTurn(t types.Turn) int {
	return turnOverhead + e.Estimate(t.Content)
}

// EstimateTurns sums EstimateTurn over turns.
func (e *Estimator) EstimateTurns(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += e.EstimateTurn(t)
	}
	return total
}
