// Package budget provides token estimation and per-run budget arithmetic for
// gateway calls.
package budget

import "math"

// EstimateTokensFromChars converts a character count into an estimated token
// count using a conservative heuristic (~4 chars per token). The result is
// always at least 1 when chars > 0.
func EstimateTokensFromChars(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(charCount) / 4.0))
}

// EstimateTokens returns the estimated token count of a string.
func EstimateTokens(s string) int {
	return EstimateTokensFromChars(len(s))
}

// EstimatePromptTokens estimates the total tokens for a prompt composed of a
// system message, a user message, and zero or more evidence excerpts.
func EstimatePromptTokens(system string, user string, excerpts []string) int {
	total := EstimateTokens(system) + EstimateTokens(user)
	for _, ex := range excerpts {
		total += EstimateTokens(ex)
	}
	return total
}

// Tracker accumulates spend against per-run caps. It is not safe for
// concurrent use; the controller owns it behind its own serialization.
type Tracker struct {
	MaxTokens int
	// CostLimit is in the gateway's billing units; PricePerKTokens converts
	// token spend into cost. Zero limits disable the respective check.
	CostLimit       float64
	PricePerKTokens float64

	spentTokens int
}

// Allow reports whether spending tokens more would stay within every cap.
func (t *Tracker) Allow(tokens int) bool {
	if t.MaxTokens > 0 && t.spentTokens+tokens > t.MaxTokens {
		return false
	}
	if t.CostLimit > 0 && t.PricePerKTokens > 0 {
		cost := float64(t.spentTokens+tokens) / 1000.0 * t.PricePerKTokens
		if cost > t.CostLimit {
			return false
		}
	}
	return true
}

// Spend records tokens as consumed.
func (t *Tracker) Spend(tokens int) { t.spentTokens += tokens }

// Spent returns tokens consumed so far.
func (t *Tracker) Spent() int { return t.spentTokens }

// Remaining returns the unused token budget, or a large value when no cap is set.
func (t *Tracker) Remaining() int {
	if t.MaxTokens <= 0 {
		return math.MaxInt32
	}
	r := t.MaxTokens - t.spentTokens
	if r < 0 {
		return 0
	}
	return r
}
