// Package tokenutil provides heuristic token estimation. The estimates are
// deliberately approximate; budget math downstream applies a safety margin
// to absorb the bias.
package tokenutil

import "strings"

// CharsPerToken is the heuristic character-to-token ratio (~4 chars per
// token for English prose).
const CharsPerToken = 4

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / CharsPerToken
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TokensToChars converts a token budget into an approximate character
// budget using the same heuristic ratio.
func TokensToChars(tokens int) int {
	return tokens * CharsPerToken
}
