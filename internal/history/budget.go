package history

import (
	"fmt"
	"strings"
)

// ContextBudget shows the token allocation for a session's context window.
type ContextBudget struct {
	ModelLimit   int // model's max context (e.g., 128000)
	OutputBuffer int // reserved for the response
	Available    int // ModelLimit - OutputBuffer

	SummaryTokens int // synthetic summary of compacted history
	MessageTokens int // live messages
	TotalUsed     int // sum of the above

	Remaining    int // Available - TotalUsed
	MessageCount int // live message count
	PrunedCount  int // messages pruned away on the last compaction
	OrphanCount  int // tool results dropped to repair pairing
}

// Format returns a human-readable budget display.
func (b *ContextBudget) Format(sessionID, modelName string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Context budget for %s (%s, %d tokens available)\n", sessionID, modelName, b.Available))
	sb.WriteString("─────────────────────────────────────────────\n")

	if b.SummaryTokens > 0 {
		sb.WriteString(fmt.Sprintf("Summary:          %7d tokens (%d compacted messages)\n", b.SummaryTokens, b.PrunedCount))
	}
	if b.MessageCount > 0 {
		sb.WriteString(fmt.Sprintf("Messages:         %7d tokens (%d live)\n", b.MessageTokens, b.MessageCount))
	}
	if b.OrphanCount > 0 {
		sb.WriteString(fmt.Sprintf("Orphans repaired: %7d tool results\n", b.OrphanCount))
	}

	sb.WriteString("─────────────────────────────────────────────\n")
	sb.WriteString(fmt.Sprintf("Total used:       %7d / %d available\n", b.TotalUsed, b.Available))
	if b.Available > 0 {
		sb.WriteString(fmt.Sprintf("Remaining:        %7d tokens (%.0f%%)\n", b.Remaining, float64(b.Remaining)/float64(b.Available)*100))
	}

	return sb.String()
}

// Percentage returns the percentage of available context used.
func (b *ContextBudget) Percentage() float64 {
	if b.Available == 0 {
		return 0
	}
	return float64(b.TotalUsed) / float64(b.Available) * 100
}

// IsLow reports whether remaining space is under 10% of available.
func (b *ContextBudget) IsLow() bool {
	return b.Remaining < (b.Available / 10)
}
