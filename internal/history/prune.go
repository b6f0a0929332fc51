package history

// PruneResult reports the outcome of a prune pass. Kept is a new slice;
// the input history is never modified.
type PruneResult struct {
	Kept          []Message
	DroppedPrefix []Message

	// DroppedChunks is 0 when the history fit the budget, 1 otherwise.
	DroppedChunks int
	// DroppedMessages counts all messages removed, including repaired
	// orphans.
	DroppedMessages int
	// OrphansRepaired counts tool results dropped because their matching
	// tool call fell in the dropped prefix. Tracked separately from the
	// prefix length.
	OrphansRepaired int

	DroppedTokens int
	KeptTokens    int
	BudgetTokens  int
}

// Prune selects the smallest droppable prefix of msgs such that the kept
// suffix fits the token budget, without ever letting the suffix begin with
// a tool result. When no cut point fits, it falls back to the last valid
// cut point so the caller still makes progress. Orphaned tool results in
// the kept suffix are dropped and counted.
func Prune(msgs []Message, budget int, est Estimator) PruneResult {
	if est == nil {
		est = DefaultEstimator
	}
	res := PruneResult{BudgetTokens: budget}
	if len(msgs) == 0 {
		res.Kept = []Message{}
		return res
	}

	tokens := make([]int, len(msgs))
	for i, m := range msgs {
		tokens[i] = est(m)
	}

	// suffix[i] is the token sum of msgs[i:]; suffix[len] = 0.
	suffix := make([]int, len(msgs)+1)
	for i := len(msgs) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + tokens[i]
	}

	if suffix[0] <= budget {
		res.Kept = append([]Message(nil), msgs...)
		res.KeptTokens = suffix[0]
		return res
	}

	cut := selectCut(msgs, suffix, budget)
	kept, orphans := repairOrphans(msgs[:cut], msgs[cut:])

	res.Kept = kept
	res.DroppedPrefix = append([]Message(nil), msgs[:cut]...)
	res.DroppedChunks = 1
	res.OrphansRepaired = orphans
	res.DroppedMessages = cut + orphans
	res.KeptTokens = EstimateTotal(kept, est)
	res.DroppedTokens = suffix[0] - res.KeptTokens
	return res
}

// selectCut returns the index where the kept suffix starts.
//
// Valid cut points are indices whose message is not a tool result. Among
// the feasible ones (suffix sum within budget) the earliest turn boundary
// wins; failing that, the earliest of any kind, which maximizes retained
// history. With no feasible cut point at all, the last valid one is
// returned even though it still exceeds the budget. A history made
// entirely of tool results has no valid cut point and is dropped whole.
func selectCut(msgs []Message, suffix []int, budget int) int {
	earliestFeasible := -1
	earliestBoundary := -1
	lastValid := -1

	for i := range msgs {
		if msgs[i].IsToolResult() {
			continue
		}
		lastValid = i
		if suffix[i] > budget {
			continue
		}
		if earliestFeasible == -1 {
			earliestFeasible = i
		}
		if earliestBoundary == -1 && msgs[i].IsTurnBoundary() {
			earliestBoundary = i
		}
	}

	switch {
	case earliestBoundary != -1:
		return earliestBoundary
	case earliestFeasible != -1:
		return earliestFeasible
	case lastValid != -1:
		return lastValid
	default:
		return len(msgs)
	}
}

// repairOrphans removes tool results from the kept suffix whose matching
// tool call fell in the dropped prefix. Returns the repaired suffix as a
// fresh slice and the orphan count.
func repairOrphans(dropped, kept []Message) ([]Message, int) {
	keptCalls := make(map[string]bool)
	for _, m := range kept {
		for _, id := range m.ToolCallIDs() {
			keptCalls[id] = true
		}
	}

	out := make([]Message, 0, len(kept))
	orphans := 0
	for _, m := range kept {
		if m.IsToolResult() && isOrphan(m, keptCalls) {
			orphans++
			continue
		}
		out = append(out, m)
	}
	return out, orphans
}

func isOrphan(m Message, keptCalls map[string]bool) bool {
	ids := m.ResultCallIDs()
	if len(ids) == 0 {
		// A result with no referenced call cannot be paired; treat it as
		// orphaned once its position is in question.
		return true
	}
	for _, id := range ids {
		if !keptCalls[id] {
			return true
		}
	}
	return false
}
