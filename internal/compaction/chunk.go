package compaction

import "github.com/basket/ctxwin/internal/history"

// packChunks greedily packs messages into chunks whose token sum stays
// under ceiling. A single message over the ceiling gets a chunk of its
// own; it cannot be subdivided.
func packChunks(msgs []history.Message, ceiling int, est history.Estimator) [][]history.Message {
	if len(msgs) == 0 {
		return nil
	}
	if ceiling <= 0 {
		return [][]history.Message{msgs}
	}

	var chunks [][]history.Message
	var current []history.Message
	currentTokens := 0

	for _, m := range msgs {
		tokens := est(m)
		if tokens > ceiling {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentTokens = 0
			}
			chunks = append(chunks, []history.Message{m})
			continue
		}
		if currentTokens+tokens > ceiling && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, m)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitByTokenShare splits msgs into at most parts slices of roughly equal
// cumulative token weight. Splitting is by token sum, not message count,
// so one heavy part does not starve the others.
func splitByTokenShare(msgs []history.Message, parts int, est history.Estimator) [][]history.Message {
	if len(msgs) == 0 {
		return nil
	}
	if parts <= 1 || len(msgs) < parts {
		return [][]history.Message{msgs}
	}

	total := history.EstimateTotal(msgs, est)
	target := total / parts

	result := make([][]history.Message, 0, parts)
	var current []history.Message
	currentTokens := 0

	for i, m := range msgs {
		current = append(current, m)
		currentTokens += est(m)

		remainingParts := parts - len(result) - 1
		last := i == len(msgs)-1
		if !last && remainingParts > 0 && currentTokens >= target {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}
