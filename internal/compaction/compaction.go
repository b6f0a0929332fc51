// Package compaction condenses a pruned message prefix into one summary
// string via an external summarizer. Chunking adapts to message size, the
// rolling summary is built strictly sequentially, and a fallback ladder
// keeps one oversized message from blocking progress.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/ctxwin/internal/history"
)

const (
	// BaseChunkRatio is the default share of the context window used for
	// one summarization chunk.
	BaseChunkRatio = 0.4

	// MinChunkRatio is the floor the adaptive ratio is clamped to.
	MinChunkRatio = 0.15

	// SafetyMargin pads token estimates to absorb estimator bias.
	SafetyMargin = 1.2

	// OversizedShare is the fraction of the context window above which a
	// single message is excluded from summarization and noted instead.
	OversizedShare = 0.5

	// avgShareTrigger is the average per-message share of the window above
	// which the chunk ratio starts shrinking.
	avgShareTrigger = 0.10

	// DefaultContextWindow is the fallback window size in tokens.
	DefaultContextWindow = 100_000

	// DefaultParts is the part count for multi-part summarization.
	DefaultParts = 2

	// DefaultMinMessagesForSplit is the minimum message count before
	// multi-part splitting is considered.
	DefaultMinMessagesForSplit = 4

	// DefaultSummaryFallback is returned when there is nothing to
	// summarize.
	DefaultSummaryFallback = "No prior history."
)

// ErrSummaryUnavailable is returned when no safe summary can be produced.
// Callers must surface it rather than silently dropping history.
var ErrSummaryUnavailable = errors.New("summary unavailable")

// mergeInstructions steers the final pass of multi-part summarization.
const mergeInstructions = "Merge the partial summaries into a single coherent summary. " +
	"Preserve all decisions made, open tasks, and stated constraints. Keep chronological order."

// Request carries one summarizer invocation. PriorSummary feeds the
// rolling context forward between chunks.
type Request struct {
	Messages      []history.Message
	Model         string
	ReserveTokens int
	Credentials   string
	Instructions  string
	PriorSummary  string
}

// Summarizer is the pluggable external summarizer. Any non-cancellation
// error counts as a summarization failure.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Config holds the knobs for a compaction engine.
type Config struct {
	ContextWindow       int
	Model               string
	ReserveTokens       int
	Credentials         string
	Parts               int
	MinMessagesForSplit int
}

func (c Config) withDefaults() Config {
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.Parts <= 0 {
		c.Parts = DefaultParts
	}
	if c.MinMessagesForSplit <= 0 {
		c.MinMessagesForSplit = DefaultMinMessagesForSplit
	}
	return c
}

// Engine condenses message runs into summaries.
type Engine struct {
	summarizer Summarizer
	est        history.Estimator
	cfg        Config
}

// NewEngine creates an Engine. est may be nil, in which case the default
// heuristic estimator is used.
func NewEngine(summarizer Summarizer, est history.Estimator, cfg Config) *Engine {
	if est == nil {
		est = history.DefaultEstimator
	}
	return &Engine{summarizer: summarizer, est: est, cfg: cfg.withDefaults()}
}

// Summarize reduces msgs to one summary string. Messages larger than half
// the context window are excluded and noted. Cancellation propagates
// immediately; any other failure of the ladder yields
// ErrSummaryUnavailable.
func (e *Engine) Summarize(ctx context.Context, msgs []history.Message) (string, error) {
	if len(msgs) == 0 {
		return DefaultSummaryFallback, nil
	}
	if e.summarizer == nil {
		return "", fmt.Errorf("%w: no summarizer configured", ErrSummaryUnavailable)
	}

	normal, notes := e.splitOversized(msgs)
	summary, err := e.summarizeNormal(ctx, normal)
	if err != nil {
		if isCancellation(ctx, err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrSummaryUnavailable, err)
	}

	if len(notes) > 0 {
		summary = summary + "\n\n" + strings.Join(notes, "\n")
	}
	return summary, nil
}

// summarizeNormal picks between single-run rolling summarization and
// multi-part mode depending on input size.
func (e *Engine) summarizeNormal(ctx context.Context, msgs []history.Message) (string, error) {
	if len(msgs) == 0 {
		return DefaultSummaryFallback, nil
	}

	chunkTokens := e.chunkCeiling(msgs)
	total := history.EstimateTotal(msgs, e.est)

	if len(msgs) >= e.cfg.MinMessagesForSplit && total > chunkTokens*e.cfg.Parts {
		return e.summarizeParts(ctx, msgs, chunkTokens)
	}
	return e.rollingSummary(ctx, msgs, chunkTokens, "")
}

// rollingSummary packs msgs into chunks under ceiling and summarizes them
// strictly in order, feeding each chunk's output into the next call. The
// sequencing is an ordering constraint of the rolling context, not a
// concurrency limitation.
func (e *Engine) rollingSummary(ctx context.Context, msgs []history.Message, ceiling int, prior string) (string, error) {
	chunks := packChunks(msgs, ceiling, e.est)
	rolling := prior
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := e.summarizer.Summarize(ctx, Request{
			Messages:      chunk,
			Model:         e.cfg.Model,
			ReserveTokens: e.cfg.ReserveTokens,
			Credentials:   e.cfg.Credentials,
			PriorSummary:  rolling,
		})
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		rolling = out
	}
	if rolling == "" {
		return DefaultSummaryFallback, nil
	}
	return rolling, nil
}

// summarizeParts splits msgs into parts by cumulative token share,
// summarizes each part on its own, then merges the partial summaries with
// one more summarization pass.
func (e *Engine) summarizeParts(ctx context.Context, msgs []history.Message, ceiling int) (string, error) {
	parts := splitByTokenShare(msgs, e.cfg.Parts, e.est)
	if len(parts) == 1 {
		return e.rollingSummary(ctx, parts[0], ceiling, "")
	}

	partials := make([]string, 0, len(parts))
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s, err := e.rollingSummary(ctx, part, ceiling, "")
		if err != nil {
			return "", fmt.Errorf("summarize part %d/%d: %w", i+1, len(parts), err)
		}
		partials = append(partials, s)
	}

	merge := make([]history.Message, len(partials))
	for i, s := range partials {
		merge[i] = history.TextMessage(history.RoleSystem, fmt.Sprintf("Part %d summary:\n%s", i+1, s))
	}
	return e.summarizer.Summarize(ctx, Request{
		Messages:      merge,
		Model:         e.cfg.Model,
		ReserveTokens: e.cfg.ReserveTokens,
		Credentials:   e.cfg.Credentials,
		Instructions:  mergeInstructions,
	})
}

// splitOversized separates messages too large to summarize from the rest
// and produces an omission note per excluded message, so one giant message
// cannot block the whole compaction.
func (e *Engine) splitOversized(msgs []history.Message) ([]history.Message, []string) {
	threshold := float64(e.cfg.ContextWindow) * OversizedShare
	var normal []history.Message
	var notes []string
	for _, m := range msgs {
		tokens := e.est(m)
		if float64(tokens) > threshold {
			slog.Warn("message oversized for summary, omitting",
				"role", string(m.Role),
				"tokens", tokens,
				"context_window", e.cfg.ContextWindow)
			notes = append(notes, fmt.Sprintf("[An oversized %s message (~%d tokens) was omitted from this summary.]",
				m.Role, tokens))
			continue
		}
		normal = append(normal, m)
	}
	return normal, notes
}

// chunkCeiling derives the adaptive per-chunk token ceiling. When the
// padded average message size exceeds 10% of the window, the base ratio
// shrinks proportionally to the overage, clamped at the floor.
func (e *Engine) chunkCeiling(msgs []history.Message) int {
	return int(AdaptiveChunkRatio(msgs, e.cfg.ContextWindow, e.est) * float64(e.cfg.ContextWindow))
}

// AdaptiveChunkRatio computes the chunk ratio for the given messages.
func AdaptiveChunkRatio(msgs []history.Message, contextWindow int, est history.Estimator) float64 {
	if len(msgs) == 0 || contextWindow <= 0 {
		return BaseChunkRatio
	}
	if est == nil {
		est = history.DefaultEstimator
	}
	avg := float64(history.EstimateTotal(msgs, est)) / float64(len(msgs)) * SafetyMargin
	trigger := avgShareTrigger * float64(contextWindow)
	if avg <= trigger {
		return BaseChunkRatio
	}
	ratio := BaseChunkRatio * (trigger / avg)
	if ratio < MinChunkRatio {
		ratio = MinChunkRatio
	}
	return ratio
}

// isCancellation distinguishes cooperative aborts from ordinary failures;
// aborts bypass the fallback ladder.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
