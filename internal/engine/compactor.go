// Package engine orchestrates budget management for persisted sessions:
// threshold checks, pruning, summarization of the dropped prefix, and
// overflow recovery.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ctxwin/internal/compaction"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/history"
	ctxotel "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/persistence"
	"github.com/basket/ctxwin/internal/recovery"
	"github.com/basket/ctxwin/internal/tokenutil"
)

// keepShare bounds the kept suffix after compaction to a fraction of the
// available window, leaving room for the summary and further turns.
const keepShare = 0.6

// fallbackSummary replaces the dropped prefix when no summarizer is
// configured and compaction must still make progress.
const fallbackSummary = "[History compacted due to length. Older messages were truncated.]"

// Compactor manages conversation history compaction to keep a persisted
// session within its model's context window.
type Compactor struct {
	store      *persistence.Store
	summarizer compaction.Summarizer
	est        history.Estimator
	cfg        config.Config
	tracer     trace.Tracer
	metrics    *ctxotel.Metrics
}

// NewCompactor creates a Compactor. The summarizer may be nil, in which
// case compaction falls back to truncation notes.
func NewCompactor(store *persistence.Store, summarizer compaction.Summarizer, cfg config.Config) *Compactor {
	return &Compactor{
		store:      store,
		summarizer: summarizer,
		est:        history.DefaultEstimator,
		cfg:        cfg,
		tracer:     noop.NewTracerProvider().Tracer(ctxotel.TracerName),
	}
}

// WithTelemetry attaches a tracer and metric instruments. Safe to skip
// entirely; spans default to a noop tracer.
func (c *Compactor) WithTelemetry(tracer trace.Tracer, m *ctxotel.Metrics) *Compactor {
	if tracer != nil {
		c.tracer = tracer
	}
	c.metrics = m
	return c
}

// CompactionReport describes what a CompactIfNeeded pass did.
type CompactionReport struct {
	Compacted       bool
	TokensBefore    int
	TokensAfter     int
	DroppedMessages int
	OrphansRepaired int
	SummaryTokens   int
	FallbackUsed    bool
}

// compactionMarker is the payload of a compaction-marker entry.
type compactionMarker struct {
	ReplacedFrom    int64 `json:"replaced_from"`
	ReplacedTo      int64 `json:"replaced_to"`
	ReplacedCount   int   `json:"replaced_count"`
	SourceTokens    int   `json:"source_tokens"`
	OrphansRepaired int   `json:"orphans_repaired"`
}

// CompactIfNeeded checks the session's token usage against the model
// context limit. When over threshold it prunes the history to budget,
// summarizes the dropped prefix, archives the originals, and records a
// compaction marker plus a summary message. Cancellation and summarizer
// failure both abort without touching the log; only a session with no
// summarizer configured at all compacts with a truncation note instead.
func (c *Compactor) CompactIfNeeded(ctx context.Context, sessionID string) (*CompactionReport, error) {
	unlock := c.store.LockSession(sessionID)
	defer unlock()
	start := time.Now()

	ctx, span := ctxotel.StartSpan(ctx, c.tracer, "compaction.cycle",
		ctxotel.AttrSessionID.String(sessionID),
		ctxotel.AttrModel.String(c.cfg.Model))
	defer span.End()

	entries, err := c.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entries for compaction: %w", err)
	}

	msgs, bySeq := decodeMessages(entries)
	report := &CompactionReport{TokensBefore: history.EstimateTotal(msgs, c.est)}
	report.TokensAfter = report.TokensBefore
	if len(msgs) == 0 {
		return report, nil
	}

	window := config.ContextLimitForModel(c.cfg.Provider, c.cfg.Model)
	span.SetAttributes(ctxotel.AttrContextWindow.Int(window),
		ctxotel.AttrTokensBefore.Int(report.TokensBefore))
	available := window - c.cfg.Compaction.ReserveTokens
	if available < 1000 {
		available = 1000 // Sanity floor
	}

	if float64(report.TokensBefore) < float64(available)*c.cfg.Compaction.ThresholdRatio {
		return report, nil
	}

	slog.Info("context limit exceeded, compacting",
		"session_id", sessionID,
		"tokens", report.TokensBefore,
		"window", window,
		"available", available)

	budget := int(float64(available) * keepShare)
	res := history.Prune(msgs, budget, c.est)
	if res.DroppedMessages == 0 {
		return report, nil
	}

	var summary string
	if c.summarizer == nil {
		slog.Warn("no summarizer configured, compacting with truncation note",
			"session_id", sessionID)
		summary = fallbackSummary
		report.FallbackUsed = true
	} else {
		eng := compaction.NewEngine(c.summarizer, c.est, compaction.Config{
			ContextWindow:       window,
			Model:               c.cfg.Model,
			ReserveTokens:       c.cfg.Compaction.ReserveTokens,
			Parts:               c.cfg.Compaction.Parts,
			MinMessagesForSplit: c.cfg.Compaction.MinMessagesForSplit,
		})
		summary, err = c.summarizeDropped(ctx, eng, dropped(msgs, res.Kept))
		if err != nil {
			// Cancellation and summarizer failure both leave the log
			// untouched; the caller decides whether to retry.
			span.RecordError(err)
			return nil, err
		}
	}

	summaryTokens := tokenutil.EstimateTokens(summary)
	if summaryTokens > res.DroppedTokens {
		// An implausible estimate is logged but still used: overcounting
		// only makes the next pass compact sooner.
		slog.Warn("summary estimate exceeds source tokens",
			"session_id", sessionID,
			"summary_tokens", summaryTokens,
			"source_tokens", res.DroppedTokens)
	}

	if err := c.persistCompaction(ctx, sessionID, msgs, res, bySeq, summary); err != nil {
		return nil, err
	}

	report.Compacted = true
	report.DroppedMessages = res.DroppedMessages
	report.OrphansRepaired = res.OrphansRepaired
	report.SummaryTokens = summaryTokens
	report.TokensAfter = res.KeptTokens + summaryTokens
	span.SetAttributes(ctxotel.AttrTokensAfter.Int(report.TokensAfter),
		ctxotel.AttrDroppedCount.Int(res.DroppedMessages))

	if c.metrics != nil {
		c.metrics.CompactionDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.PrunedMessages.Add(ctx, int64(res.DroppedMessages))
		c.metrics.SummaryTokens.Add(ctx, int64(summaryTokens))
	}
	slog.Info("compaction complete",
		"session_id", sessionID,
		"dropped", res.DroppedMessages,
		"orphans_repaired", res.OrphansRepaired,
		"tokens_before", report.TokensBefore,
		"tokens_after", report.TokensAfter)
	return report, nil
}

// summarizeDropped runs the summarizer under a client span and records
// its call duration.
func (c *Compactor) summarizeDropped(ctx context.Context, eng *compaction.Engine, msgs []history.Message) (string, error) {
	ctx, span := ctxotel.StartClientSpan(ctx, c.tracer, "summarizer.call",
		ctxotel.AttrModel.String(c.cfg.Model))
	defer span.End()

	start := time.Now()
	summary, err := eng.Summarize(ctx, msgs)
	if c.metrics != nil {
		c.metrics.SummarizerDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return summary, nil
}

// persistCompaction archives the dropped messages and appends the marker
// and summary entries.
func (c *Compactor) persistCompaction(ctx context.Context, sessionID string, msgs []history.Message, res history.PruneResult, bySeq map[int64]persistence.Entry, summary string) error {
	keptSeqs := make(map[int64]bool, len(res.Kept))
	for _, m := range res.Kept {
		keptSeqs[m.Seq] = true
	}

	var ids []string
	var from, to int64
	for _, m := range msgs {
		if keptSeqs[m.Seq] {
			continue
		}
		e, ok := bySeq[m.Seq]
		if !ok {
			continue
		}
		ids = append(ids, e.ID)
		if from == 0 || e.Seq < from {
			from = e.Seq
		}
		if e.Seq > to {
			to = e.Seq
		}
	}
	if err := c.store.ArchiveEntries(ctx, sessionID, ids); err != nil {
		return fmt.Errorf("archive compacted prefix: %w", err)
	}

	marker := compactionMarker{
		ReplacedFrom:    from,
		ReplacedTo:      to,
		ReplacedCount:   res.DroppedMessages,
		SourceTokens:    res.DroppedTokens,
		OrphansRepaired: res.OrphansRepaired,
	}
	if _, err := c.store.AppendEntry(ctx, sessionID, persistence.KindCompactionMarker, marker); err != nil {
		return fmt.Errorf("append compaction marker: %w", err)
	}

	sm := history.NewSummaryMessage(summary, res.DroppedTokens, from, to, res.DroppedMessages)
	if _, err := c.store.AppendEntry(ctx, sessionID, persistence.KindMessage, sm); err != nil {
		return fmt.Errorf("append summary message: %w", err)
	}
	return nil
}

// RecoverOverflow rewrites the session log when err is a context-window
// overflow from the provider. Reports whether a rewrite was attempted.
func (c *Compactor) RecoverOverflow(ctx context.Context, sessionID string, cause error) (recovery.RewriteResult, bool) {
	if cause == nil || !recovery.IsOverflowError(cause.Error()) {
		return recovery.RewriteResult{}, false
	}
	rw := recovery.NewRewriter(c.store)
	res := rw.Rewrite(ctx, sessionID, recovery.Limits{
		ContextWindow:   config.ContextLimitForModel(c.cfg.Provider, c.cfg.Model),
		ModelShare:      c.cfg.Recovery.ModelShare,
		AbsoluteCeiling: c.cfg.Recovery.AbsoluteCeiling,
	})
	if c.metrics != nil && res.Truncated {
		c.metrics.OverflowRecoveries.Add(ctx, 1)
	}
	return res, true
}

// Budget computes the current context budget for a session.
func (c *Compactor) Budget(ctx context.Context, sessionID string) (*history.ContextBudget, error) {
	entries, err := c.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list entries for budget: %w", err)
	}
	msgs, _ := decodeMessages(entries)

	window := config.ContextLimitForModel(c.cfg.Provider, c.cfg.Model)
	b := &history.ContextBudget{
		ModelLimit:   window,
		OutputBuffer: c.cfg.Compaction.ReserveTokens,
		Available:    window - c.cfg.Compaction.ReserveTokens,
		MessageCount: len(msgs),
	}
	for _, m := range msgs {
		if m.Role == history.RoleSummary {
			b.SummaryTokens += c.est(m)
		} else {
			b.MessageTokens += c.est(m)
		}
	}
	// The latest compaction marker records how much history the summary
	// stands in for.
	for _, e := range entries {
		if e.Kind != persistence.KindCompactionMarker {
			continue
		}
		var mk compactionMarker
		if err := json.Unmarshal(e.Payload, &mk); err != nil {
			slog.Warn("skipping undecodable compaction marker", "entry_id", e.ID, "error", err)
			continue
		}
		b.PrunedCount = mk.ReplacedCount
		b.OrphanCount = mk.OrphansRepaired
	}
	b.TotalUsed = b.SummaryTokens + b.MessageTokens
	b.Remaining = b.Available - b.TotalUsed
	return b, nil
}

// decodeMessages extracts the message entries from a log, tagging each
// decoded message with its entry seq. Structural entries and undecodable
// payloads are skipped.
func decodeMessages(entries []persistence.Entry) ([]history.Message, map[int64]persistence.Entry) {
	msgs := make([]history.Message, 0, len(entries))
	bySeq := make(map[int64]persistence.Entry, len(entries))
	for _, e := range entries {
		if e.Kind != persistence.KindMessage {
			continue
		}
		var m history.Message
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			slog.Warn("skipping undecodable message entry", "entry_id", e.ID, "error", err)
			continue
		}
		m.Seq = e.Seq
		msgs = append(msgs, m)
		bySeq[e.Seq] = e
	}
	return msgs, bySeq
}

// dropped returns the messages of msgs absent from kept, in order.
func dropped(msgs, kept []history.Message) []history.Message {
	keptSeqs := make(map[int64]bool, len(kept))
	for _, m := range kept {
		keptSeqs[m.Seq] = true
	}
	out := make([]history.Message, 0, len(msgs)-len(kept))
	for _, m := range msgs {
		if !keptSeqs[m.Seq] {
			out = append(out, m)
		}
	}
	return out
}
