// Package recovery repairs a persisted session log after a provider
// rejects a request as oversized. It clamps offending tool-result entries
// in place via a branch-and-replay rewrite; the caller retries afterwards.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/ctxwin/internal/clamp"
	"github.com/basket/ctxwin/internal/history"
	"github.com/basket/ctxwin/internal/persistence"
	"github.com/basket/ctxwin/internal/tokenutil"
)

const (
	// DefaultModelShare caps a tool result at this fraction of the model's
	// context window, measured in characters.
	DefaultModelShare = 0.3

	// DefaultAbsoluteCeiling is the absolute character cap for a tool
	// result regardless of model size.
	DefaultAbsoluteCeiling = 400_000
)

// LogStore is the narrow log collaborator the rewriter needs. The SQLite
// store satisfies it; the rewriter defines no storage format itself.
type LogStore interface {
	ListEntries(ctx context.Context, sessionID string) ([]persistence.Entry, error)
	BranchFrom(ctx context.Context, sessionID, entryID string) ([]persistence.Entry, error)
	AppendEntry(ctx context.Context, sessionID string, kind persistence.EntryKind, payload any) (*persistence.Entry, error)
	ParentOf(ctx context.Context, sessionID, entryID string) (string, error)
	LockSession(sessionID string) func()
}

// Limits configures the oversize test.
type Limits struct {
	ContextWindow   int
	ModelShare      float64
	AbsoluteCeiling int
	ByteLine        clamp.Budget
}

func (l Limits) withDefaults() Limits {
	if l.ContextWindow <= 0 {
		l.ContextWindow = 128_000
	}
	if l.ModelShare <= 0 {
		l.ModelShare = DefaultModelShare
	}
	if l.AbsoluteCeiling <= 0 {
		l.AbsoluteCeiling = DefaultAbsoluteCeiling
	}
	return l
}

// maxChars is the character ceiling for a single tool result under these
// limits: min(window x share x chars-per-token, absolute ceiling).
func (l Limits) maxChars() int {
	chars := int(float64(l.ContextWindow) * l.ModelShare * tokenutil.CharsPerToken)
	if chars > l.AbsoluteCeiling {
		return l.AbsoluteCeiling
	}
	return chars
}

// RewriteResult reports what a rewrite did. Internal failures surface as
// Truncated=false plus a Reason; the rewriter never propagates them as
// errors.
type RewriteResult struct {
	Truncated      bool
	TruncatedCount int
	Reason         string
}

// Rewriter rewrites session logs whose entries overflow the model window.
type Rewriter struct {
	store LogStore
}

// NewRewriter creates a Rewriter over the given log collaborator.
func NewRewriter(store LogStore) *Rewriter {
	return &Rewriter{store: store}
}

// Rewrite scans the session log for oversized tool results, branches the
// log from the first offender's parent and replays the tail with the
// offenders clamped. Structural entries replay byte-for-byte. The session
// write lock is held for the whole rewrite.
func (r *Rewriter) Rewrite(ctx context.Context, sessionID string, limits Limits) RewriteResult {
	limits = limits.withDefaults()

	unlock := r.store.LockSession(sessionID)
	defer unlock()

	res, err := r.rewriteLocked(ctx, sessionID, limits)
	if err != nil {
		slog.Error("overflow rewrite failed", "session_id", sessionID, "error", err)
		return RewriteResult{Truncated: false, Reason: err.Error()}
	}
	return res
}

func (r *Rewriter) rewriteLocked(ctx context.Context, sessionID string, limits Limits) (RewriteResult, error) {
	entries, err := r.store.ListEntries(ctx, sessionID)
	if err != nil {
		return RewriteResult{}, fmt.Errorf("list entries: %w", err)
	}

	first := -1
	for i, e := range entries {
		if r.isOversized(e, limits) {
			first = i
			break
		}
	}
	if first == -1 {
		return RewriteResult{Truncated: false, Reason: "no oversized entries"}, nil
	}

	parentID := ""
	if first > 0 {
		parentID, err = r.store.ParentOf(ctx, sessionID, entries[first].ID)
		if err != nil {
			return RewriteResult{}, fmt.Errorf("resolve rewrite parent: %w", err)
		}
	}

	tail, err := r.store.BranchFrom(ctx, sessionID, parentID)
	if err != nil {
		return RewriteResult{}, fmt.Errorf("branch log: %w", err)
	}

	count := 0
	for _, e := range tail {
		payload := e.Payload
		if e.Kind == persistence.KindMessage && r.isOversized(e, limits) {
			clamped, ok := clampMessagePayload(e.Payload, limits.ByteLine)
			if ok {
				payload = clamped
				count++
			}
		}
		if _, err := r.store.AppendEntry(ctx, sessionID, e.Kind, payload); err != nil {
			return RewriteResult{}, fmt.Errorf("replay entry seq=%d: %w", e.Seq, err)
		}
	}

	slog.Info("overflow recovery rewrote log",
		"session_id", sessionID,
		"entries", len(tail),
		"truncated", count)
	return RewriteResult{Truncated: count > 0, TruncatedCount: count}, nil
}

// isOversized applies the two-part test: the character budget derived from
// the model window, and the absolute byte/line safety bound that binds
// regardless of model size. Only message entries carrying tool results
// qualify.
func (r *Rewriter) isOversized(e persistence.Entry, limits Limits) bool {
	if e.Kind != persistence.KindMessage {
		return false
	}
	var msg history.Message
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return false
	}
	if !msg.IsToolResult() {
		return false
	}
	text := msg.Text()
	if len(text) > limits.maxChars() {
		return true
	}
	budget := limits.ByteLine.WithDefaults()
	return len(e.Payload) > budget.MaxBytes ||
		lineCount(string(e.Payload)) > budget.MaxLines
}

// clampMessagePayload clamps each text block of the message payload and
// reserializes it. Returns ok=false on any serialization problem, in
// which case the entry replays unchanged.
func clampMessagePayload(payload json.RawMessage, budget clamp.Budget) (json.RawMessage, bool) {
	var msg history.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false
	}
	for i := range msg.Blocks {
		if msg.Blocks[i].Text == "" {
			continue
		}
		msg.Blocks[i].Text = clamp.Clamp(msg.Blocks[i].Text, budget).Text
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return out, true
}

func lineCount(s string) int {
	n := 1
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
		}
	}
	return n
}
