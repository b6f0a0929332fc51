package recovery

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/ctxwin/internal/history"
	"github.com/basket/ctxwin/internal/persistence"
)

const testSession = "00000000-0000-0000-0000-0000000000aa"

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureSession(context.Background(), testSession, "gpt-4o"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return store
}

func appendMessage(t *testing.T, store *persistence.Store, msg history.Message) {
	t.Helper()
	if _, err := store.AppendEntry(context.Background(), testSession, persistence.KindMessage, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
}

func appendStructural(t *testing.T, store *persistence.Store, kind persistence.EntryKind, payload any) {
	t.Helper()
	if _, err := store.AppendEntry(context.Background(), testSession, kind, payload); err != nil {
		t.Fatalf("append %s: %v", kind, err)
	}
}

func toolResultMessage(text, callID string) history.Message {
	return history.Message{
		Role: history.RoleToolResult,
		Blocks: []history.Block{
			{Type: history.BlockText, Text: text},
			{Type: history.BlockToolResult, ToolCallID: callID},
		},
	}
}

func TestIsOverflowError(t *testing.T) {
	overflow := []string{
		"This model's maximum context length is 128000 tokens",
		"400: prompt is too long: 210000 tokens > 200000 maximum",
		"context_length_exceeded",
		"Request exceeds the maximum size",
	}
	for _, msg := range overflow {
		if !IsOverflowError(msg) {
			t.Errorf("IsOverflowError(%q) = false; want true", msg)
		}
	}
	ordinary := []string{
		"rate limit exceeded",
		"connection reset by peer",
		"invalid api key",
		"",
	}
	for _, msg := range ordinary {
		if IsOverflowError(msg) {
			t.Errorf("IsOverflowError(%q) = true; want false", msg)
		}
	}
}

func TestRewrite_ClampsOversizedToolResult(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendMessage(t, store, history.TextMessage(history.RoleUser, "run the scan"))
	appendStructural(t, store, persistence.KindLabel, map[string]string{"name": "before-scan"})
	appendMessage(t, store, toolResultMessage(strings.Repeat("x", 600_000), "call-1"))
	appendStructural(t, store, persistence.KindBranchSummary, map[string]string{"summary": "scan branch"})
	appendMessage(t, store, history.TextMessage(history.RoleAssistant, "scan finished"))

	res := NewRewriter(store).Rewrite(ctx, testSession, Limits{ContextWindow: 128_000})
	if !res.Truncated {
		t.Fatalf("expected truncation, got %+v", res)
	}
	if res.TruncatedCount != 1 {
		t.Fatalf("truncated count = %d, want 1", res.TruncatedCount)
	}

	entries, err := store.ListEntries(ctx, testSession)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("log has %d entries after rewrite, want 5", len(entries))
	}

	var kinds []persistence.EntryKind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	want := []persistence.EntryKind{
		persistence.KindMessage,
		persistence.KindLabel,
		persistence.KindMessage,
		persistence.KindBranchSummary,
		persistence.KindMessage,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kind[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	// Structural entries replay with their original content.
	var label map[string]string
	if err := json.Unmarshal(entries[1].Payload, &label); err != nil || label["name"] != "before-scan" {
		t.Fatalf("label payload changed: %s", entries[1].Payload)
	}
	var branch map[string]string
	if err := json.Unmarshal(entries[3].Payload, &branch); err != nil || branch["summary"] != "scan branch" {
		t.Fatalf("branch-summary payload changed: %s", entries[3].Payload)
	}

	// The tool result itself is clamped under the global byte budget.
	var msg history.Message
	if err := json.Unmarshal(entries[2].Payload, &msg); err != nil {
		t.Fatalf("unmarshal clamped message: %v", err)
	}
	if len(msg.Text()) >= 600_000 {
		t.Fatal("tool result was not clamped")
	}
	if !strings.Contains(msg.Text(), "truncated") {
		t.Fatal("clamp marker missing from rewritten tool result")
	}
}

func TestRewrite_NoOversizedEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	appendMessage(t, store, history.TextMessage(history.RoleUser, "hi"))
	appendMessage(t, store, toolResultMessage("small output", "call-1"))

	res := NewRewriter(store).Rewrite(ctx, testSession, Limits{ContextWindow: 128_000})
	if res.Truncated || res.TruncatedCount != 0 {
		t.Fatalf("nothing should be truncated: %+v", res)
	}

	entries, _ := store.ListEntries(ctx, testSession)
	if len(entries) != 2 {
		t.Fatalf("log was rewritten without need: %d entries", len(entries))
	}
}

func TestRewrite_OrdinaryMessagesNotClamped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Large assistant message: big, but not a tool result.
	appendMessage(t, store, history.TextMessage(history.RoleAssistant, strings.Repeat("a", 600_000)))

	res := NewRewriter(store).Rewrite(ctx, testSession, Limits{ContextWindow: 128_000})
	if res.Truncated {
		t.Fatalf("non-tool-result messages must pass through: %+v", res)
	}
}

func TestRewrite_AbsoluteByteBoundIndependentOfModel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A giant context window makes the character budget huge, but the
	// byte/line safety bound still binds.
	appendMessage(t, store, toolResultMessage(strings.Repeat("y", 300_000), "call-1"))

	res := NewRewriter(store).Rewrite(ctx, testSession, Limits{ContextWindow: 10_000_000})
	if !res.Truncated || res.TruncatedCount != 1 {
		t.Fatalf("absolute bound did not bind: %+v", res)
	}
}

func TestRewrite_NeverReturnsError(t *testing.T) {
	store := openTestStore(t)
	// Unknown session: internal failure paths must come back as a result,
	// not a panic or error.
	res := NewRewriter(store).Rewrite(context.Background(), "00000000-0000-0000-0000-0000000000ff", Limits{})
	if res.Truncated {
		t.Fatalf("unexpected truncation: %+v", res)
	}
}
