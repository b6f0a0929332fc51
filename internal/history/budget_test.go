package history

import (
	"strings"
	"testing"
)

func TestContextBudget_Format(t *testing.T) {
	t.Run("format_includes_session_and_model", func(t *testing.T) {
		b := &ContextBudget{
			ModelLimit:    128000,
			OutputBuffer:  4096,
			Available:     123904,
			SummaryTokens: 380,
			PrunedCount:   45,
			MessageTokens: 3200,
			MessageCount:  12,
			TotalUsed:     3580,
			Remaining:     120324,
		}

		formatted := b.Format("session-1", "claude-3-5-sonnet")
		if !strings.Contains(formatted, "session-1") {
			t.Errorf("formatted should include session id")
		}
		if !strings.Contains(formatted, "claude-3-5-sonnet") {
			t.Errorf("formatted should include model name")
		}
		if !strings.Contains(formatted, "123904") {
			t.Errorf("formatted should include available tokens")
		}
		if !strings.Contains(formatted, "Summary") {
			t.Errorf("formatted should show summary tokens")
		}
	})

	t.Run("orphans_shown_when_present", func(t *testing.T) {
		b := &ContextBudget{Available: 1000, OrphanCount: 2}
		if !strings.Contains(b.Format("s", "m"), "Orphans repaired") {
			t.Errorf("orphan count missing from report")
		}
	})
}

func TestContextBudget_Percentage(t *testing.T) {
	b := &ContextBudget{Available: 1000, TotalUsed: 250}
	if got := b.Percentage(); got != 25 {
		t.Errorf("Percentage() = %v; want 25", got)
	}
	zero := &ContextBudget{}
	if got := zero.Percentage(); got != 0 {
		t.Errorf("zero Available should yield 0, got %v", got)
	}
}

func TestContextBudget_IsLow(t *testing.T) {
	low := &ContextBudget{Available: 1000, Remaining: 50}
	if !low.IsLow() {
		t.Error("50/1000 remaining should be low")
	}
	ok := &ContextBudget{Available: 1000, Remaining: 500}
	if ok.IsLow() {
		t.Error("500/1000 remaining should not be low")
	}
}
