package main

import (
	"strings"
	"testing"

	"github.com/basket/ctxwin/internal/history"
)

func TestRenderBudget(t *testing.T) {
	b := &history.ContextBudget{
		ModelLimit:    128_000,
		OutputBuffer:  10_000,
		Available:     118_000,
		SummaryTokens: 4_000,
		MessageTokens: 50_000,
		TotalUsed:     54_000,
		Remaining:     64_000,
		MessageCount:  42,
		PrunedCount:   120,
	}
	out := renderBudget(b, "sess-1", "claude-3-5-sonnet-20241022")

	for _, want := range []string{"sess-1", "claude-3-5-sonnet-20241022", "42 live", "120 compacted"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "LOW") {
		t.Fatalf("plenty of room should not warn LOW:\n%s", out)
	}
}

func TestRenderBudget_WarnsWhenLow(t *testing.T) {
	b := &history.ContextBudget{
		ModelLimit:   128_000,
		OutputBuffer: 10_000,
		Available:    118_000,
		TotalUsed:    115_000,
		Remaining:    3_000,
		MessageCount: 200,
	}
	out := renderBudget(b, "sess-1", "gpt-4o")
	if !strings.Contains(out, "LOW") {
		t.Fatalf("expected LOW warning:\n%s", out)
	}
}

func TestUsageBar_Bounds(t *testing.T) {
	over := &history.ContextBudget{Available: 100, TotalUsed: 250, Remaining: -150}
	bar := usageBar(over)
	if n := strings.Count(bar, "█"); n != barWidth {
		t.Fatalf("overfull bar should saturate at %d cells, got %d", barWidth, n)
	}
	empty := &history.ContextBudget{Available: 100}
	if n := strings.Count(usageBar(empty), "░"); n != barWidth {
		t.Fatalf("empty bar should be all empty cells, got %d", n)
	}
}
