package clamp

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClamp_NoopWithinLimits(t *testing.T) {
	in := "hello\nworld"
	res := Clamp(in, Budget{MaxBytes: 100, MaxLines: 10})
	if res.Truncated {
		t.Fatal("expected no truncation")
	}
	if res.Text != in {
		t.Fatalf("text changed: %q", res.Text)
	}
}

func TestClamp_ByteLimit(t *testing.T) {
	in := strings.Repeat("a", 10_000)
	res := Clamp(in, Budget{MaxBytes: 1_000, MaxLines: 2_000})
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if len(res.Text) > 1_000 {
		t.Fatalf("output %d bytes exceeds budget", len(res.Text))
	}
	if !strings.Contains(res.Text, "content truncated") {
		t.Fatal("marker missing")
	}
}

func TestClamp_LineLimit(t *testing.T) {
	in := strings.Repeat("line\n", 100)
	res := Clamp(in, Budget{MaxBytes: 50_000, MaxLines: 10})
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if got := lineCount(res.Text); got > 10 {
		t.Fatalf("output has %d lines, want <= 10", got)
	}
}

func TestClamp_SingleLineCountsAsOne(t *testing.T) {
	res := Clamp("no newlines here", Budget{MaxBytes: 100, MaxLines: 1})
	if res.Truncated {
		t.Fatal("single line within byte budget should pass")
	}
}

func TestClamp_SurrogatePairsNotSplit(t *testing.T) {
	// Each emoji is 4 UTF-8 bytes and a surrogate pair in UTF-16.
	in := strings.Repeat("\U0001F600", 5_000)
	for _, maxBytes := range []int{500, 501, 502, 503, 1_000} {
		res := Clamp(in, Budget{MaxBytes: maxBytes, MaxLines: 10})
		if len(res.Text) > maxBytes {
			t.Fatalf("maxBytes=%d: output %d bytes", maxBytes, len(res.Text))
		}
		if !utf8.ValidString(res.Text) {
			t.Fatalf("maxBytes=%d: invalid UTF-8 in output", maxBytes)
		}
		for _, r := range res.Text {
			if r >= 0xD800 && r < 0xE000 {
				t.Fatalf("maxBytes=%d: lone surrogate %U in output", maxBytes, r)
			}
		}
	}
}

func TestClamp_Idempotent(t *testing.T) {
	in := strings.Repeat("some text with content\n", 5_000)
	budget := Budget{MaxBytes: 2_000, MaxLines: 50}
	first := Clamp(in, budget)
	if !first.Truncated {
		t.Fatal("expected truncation")
	}
	second := Clamp(first.Text, budget)
	if second.Truncated {
		t.Fatal("re-clamp should be a no-op")
	}
	if second.Text != first.Text {
		t.Fatal("re-clamp changed the text")
	}
}

func TestClamp_Defaults(t *testing.T) {
	in := strings.Repeat("x", DefaultMaxBytes+1)
	res := Clamp(in, Budget{})
	if !res.Truncated {
		t.Fatal("expected truncation at default ceiling")
	}
	if len(res.Text) > DefaultMaxBytes {
		t.Fatalf("output %d bytes exceeds default", len(res.Text))
	}
}

func TestClamp_TinyBudget(t *testing.T) {
	res := Clamp(strings.Repeat("y", 500), Budget{MaxBytes: 40, MaxLines: 5})
	if len(res.Text) > 40 {
		t.Fatalf("output %d bytes exceeds tiny budget", len(res.Text))
	}
	if !utf8.ValidString(res.Text) {
		t.Fatal("invalid UTF-8")
	}
}

func TestClamp_BothLimitsBind(t *testing.T) {
	// Many short lines: line limit binds before bytes.
	in := strings.Repeat("ab\n", 3_000)
	res := Clamp(in, Budget{MaxBytes: 50_000, MaxLines: 100})
	if got := lineCount(res.Text); got > 100 {
		t.Fatalf("lines=%d", got)
	}
	if len(res.Text) > 50_000 {
		t.Fatalf("bytes=%d", len(res.Text))
	}
}
