package clamp

import (
	"encoding/json"
	"strings"
	"testing"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal capped payload: %v", err)
	}
	return data
}

func TestCapPayload_PassthroughSmallValues(t *testing.T) {
	in := map[string]any{"ok": true, "count": 3, "name": "tool"}
	out := CapPayload(in, Budget{MaxBytes: 1_000, MaxLines: 100})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if m["name"] != "tool" {
		t.Fatalf("name = %v", m["name"])
	}
}

func TestCapPayload_ClampsLongStrings(t *testing.T) {
	in := map[string]any{"output": strings.Repeat("z", 100_000)}
	out := CapPayload(in, Budget{MaxBytes: 10_000, MaxLines: 100})
	data := mustMarshal(t, out)
	if len(data) > 10_000 {
		t.Fatalf("serialized %d bytes exceeds budget", len(data))
	}
}

func TestCapPayload_Cycle(t *testing.T) {
	m := map[string]any{"name": "loop"}
	m["self"] = m
	out := CapPayload(m, Budget{MaxBytes: 10_000, MaxLines: 100})
	data := mustMarshal(t, out)
	if !strings.Contains(string(data), "[Circular]") {
		t.Fatalf("expected circular marker, got %s", data)
	}
}

func TestCapPayload_SliceCycle(t *testing.T) {
	s := make([]any, 1)
	s[0] = s
	out := CapPayload(s, Budget{MaxBytes: 10_000, MaxLines: 100})
	data := mustMarshal(t, out)
	if !strings.Contains(string(data), "[Circular]") {
		t.Fatalf("expected circular marker, got %s", data)
	}
}

func TestCapPayload_DepthCeiling(t *testing.T) {
	deep := any("bottom")
	for i := 0; i < 50; i++ {
		deep = map[string]any{"next": deep}
	}
	out := CapPayload(deep, Budget{MaxBytes: 10_000, MaxLines: 100})
	data := mustMarshal(t, out)
	if !strings.Contains(string(data), "[Object]") {
		t.Fatalf("expected depth marker, got %s", data)
	}
}

func TestCapPayload_ElementCeiling(t *testing.T) {
	wide := make([]any, 10_000)
	for i := range wide {
		wide[i] = i
	}
	out := CapPayload(wide, Budget{MaxBytes: 50_000, MaxLines: 2_000})
	list, ok := out.([]any)
	if !ok {
		t.Fatalf("expected slice, got %T", out)
	}
	if len(list) > maxPayloadElements+1 {
		t.Fatalf("kept %d elements", len(list))
	}
	last, _ := list[len(list)-1].(string)
	if !strings.Contains(last, "omitted") {
		t.Fatalf("expected omission marker, got %v", last)
	}
}

func TestCapPayload_FallbackPreviewFits(t *testing.T) {
	// Many medium strings: each fits individually but the aggregate does not.
	wide := make([]any, 200)
	for i := range wide {
		wide[i] = strings.Repeat("q", 400)
	}
	budget := Budget{MaxBytes: 5_000, MaxLines: 2_000}
	out := CapPayload(wide, budget)
	data := mustMarshal(t, out)
	if len(data) > budget.MaxBytes {
		t.Fatalf("serialized %d bytes exceeds budget", len(data))
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected fallback wrapper, got %T", out)
	}
	if m["truncated"] != true {
		t.Fatal("wrapper not marked truncated")
	}
	if _, ok := m["preview"].(string); !ok {
		t.Fatal("wrapper missing preview")
	}
}

func TestCapPayload_StructFields(t *testing.T) {
	type result struct {
		Stdout string `json:"stdout"`
		Code   int    `json:"exit_code"`
		hidden string
	}
	in := result{Stdout: "done", Code: 0, hidden: "x"}
	out := CapPayload(in, Budget{MaxBytes: 1_000, MaxLines: 100})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if m["stdout"] != "done" {
		t.Fatalf("stdout = %v", m["stdout"])
	}
	if _, ok := m["hidden"]; ok {
		t.Fatal("unexported field leaked")
	}
}

func TestCapPayload_NilAndScalars(t *testing.T) {
	if out := CapPayload(nil, Budget{}); out != nil {
		t.Fatalf("nil in, %v out", out)
	}
	if out := CapPayload(42, Budget{}); out != int64(42) {
		t.Fatalf("42 in, %v out", out)
	}
}
