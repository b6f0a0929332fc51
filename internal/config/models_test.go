package config

import "testing"

func TestContextLimitForModel(t *testing.T) {
	cases := []struct {
		provider, model string
		want            int
	}{
		{"anthropic", "claude-3-5-sonnet-20241022", 200_000},
		{"anthropic", "claude-99-future", 200_000}, // prefix match
		{"google", "gemini-2.5-flash", 1_048_576},
		{"google", "gemini-unknown-variant", 1_048_576},
		{"openai", "gpt-4o", 128_000},
		{"openai", "gpt-4-turbo", 128_000},
		{"groq", "llama-3.1-70b-versatile", 131_072},
		{"openrouter", "some/unknown", 128_000},
		{"", "", 128_000}, // ultimate fallback
	}
	for _, tc := range cases {
		if got := ContextLimitForModel(tc.provider, tc.model); got != tc.want {
			t.Errorf("ContextLimitForModel(%q, %q) = %d, want %d", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestContextLimitOverrides(t *testing.T) {
	SetContextLimitOverrides(map[string]int{
		"openai/gpt-4o": 64_000,
		"custom-model":  32_000,
	})
	defer SetContextLimitOverrides(nil)

	if got := ContextLimitForModel("openai", "gpt-4o"); got != 64_000 {
		t.Fatalf("provider/model override ignored, got %d", got)
	}
	if got := ContextLimitForModel("whatever", "custom-model"); got != 32_000 {
		t.Fatalf("model-only override ignored, got %d", got)
	}
	if got := ContextLimitForModel("anthropic", "claude-3-opus-20240229"); got != 200_000 {
		t.Fatalf("non-overridden model affected, got %d", got)
	}
}
