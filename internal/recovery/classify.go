package recovery

import "strings"

// overflowSignatures are substrings providers use when rejecting a request
// for exceeding the model's context window. Matching is deliberately
// narrow: a generic failure must not trigger a log rewrite.
var overflowSignatures = []string{
	"context length",
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"input is too long",
	"too many tokens",
	"request exceeds the maximum size",
	"request_too_large",
}

// IsOverflowError reports whether a provider error message describes an
// oversized-request rejection.
func IsOverflowError(msg string) bool {
	m := strings.ToLower(msg)
	for _, sig := range overflowSignatures {
		if strings.Contains(m, sig) {
			return true
		}
	}
	return false
}
