// Package clamp bounds arbitrary text and tool payloads to a fixed
// byte-and-line ceiling. The limits are a model-independent safety net:
// they apply uniformly regardless of how large the active model's context
// window is.
package clamp

import (
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// DefaultMaxBytes is the hard ceiling on UTF-8 bytes for a single
	// clamped value (50KB).
	DefaultMaxBytes = 50_000

	// DefaultMaxLines is the hard ceiling on line count.
	DefaultMaxLines = 2_000
)

// Marker is appended to clamped text so the model (and the user) can tell
// the content is a partial view rather than the full output.
const Marker = "\n[content truncated: exceeded the maximum size for a single entry. " +
	"The text above is a partial view; request smaller sections if more is needed.]"

// markerLines is the number of line breaks Marker itself contributes.
var markerLines = strings.Count(Marker, "\n")

// Budget is a fixed byte/line ceiling. Zero or negative fields fall back
// to the package defaults.
type Budget struct {
	MaxBytes int
	MaxLines int
}

func (b Budget) WithDefaults() Budget {
	if b.MaxBytes <= 0 {
		b.MaxBytes = DefaultMaxBytes
	}
	if b.MaxLines <= 0 {
		b.MaxLines = DefaultMaxLines
	}
	return b
}

// Result is the outcome of a clamp operation.
type Result struct {
	Text      string
	Truncated bool
}

// Clamp truncates text to at most budget.MaxBytes UTF-8 bytes and
// budget.MaxLines lines, whichever binds first. Truncation never splits a
// UTF-16 surrogate pair, so the output round-trips cleanly through
// providers that count in UTF-16 code units. Clamping already-clamped
// text is a no-op.
func Clamp(text string, budget Budget) Result {
	budget = budget.WithDefaults()
	if len(text) <= budget.MaxBytes && lineCount(text) <= budget.MaxLines {
		return Result{Text: text, Truncated: false}
	}

	// Reserve room for the marker before cutting content.
	byteBudget := budget.MaxBytes - len(Marker)
	lineBudget := budget.MaxLines - markerLines
	if lineBudget < 1 {
		lineBudget = 1
	}

	kept := capLines(text, lineBudget)
	if byteBudget > 0 && len(kept) > byteBudget {
		kept = capBytesUTF16(kept, byteBudget)
	} else if byteBudget <= 0 {
		kept = ""
	}

	out := kept + Marker
	if len(out) > budget.MaxBytes {
		// Degenerate budgets smaller than the marker itself. Cut on a
		// rune boundary so the output is still valid UTF-8.
		out = cutRuneBoundary(out, budget.MaxBytes)
	}
	return Result{Text: out, Truncated: true}
}

// lineCount reports the number of lines in s. A string with zero line
// breaks counts as one line.
func lineCount(s string) int {
	return strings.Count(s, "\n") + 1
}

// capLines keeps at most maxLines lines of s, dropping the trailing
// newline of the last kept line.
func capLines(s string, maxLines int) string {
	if lineCount(s) <= maxLines {
		return s
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			n++
			if n == maxLines {
				return s[:i]
			}
		}
	}
	return s
}

// capBytesUTF16 returns the longest prefix of s that fits maxBytes UTF-8
// bytes, measured and cut in UTF-16 code units so a surrogate pair is
// never split. It binary-searches over cumulative byte lengths.
func capBytesUTF16(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	units := utf16.Encode([]rune(s))

	// byteLen[i] is the UTF-8 byte length of units[:i].
	byteLen := make([]int, len(units)+1)
	for i := 0; i < len(units); {
		u := units[i]
		if utf16.IsSurrogate(rune(u)) && i+1 < len(units) {
			r := utf16.DecodeRune(rune(u), rune(units[i+1]))
			byteLen[i+1] = byteLen[i] // mid-pair offsets carry no extra bytes
			byteLen[i+2] = byteLen[i] + utf8.RuneLen(r)
			i += 2
			continue
		}
		byteLen[i+1] = byteLen[i] + utf8.RuneLen(rune(u))
		i++
	}

	// Largest UTF-16 offset whose prefix fits the byte budget.
	cut := sort.Search(len(units)+1, func(i int) bool {
		return byteLen[i] > maxBytes
	}) - 1
	if cut < 0 {
		cut = 0
	}
	// Snap backwards off a high surrogate so the pair stays whole.
	if cut > 0 && isHighSurrogate(units[cut-1]) {
		cut--
	}
	return string(utf16.Decode(units[:cut]))
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xD800 && u < 0xDC00
}

// cutRuneBoundary truncates s to at most maxBytes, backing off to the
// nearest rune boundary.
func cutRuneBoundary(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
