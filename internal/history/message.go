// Package history models conversation history and provides the structural,
// turn-aware pruning used to keep it inside a token budget.
package history

import (
	"strings"

	"github.com/basket/ctxwin/internal/tokenutil"
)

// Role tags a message's position in the conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "toolResult"
	// RoleSummary marks a synthetic message produced by compaction.
	RoleSummary Role = "summary"
)

// BlockType identifies a content block within a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolCall   BlockType = "toolCall"
	BlockToolResult BlockType = "toolResult"
)

// Block is one ordered content block. Tool-call blocks carry the call id
// and tool name; tool-result blocks reference the call they answer.
type Block struct {
	Type       BlockType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
}

// Message is one conversation entry: a role, ordered content blocks and a
// sequence number assigned by the log store.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
	Seq    int64   `json:"seq"`
}

// Text returns the concatenated text of all blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// IsToolResult reports whether the message carries tool output. A kept
// tool result must always have its matching tool call kept as well.
func (m Message) IsToolResult() bool {
	return m.Role == RoleToolResult
}

// ToolCallIDs returns the ids of tool calls issued by this message.
func (m Message) ToolCallIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == BlockToolCall && b.ToolCallID != "" {
			ids = append(ids, b.ToolCallID)
		}
	}
	return ids
}

// ResultCallIDs returns the ids of tool calls this message answers.
func (m Message) ResultCallIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult && b.ToolCallID != "" {
			ids = append(ids, b.ToolCallID)
		}
	}
	return ids
}

// TurnBoundaryRoles is the allowlist of roles that start a new
// conversational exchange. Pruning prefers cutting at these.
var TurnBoundaryRoles = map[Role]bool{
	RoleUser: true,
}

// IsTurnBoundary reports whether the message begins a new exchange.
func (m Message) IsTurnBoundary() bool {
	return TurnBoundaryRoles[m.Role]
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// SummaryMessage is the synthetic message that replaces a compacted
// prefix, with provenance for auditability.
type SummaryMessage struct {
	Message
	SourceTokens  int   `json:"source_tokens"`
	ReplacedFrom  int64 `json:"replaced_from"`
	ReplacedTo    int64 `json:"replaced_to"`
	ReplacedCount int   `json:"replaced_count"`
}

// NewSummaryMessage wraps condensed text with provenance over the replaced
// sequence range.
func NewSummaryMessage(text string, sourceTokens int, from, to int64, count int) SummaryMessage {
	return SummaryMessage{
		Message:       TextMessage(RoleSummary, text),
		SourceTokens:  sourceTokens,
		ReplacedFrom:  from,
		ReplacedTo:    to,
		ReplacedCount: count,
	}
}

// Estimator maps a message to a heuristic token count. Implementations are
// approximate; budget math tolerates bias via a safety margin.
type Estimator func(Message) int

// DefaultEstimator estimates from the message text, with a fixed per-call
// overhead for tool-call blocks (ids, schemas, arguments).
func DefaultEstimator(m Message) int {
	n := tokenutil.EstimateTokens(m.Text())
	for _, b := range m.Blocks {
		if b.Type == BlockToolCall {
			n += 100
		}
	}
	return n
}

// EstimateTotal sums the estimator over all messages.
func EstimateTotal(msgs []Message, est Estimator) int {
	total := 0
	for _, m := range msgs {
		total += est(m)
	}
	return total
}
