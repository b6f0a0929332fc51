package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/ctxwin/internal/clamp"
	"github.com/basket/ctxwin/internal/history"
	ctxotel "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/persistence"
)

// AppendMessage persists a message entry, clamping each text block to the
// configured byte/line budget first.
func (c *Compactor) AppendMessage(ctx context.Context, sessionID string, msg history.Message) (*persistence.Entry, error) {
	ctx, span := ctxotel.StartSpan(ctx, c.tracer, "entry.append",
		ctxotel.AttrSessionID.String(sessionID),
		ctxotel.AttrEntryKind.String(string(persistence.KindMessage)))
	defer span.End()

	budget := c.clampBudget()
	var removed int
	for i := range msg.Blocks {
		if msg.Blocks[i].Text == "" {
			continue
		}
		before := len(msg.Blocks[i].Text)
		res := clamp.Clamp(msg.Blocks[i].Text, budget)
		msg.Blocks[i].Text = res.Text
		if res.Truncated {
			removed += before - len(res.Text)
		}
	}

	e, err := c.store.AppendEntry(ctx, sessionID, persistence.KindMessage, msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if c.metrics != nil {
		c.metrics.EntriesAppended.Add(ctx, 1)
		if removed > 0 {
			c.metrics.ClampedBytes.Add(ctx, int64(removed))
		}
	}
	return e, nil
}

// AppendToolResult caps a structured tool output and persists it as a
// tool-result message. The capped payload is serialized into the result
// block's text, so downstream consumers see valid JSON that fits the
// entry budget.
func (c *Compactor) AppendToolResult(ctx context.Context, sessionID, callID, toolName string, payload any) (*persistence.Entry, error) {
	budget := c.clampBudget()
	capped := clamp.CapPayload(payload, budget)
	data, err := json.Marshal(capped)
	if err != nil {
		return nil, fmt.Errorf("marshal capped payload: %w", err)
	}

	msg := history.Message{
		Role: history.RoleToolResult,
		Blocks: []history.Block{{
			Type:       history.BlockToolResult,
			Text:       string(data),
			ToolCallID: callID,
			ToolName:   toolName,
		}},
	}
	return c.AppendMessage(ctx, sessionID, msg)
}

func (c *Compactor) clampBudget() clamp.Budget {
	return clamp.Budget{
		MaxBytes: c.cfg.Clamp.MaxBytes,
		MaxLines: c.cfg.Clamp.MaxLines,
	}.WithDefaults()
}
