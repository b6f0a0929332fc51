package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/ctxwin/internal/history"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

const barWidth = 30

// renderBudget is the styled terminal variant of ContextBudget.Format.
func renderBudget(b *history.ContextBudget, sessionID, model string) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("Context budget  %s", sessionID)))
	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render(fmt.Sprintf("%s, %d tokens available", model, b.Available)))
	sb.WriteString("\n\n")

	sb.WriteString(usageBar(b))
	sb.WriteString("\n\n")

	if b.SummaryTokens > 0 {
		sb.WriteString(itemStyle.Render(fmt.Sprintf("Summary    %7d tokens", b.SummaryTokens)))
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  (%d compacted messages)", b.PrunedCount)))
		sb.WriteString("\n")
	}
	sb.WriteString(itemStyle.Render(fmt.Sprintf("Messages   %7d tokens", b.MessageTokens)))
	sb.WriteString(dimStyle.Render(fmt.Sprintf("  (%d live)", b.MessageCount)))
	sb.WriteString("\n")
	if b.OrphanCount > 0 {
		sb.WriteString(itemStyle.Render(fmt.Sprintf("Orphans    %7d repaired", b.OrphanCount)))
		sb.WriteString("\n")
	}

	sb.WriteString(itemStyle.Render(fmt.Sprintf("Used       %7d / %d", b.TotalUsed, b.Available)))
	sb.WriteString("\n")

	remaining := fmt.Sprintf("Remaining  %7d tokens (%.0f%% used)", b.Remaining, b.Percentage())
	if b.IsLow() {
		sb.WriteString(warnStyle.Render(remaining + "  LOW"))
	} else {
		sb.WriteString(okStyle.Render(remaining))
	}
	return sb.String()
}

func usageBar(b *history.ContextBudget) string {
	used := 0
	if b.Available > 0 {
		used = b.TotalUsed * barWidth / b.Available
	}
	if used > barWidth {
		used = barWidth
	}
	if used < 0 {
		used = 0
	}
	bar := strings.Repeat("█", used) + strings.Repeat("░", barWidth-used)
	if b.IsLow() {
		return warnStyle.Render(bar)
	}
	return okStyle.Render(bar)
}
