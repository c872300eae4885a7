package dispatch

import (
	"fmt"
	"html"
	"strings"
	"time"

	"signal-fusion/internal/fusion"
)

// RenderMessage formats an alert as Telegram HTML.
func RenderMessage(rec fusion.AlertRecord) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("🎯 <b>Convergence: %s</b>\n", html.EscapeString(rec.Label())))
	sb.WriteString(fmt.Sprintf("<code>%s</code>\n", html.EscapeString(rec.EntityKey)))
	if rec.Chain != "" {
		sb.WriteString(fmt.Sprintf("⛓ Chain: %s\n", html.EscapeString(rec.Chain)))
	}
	sb.WriteString(fmt.Sprintf("📊 Score: %.0f/100 %s\n", rec.Score, scoreBar(rec.Score)))
	sb.WriteString(fmt.Sprintf("🧩 Sources: %d (%s)\n", rec.DistinctSources, html.EscapeString(rec.Policy)))
	if rec.EntryPrice.IsPositive() {
		sb.WriteString(fmt.Sprintf("💵 Price: $%s\n", rec.EntryPrice.String()))
	}

	sb.WriteString("\n📋 <b>Signals:</b>\n")
	for _, ev := range rec.Contributions() {
		line := fmt.Sprintf("  • %s: %.1f", html.EscapeString(ev.Source), ev.Weight)
		if age := rec.FiredAt.Sub(ev.Timestamp); age >= time.Minute {
			line += fmt.Sprintf(" (%s ago)", age.Truncate(time.Minute))
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString(fmt.Sprintf("\n🕐 %s", rec.FiredAt.UTC().Format("2006-01-02 15:04:05 MST")))
	return sb.String()
}

func scoreBar(score float64) string {
	filled := int(score / 10)
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}
