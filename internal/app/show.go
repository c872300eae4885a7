package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"signal-fusion/internal/storage"
)

// Show prints recent persisted alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	if err := writeAlertTable(os.Stdout, alerts, a.followUpFields()); err != nil {
		return err
	}

	total, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nshowing %d of %d persisted alerts\n", len(alerts), total)
	return nil
}

func (a *App) followUpFields() []string {
	fields := make([]string, 0, len(a.Config.Dispatch.FollowUps))
	for _, fu := range a.Config.Dispatch.FollowUps {
		fields = append(fields, fu.Field)
	}
	return fields
}

func writeAlertTable(out io.Writer, alerts []storage.AlertRow, fields []string) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	header := []string{"Fired (UTC)", "Entity", "Label", "Score", "Sources", "Entry"}
	for _, field := range fields {
		header = append(header, field+" %")
	}
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, alert := range alerts {
		row := []string{
			alert.FiredAt.UTC().Format(time.RFC3339),
			alert.EntityKey,
			sanitizeInline(alert.Label()),
			fmt.Sprintf("%.1f", alert.Score),
			strings.Join(alert.Sources, ","),
			formatPrice(alert.EntryPrice),
		}
		for _, field := range fields {
			if ret, ok := alert.Return(field); ok {
				row = append(row, formatDecimal(ret, 2))
			} else {
				row = append(row, "-")
			}
		}
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	return writer.Flush()
}

func formatPrice(d decimal.Decimal) string {
	if !d.IsPositive() {
		return "-"
	}
	return d.String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
