package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"signal-fusion/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders persisted alerts as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts, err := store.ListAlertsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	fields := a.followUpFields()
	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled, fields); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled, fields); err != nil {
			return err
		}
	}

	return nil
}

func downsampleAlerts(alerts []storage.AlertRow, max int) []storage.AlertRow {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[:1]
	}

	result := make([]storage.AlertRow, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRow, fields []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"alert_id", "fired_at", "entity_key", "label", "policy", "score", "distinct_sources", "sources", "entry_price"}
	for _, field := range fields {
		header = append(header, field, field+"_return_pct")
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		entry := ""
		if alert.EntryPrice.IsPositive() {
			entry = alert.EntryPrice.String()
		}
		record := []string{
			strconv.FormatInt(alert.ID, 10),
			alert.FiredAt.UTC().Format(time.RFC3339),
			alert.EntityKey,
			alert.Label(),
			alert.Policy,
			strconv.FormatFloat(alert.Score, 'f', 2, 64),
			strconv.Itoa(alert.DistinctSources),
			strings.Join(alert.Sources, ";"),
			entry,
		}
		for _, field := range fields {
			fu, ok := alert.FollowUps[field]
			if !ok {
				record = append(record, "", "")
				continue
			}
			record = append(record, fu.Price.String(), fu.ReturnPct.StringFixed(4))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAlertsPNG(path string, alerts []storage.AlertRow, fields []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(alerts))
	scores := make([]float64, len(alerts))
	for i, alert := range alerts {
		x[i] = alert.FiredAt
		scores[i] = alert.Score
	}

	if len(x) < 2 {
		return errors.New("at least two alerts are needed to render a chart")
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Score",
			XValues: x,
			YValues: scores,
		},
	}
	for _, field := range fields {
		var (
			fx []time.Time
			fy []float64
		)
		for _, alert := range alerts {
			if ret, ok := alert.Return(field); ok {
				fx = append(fx, alert.FiredAt)
				fy = append(fy, ret.InexactFloat64())
			}
		}
		if len(fx) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{
			Name:    field + " return %",
			XValues: fx,
			YValues: fy,
			YAxis:   chart.YAxisSecondary,
		})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Composite score",
			ValueFormatter: valueFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Return (%)",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
