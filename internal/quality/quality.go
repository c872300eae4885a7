package quality

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Table is a concurrent source-quality lookup seeded from configuration.
type Table struct {
	mu      sync.RWMutex
	def     float64
	sources map[string]float64
}

// NewTable builds a table with a default for unknown sources.
func NewTable(def float64, seed map[string]float64) *Table {
	t := &Table{def: clamp(def)}
	t.Replace(seed)
	return t
}

// GetQuality returns the quality of source in [0, 1].
func (t *Table) GetQuality(source string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.sources[normalize(source)]; ok {
		return q
	}
	return t.def
}

// Replace swaps the whole table.
func (t *Table) Replace(values map[string]float64) {
	next := make(map[string]float64, len(values))
	for source, q := range values {
		next[normalize(source)] = clamp(q)
	}
	t.mu.Lock()
	t.sources = next
	t.mu.Unlock()
}

// Merge overlays values on the current table.
func (t *Table) Merge(values map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for source, q := range values {
		t.sources[normalize(source)] = clamp(q)
	}
}

// Snapshot copies the current table.
func (t *Table) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.sources))
	for k, v := range t.sources {
		out[k] = v
	}
	return out
}

// HitRateSource reports per-source hit rates from persisted outcomes.
type HitRateSource interface {
	SourceHitRates(ctx context.Context, field string, since time.Time, minSamples int) (map[string]float64, error)
}

// RefresherOptions tune the store-backed refresh.
type RefresherOptions struct {
	Field      string
	Lookback   time.Duration
	MinSamples int
}

// Refresher recomputes source quality from realised alert returns.
type Refresher struct {
	table  *Table
	stats  HitRateSource
	opts   RefresherOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewRefresher wires a table to a hit-rate source.
func NewRefresher(table *Table, stats HitRateSource, opts RefresherOptions, logger zerolog.Logger) *Refresher {
	if opts.Field == "" {
		opts.Field = "price_24h"
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	return &Refresher{
		table:  table,
		stats:  stats,
		opts:   opts,
		logger: logger.With().Str("component", "quality").Logger(),
		now:    time.Now,
	}
}

// Refresh merges fresh hit rates; sources below the sample floor keep their value.
func (r *Refresher) Refresh(ctx context.Context) error {
	rates, err := r.stats.SourceHitRates(ctx, r.opts.Field, r.now().Add(-r.opts.Lookback), r.opts.MinSamples)
	if err != nil {
		return err
	}
	if len(rates) == 0 {
		r.logger.Debug().Msg("no sources with enough samples")
		return nil
	}
	r.table.Merge(rates)
	r.logger.Info().Int("sources", len(rates)).Str("field", r.opts.Field).Msg("source quality refreshed")
	return nil
}

func clamp(q float64) float64 {
	switch {
	case math.IsNaN(q) || q < 0:
		return 0
	case q > 1:
		return 1
	default:
		return q
	}
}

func normalize(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
