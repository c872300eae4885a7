package fusion

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// State is the per-entity position in the alert lifecycle.
type State int

const (
	StateIdle State = iota
	StateScoring
	StateFired
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScoring:
		return "scoring"
	case StateFired:
		return "fired"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// AlertRecord is one fired convergence event.
type AlertRecord struct {
	EntityKey       string                 `json:"entity_key"`
	Score           float64                `json:"score"`
	DistinctSources int                    `json:"distinct_sources"`
	BestPerSource   map[string]SignalEvent `json:"best_per_source"`
	FiredAt         time.Time              `json:"fired_at"`
	Policy          string                 `json:"policy"`
	DisplayName     string                 `json:"display_name,omitempty"`
	Symbol          string                 `json:"symbol,omitempty"`
	Chain           string                 `json:"chain,omitempty"`
	EntryPrice      decimal.Decimal        `json:"entry_price"`
}

// Clone returns a deep copy of the record.
func (r AlertRecord) Clone() AlertRecord {
	if r.BestPerSource != nil {
		best := make(map[string]SignalEvent, len(r.BestPerSource))
		for src, ev := range r.BestPerSource {
			best[src] = ev.Clone()
		}
		r.BestPerSource = best
	}
	return r
}

// Sources lists contributing sources ordered by weight desc.
func (r AlertRecord) Sources() []string {
	events := r.Contributions()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Source
	}
	return out
}

// Contributions returns the best-per-source events ordered by weight desc.
func (r AlertRecord) Contributions() []SignalEvent {
	return orderedBest(r.BestPerSource)
}

// Label is the most human-friendly identifier available for the entity.
func (r AlertRecord) Label() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.Symbol != "":
		return r.Symbol
	default:
		return r.EntityKey
	}
}

func newAlertRecord(key string, a Assessment, policy string, firedAt time.Time) AlertRecord {
	rec := AlertRecord{
		EntityKey:       key,
		Score:           a.Score,
		DistinctSources: a.DistinctSources,
		FiredAt:         firedAt,
		Policy:          policy,
		BestPerSource:   make(map[string]SignalEvent, len(a.Best)),
	}
	for src, ev := range a.Best {
		rec.BestPerSource[src] = ev.Clone()
	}

	// display fields come from the strongest event that carries them
	for _, ev := range orderedBest(a.Best) {
		if rec.Symbol == "" {
			rec.Symbol = ev.Meta(MetaSymbol)
		}
		if rec.Chain == "" {
			rec.Chain = ev.Meta(MetaChain)
		}
		if rec.DisplayName == "" {
			rec.DisplayName = ev.Meta(MetaName)
		}
	}
	return rec
}

func sortAlertsRecentFirst(alerts []AlertRecord) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].FiredAt.Equal(alerts[j].FiredAt) {
			return alerts[i].FiredAt.After(alerts[j].FiredAt)
		}
		return alerts[i].EntityKey < alerts[j].EntityKey
	})
}
