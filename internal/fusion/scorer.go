package fusion

import (
	"math"
	"sort"
)

// MaxScore is the hard ceiling of the composite score.
const MaxScore = 100.0

// SourceQualityLookup supplies per-source reliability in [0,1].
type SourceQualityLookup interface {
	GetQuality(source string) float64
}

// Policy converts the set of agreeing sources into an additive diversity bonus.
// Implementations must be pure and safe for concurrent use.
type Policy interface {
	Name() string
	Bonus(best []SignalEvent) float64
}

// FlatBonus adds a fixed amount per independent source beyond the first.
type FlatBonus struct {
	PerSource float64
}

// Name implements Policy.
func (FlatBonus) Name() string { return "flat" }

// Bonus implements Policy.
func (p FlatBonus) Bonus(best []SignalEvent) float64 {
	if len(best) < 2 {
		return 0
	}
	return p.PerSource * float64(len(best)-1)
}

// QualityWeighted scales the per-source bonus by the mean historical
// reliability of the contributing sources.
type QualityWeighted struct {
	Lookup    SourceQualityLookup
	PerSource float64
}

// Name implements Policy.
func (QualityWeighted) Name() string { return "quality_weighted" }

// Bonus implements Policy.
func (p QualityWeighted) Bonus(best []SignalEvent) float64 {
	if len(best) < 2 || p.Lookup == nil {
		return 0
	}
	var total float64
	for _, ev := range best {
		total += clamp01(p.Lookup.GetQuality(ev.Source))
	}
	mean := total / float64(len(best))
	return p.PerSource * float64(len(best)-1) * mean
}

// Assessment is the scorer's verdict on a window snapshot.
type Assessment struct {
	Score           float64
	Raw             float64
	DistinctSources int
	Best            map[string]SignalEvent
}

// BestPerSource keeps the highest-weight event of each source, earliest on ties.
func BestPerSource(events []SignalEvent) map[string]SignalEvent {
	best := make(map[string]SignalEvent)
	for _, ev := range events {
		cur, ok := best[ev.Source]
		switch {
		case !ok:
			best[ev.Source] = ev
		case ev.Weight > cur.Weight:
			best[ev.Source] = ev
		case ev.Weight == cur.Weight && ev.Timestamp.Before(cur.Timestamp):
			best[ev.Source] = ev
		}
	}
	return best
}

// Score computes the bounded composite score for a snapshot.
func Score(events []SignalEvent, minSources int, policy Policy, ceiling float64) Assessment {
	if ceiling <= 0 || ceiling > MaxScore {
		ceiling = MaxScore
	}
	best := BestPerSource(events)
	a := Assessment{DistinctSources: len(best), Best: best}
	if len(best) < minSources || len(best) == 0 {
		return a
	}

	ordered := orderedBest(best)
	var raw float64
	for _, ev := range ordered {
		raw += ev.Weight
	}
	if policy != nil {
		if bonus := policy.Bonus(ordered); bonus > 0 && !math.IsNaN(bonus) {
			raw += bonus
		}
	}

	a.Raw = raw
	a.Score = math.Min(raw, ceiling)
	if a.Score < 0 || math.IsNaN(a.Score) {
		a.Score = 0
	}
	return a
}

// orderedBest sorts by weight desc then source so bonus policies see a stable order.
func orderedBest(best map[string]SignalEvent) []SignalEvent {
	out := make([]SignalEvent, 0, len(best))
	for _, ev := range best {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
