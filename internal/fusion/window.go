package fusion

import (
	"sort"
	"sync"
	"time"

	"signal-fusion/internal/metrics"
)

// entity is the per-key window. mu serialises the append/score/fire cycle.
type entity struct {
	mu      sync.Mutex
	key     string
	events  []SignalEvent
	removed bool
}

// insert keeps events ordered by timestamp; late arrivals are placed, not appended.
func (w *entity) insert(ev SignalEvent) {
	n := len(w.events)
	if n == 0 || !ev.Timestamp.Before(w.events[n-1].Timestamp) {
		w.events = append(w.events, ev)
		return
	}
	idx := sort.Search(n, func(i int) bool { return w.events[i].Timestamp.After(ev.Timestamp) })
	w.events = append(w.events, SignalEvent{})
	copy(w.events[idx+1:], w.events[idx:])
	w.events[idx] = ev
}

// prune drops events strictly older than cutoff and reports how many were removed.
func (w *entity) prune(cutoff time.Time) int {
	idx := sort.Search(len(w.events), func(i int) bool { return !w.events[i].Timestamp.Before(cutoff) })
	if idx == 0 {
		return 0
	}
	remaining := make([]SignalEvent, len(w.events)-idx)
	copy(remaining, w.events[idx:])
	w.events = remaining
	return idx
}

func (w *entity) snapshot() []SignalEvent {
	out := make([]SignalEvent, len(w.events))
	for i, ev := range w.events {
		out[i] = ev.Clone()
	}
	return out
}

// lockEntity returns the live entity for key with its mutex held, creating it if needed.
// An entity evicted between lookup and lock is retried.
func (e *Engine) lockEntity(key string, create bool) *entity {
	for {
		e.mu.Lock()
		ent, ok := e.entities[key]
		if !ok {
			if !create {
				e.mu.Unlock()
				return nil
			}
			ent = &entity{key: key}
			e.entities[key] = ent
		}
		e.mu.Unlock()

		ent.mu.Lock()
		if !ent.removed {
			return ent
		}
		ent.mu.Unlock()
	}
}

// evictLocked removes an empty entity. The caller holds ent.mu.
func (e *Engine) evictLocked(ent *entity) {
	ent.removed = true
	e.mu.Lock()
	if cur, ok := e.entities[ent.key]; ok && cur == ent {
		delete(e.entities, ent.key)
	}
	e.mu.Unlock()
}

// Prune removes expired events for key and evicts the entity when nothing is left.
// It returns the number of events still in the window.
func (e *Engine) Prune(entityKey string) int {
	key := NormalizeKey(entityKey)
	if key == "" {
		return 0
	}
	window := e.Settings().Window

	ent := e.lockEntity(key, false)
	if ent == nil {
		return 0
	}
	defer ent.mu.Unlock()

	ent.prune(e.now().Add(-window))
	if len(ent.events) == 0 {
		e.evictLocked(ent)
		return 0
	}
	return len(ent.events)
}

// Snapshot returns a pruned copy of the entity's window.
func (e *Engine) Snapshot(entityKey string) []SignalEvent {
	key := NormalizeKey(entityKey)
	if key == "" {
		return nil
	}
	window := e.Settings().Window

	ent := e.lockEntity(key, false)
	if ent == nil {
		return nil
	}
	defer ent.mu.Unlock()

	ent.prune(e.now().Add(-window))
	if len(ent.events) == 0 {
		e.evictLocked(ent)
		return nil
	}
	return ent.snapshot()
}

// EntityCount reports how many entities currently hold a window.
func (e *Engine) EntityCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entities)
}

// Sweep prunes every window and drops expired cooldown entries. It bounds memory
// for entities that never receive another signal.
func (e *Engine) Sweep() SweepResult {
	settings := e.Settings()
	now := e.now()
	cutoff := now.Add(-settings.Window)

	e.mu.Lock()
	keys := make([]string, 0, len(e.entities))
	for key := range e.entities {
		keys = append(keys, key)
	}
	e.mu.Unlock()

	var res SweepResult
	for _, key := range keys {
		ent := e.lockEntity(key, false)
		if ent == nil {
			continue
		}
		res.EventsPruned += ent.prune(cutoff)
		if len(ent.events) == 0 {
			e.evictLocked(ent)
			res.EntitiesEvicted++
		}
		ent.mu.Unlock()
	}

	res.CooldownsExpired = e.expireCooldowns(now, settings.Cooldown)
	res.Entities = e.EntityCount()
	metrics.ActiveEntities.Set(float64(res.Entities))
	return res
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	EventsPruned     int
	EntitiesEvicted  int
	CooldownsExpired int
	Entities         int
}
