package fusion

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-fusion/internal/metrics"
)

func cooldownActive(rec AlertRecord, now time.Time, cooldown time.Duration) bool {
	return now.Sub(rec.FiredAt) <= cooldown
}

// activeCooldown returns the cooldown entry for key if it is still active.
// Expired entries are dropped on the way.
func (e *Engine) activeCooldown(key string, now time.Time, cooldown time.Duration) (AlertRecord, bool) {
	e.coolMu.Lock()
	defer e.coolMu.Unlock()

	rec, ok := e.cooldowns[key]
	if !ok {
		return AlertRecord{}, false
	}
	if cooldownActive(rec, now, cooldown) {
		return rec, true
	}
	delete(e.cooldowns, key)
	return AlertRecord{}, false
}

// commitCooldown records a fire. It must run inside key's critical section; finding
// an active entry here means a second fire slipped through.
func (e *Engine) commitCooldown(rec AlertRecord, now time.Time, cooldown time.Duration) error {
	e.coolMu.Lock()
	defer e.coolMu.Unlock()

	if prev, ok := e.cooldowns[rec.EntityKey]; ok && cooldownActive(prev, now, cooldown) {
		return fmt.Errorf("%w: duplicate fire for %s (previous at %s)", ErrInvariant, rec.EntityKey, prev.FiredAt.Format(time.RFC3339))
	}
	e.cooldowns[rec.EntityKey] = rec.Clone()
	metrics.ActiveCooldowns.Set(float64(len(e.cooldowns)))
	return nil
}

func (e *Engine) expireCooldowns(now time.Time, cooldown time.Duration) int {
	e.coolMu.Lock()
	defer e.coolMu.Unlock()

	expired := 0
	for key, rec := range e.cooldowns {
		if !cooldownActive(rec, now, cooldown) {
			delete(e.cooldowns, key)
			expired++
		}
	}
	metrics.ActiveCooldowns.Set(float64(len(e.cooldowns)))
	return expired
}

// ListActiveAlerts returns recently fired alerts that are still cooling down,
// most recent first. A non-positive limit falls back to the configured list limit.
func (e *Engine) ListActiveAlerts(limit int) []AlertRecord {
	s := e.Settings()
	if limit <= 0 {
		limit = s.ListLimit
	}
	now := e.now()
	e.expireCooldowns(now, s.Cooldown)

	e.coolMu.Lock()
	alerts := make([]AlertRecord, 0, len(e.cooldowns))
	for _, rec := range e.cooldowns {
		alerts = append(alerts, rec.Clone())
	}
	e.coolMu.Unlock()

	sortAlertsRecentFirst(alerts)
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}

// Annotate fills display fields resolved after the fire was committed. It only
// touches the entry created at firedAt and never alters score or timing.
func (e *Engine) Annotate(entityKey string, firedAt time.Time, displayName, chain string, entryPrice decimal.Decimal) {
	key := NormalizeKey(entityKey)
	e.coolMu.Lock()
	defer e.coolMu.Unlock()

	rec, ok := e.cooldowns[key]
	if !ok || !rec.FiredAt.Equal(firedAt) {
		return
	}
	if displayName != "" {
		rec.DisplayName = displayName
	}
	if chain != "" && rec.Chain == "" {
		rec.Chain = chain
	}
	if entryPrice.IsPositive() {
		rec.EntryPrice = entryPrice
	}
	e.cooldowns[key] = rec
}
