package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-fusion/internal/fusion"
)

// AlertRow is a persisted fire with its follow-up measurements.
type AlertRow struct {
	ID              int64
	EntityKey       string
	FiredAt         time.Time
	Score           float64
	DistinctSources int
	Sources         []string
	Policy          string
	DisplayName     string
	Symbol          string
	Chain           string
	EntryPrice      decimal.Decimal
	Contributions   []fusion.SignalEvent
	FollowUps       map[string]FollowUpRow
	CreatedAt       time.Time
}

// FollowUpRow is one deferred price re-read.
type FollowUpRow struct {
	Field      string
	Price      decimal.Decimal
	ReturnPct  decimal.Decimal
	RecordedAt time.Time
}

// Label mirrors fusion.AlertRecord.Label for persisted rows.
func (r AlertRow) Label() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.Symbol != "":
		return r.Symbol
	default:
		return r.EntityKey
	}
}

// Return reports the recorded return for a follow-up field.
func (r AlertRow) Return(field string) (decimal.Decimal, bool) {
	fu, ok := r.FollowUps[field]
	if !ok {
		return decimal.Decimal{}, false
	}
	return fu.ReturnPct, true
}
