package dispatch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"signal-fusion/internal/fusion"
)

// Message formats understood by notify sinks.
const (
	FormatHTML     = "HTML"
	FormatMarkdown = "MarkdownV2"
	FormatPlain    = ""
)

// NotifySink delivers a rendered alert. Delivery is best effort.
type NotifySink interface {
	Send(ctx context.Context, text, format string) error
}

// AlertStore durably records fired alerts and their follow-up prices.
type AlertStore interface {
	Save(ctx context.Context, rec fusion.AlertRecord) (id int64, initialPrice decimal.Decimal, err error)
	UpdateFollowUp(ctx context.Context, id int64, field string, price, returnPct decimal.Decimal) error
}

// PriceLookup resolves the current price and display name of an entity.
type PriceLookup interface {
	GetPrice(ctx context.Context, entityKey string) (price decimal.Decimal, displayName string, err error)
}

// Annotator receives display fields resolved after a fire was committed.
type Annotator interface {
	Annotate(entityKey string, firedAt time.Time, displayName, chain string, entryPrice decimal.Decimal)
}

// ReturnPct computes (later/initial - 1) * 100.
func ReturnPct(initial, later decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	return later.Div(initial).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}
