package pricing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Lookup resolves the current price and display name of an entity.
type Lookup interface {
	GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error)
}

// NameResolver resolves only a display name.
type NameResolver interface {
	ResolveName(ctx context.Context, key string) (string, error)
}

// WithNames fills missing display names from a NameResolver. A failed price
// lookup still yields the resolved name with a zero price.
type WithNames struct {
	prices Lookup
	names  NameResolver
	logger zerolog.Logger
}

// NewWithNames combines a price source and a name fallback.
func NewWithNames(prices Lookup, names NameResolver, logger zerolog.Logger) *WithNames {
	return &WithNames{prices: prices, names: names, logger: logger.With().Str("component", "price_lookup").Logger()}
}

// GetPrice implements Lookup.
func (w *WithNames) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	price, name, err := w.prices.GetPrice(ctx, key)
	if name != "" || w.names == nil {
		return price, name, err
	}

	resolved, nameErr := w.names.ResolveName(ctx, key)
	if nameErr != nil {
		w.logger.Debug().Err(nameErr).Str("key", key).Msg("name fallback failed")
		return price, name, err
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("price unavailable; using on-chain name only")
		return decimal.Zero, resolved, nil
	}
	return price, resolved, nil
}

type cacheEntry struct {
	price   decimal.Decimal
	name    string
	expires time.Time
}

// Cache memoises successful lookups for a short TTL so a burst of fires and
// follow-ups for the same entity share one upstream call.
type Cache struct {
	next       Lookup
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next. A non-positive ttl disables caching.
func NewCache(next Lookup, ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Cache{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
}

// GetPrice implements Lookup.
func (c *Cache) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	if c.ttl <= 0 {
		return c.next.GetPrice(ctx, key)
	}
	cacheKey := strings.ToLower(strings.TrimSpace(key))

	c.mu.Lock()
	if entry, ok := c.entries[cacheKey]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.price, entry.name, nil
	}
	c.mu.Unlock()

	price, name, err := c.next.GetPrice(ctx, key)
	if err != nil {
		return price, name, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		for k, entry := range c.entries {
			if !now.Before(entry.expires) {
				delete(c.entries, k)
			}
		}
	}
	if len(c.entries) < c.maxEntries {
		c.entries[cacheKey] = cacheEntry{price: price, name: name, expires: now.Add(c.ttl)}
	}
	return price, name, nil
}

var (
	_ Lookup = (*WithNames)(nil)
	_ Lookup = (*Cache)(nil)
)
