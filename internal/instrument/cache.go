// Package instrument caches per-symbol precision and sizing metadata and
// provides the rounding helpers every order path goes through.
package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
)

// Cache lazily loads instrument filters from the gateway and keeps them until
// explicitly invalidated.
type Cache struct {
	gw      exchange.Gateway
	mu      sync.RWMutex
	filters map[string]exchange.Filters
}

// NewCache creates a new instrument Cache.
func NewCache(gw exchange.Gateway) *Cache {
	return &Cache{
		gw:      gw,
		filters: make(map[string]exchange.Filters),
	}
}

// Get returns the filters for symbol, fetching them on first use.
func (c *Cache) Get(ctx context.Context, symbol string) (exchange.Filters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	f, err := c.gw.GetInstrumentFilters(ctx, symbol)
	if err != nil {
		return exchange.Filters{}, fmt.Errorf("instrument: fetching filters for %s: %w", symbol, err)
	}
	if f.QtyStep <= 0 || f.PriceStep <= 0 {
		return exchange.Filters{}, fmt.Errorf("instrument: venue returned degenerate filters for %s: %+v", symbol, f)
	}

	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// Invalidate drops the cached filters for symbol so the next Get refreshes them.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.filters, symbol)
	c.mu.Unlock()
}

// FloorQty floors qty to the instrument's quantity step.
func FloorQty(qty float64, f exchange.Filters) float64 {
	step := decimal.NewFromFloat(f.QtyStep)
	if step.IsZero() {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	floored := d.Div(step).Floor().Mul(step)
	out, _ := floored.Round(f.QtyPrecision).Float64()
	return out
}

// RoundPrice rounds price to the instrument's tick size, toward the nearest tick.
func RoundPrice(price float64, f exchange.Filters) float64 {
	step := decimal.NewFromFloat(f.PriceStep)
	if step.IsZero() {
		return price
	}
	d := decimal.NewFromFloat(price)
	rounded := d.Div(step).Round(0).Mul(step)
	out, _ := rounded.Round(f.PricePrecision).Float64()
	return out
}

// MeetsMinNotional reports whether qty at price clears the venue's minimum
// order value.
func MeetsMinNotional(qty, price float64, f exchange.Filters) bool {
	if f.MinNotional <= 0 {
		return true
	}
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	return notional.GreaterThanOrEqual(decimal.NewFromFloat(f.MinNotional))
}
