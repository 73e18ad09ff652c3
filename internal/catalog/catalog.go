// Package catalog caches per-venue symbol rules and last prices so hot
// paths never block on market-data calls.
package catalog

import (
	"context"
	"log"
	"sync"
	"time"

	"tradegate/pkg/exchanges/common"
)

// Source is the slice of a gateway the catalog needs.
type Source interface {
	Name() common.Exchange
	Market() common.MarketType
	LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error)
}

// Catalog holds symbol filters per (exchange, market) and the shared
// price cache.
type Catalog struct {
	mu      sync.RWMutex
	filters map[string]map[string]common.SymbolFilter

	Prices *PriceCache
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		filters: make(map[string]map[string]common.SymbolFilter),
		Prices:  NewPriceCache(),
	}
}

func venueKey(ex common.Exchange, market common.MarketType) string {
	return string(ex) + ":" + string(market)
}

// SetFilters replaces one venue's symbol rules.
func (c *Catalog) SetFilters(ex common.Exchange, market common.MarketType, filters map[string]common.SymbolFilter) {
	c.mu.Lock()
	c.filters[venueKey(ex, market)] = filters
	c.mu.Unlock()
}

// Filter returns the rules for one native symbol.
func (c *Catalog) Filter(ex common.Exchange, market common.MarketType, nativeSymbol string) (common.SymbolFilter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	venue, ok := c.filters[venueKey(ex, market)]
	if !ok {
		return common.SymbolFilter{}, false
	}
	f, ok := venue[nativeSymbol]
	return f, ok
}

// Refresh reloads one venue's rules from its source.
func (c *Catalog) Refresh(ctx context.Context, src Source) error {
	filters, err := src.LoadMarkets(ctx)
	if err != nil {
		return err
	}
	c.SetFilters(src.Name(), src.Market(), filters)
	return nil
}

// RunRefresher refreshes every available source once at startup, then
// once per hour at the configured minute. The odd minute keeps the
// reload away from exchanges' top-of-hour load spikes.
func (c *Catalog) RunRefresher(ctx context.Context, minute int, sources func() []Source) {
	refresh := func() {
		for _, src := range sources() {
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := c.Refresh(rctx, src); err != nil {
				log.Printf("catalog refresh %s/%s: %v", src.Name(), src.Market(), err)
			}
			cancel()
		}
	}
	refresh()

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		select {
		case <-time.After(time.Until(next)):
			refresh()
		case <-ctx.Done():
			return
		}
	}
}
