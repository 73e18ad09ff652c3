package reconcile

import (
	"context"
	"log"
	"time"

	"tradegate/internal/catalog"
	"tradegate/pkg/db"
)

// RunPriceRefresher keeps the price cache warm for every symbol with
// local activity.
func (m *Manager) RunPriceRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refreshPrices(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) refreshPrices(ctx context.Context) {
	keys, err := m.DB.TouchedAccountSymbols(ctx)
	if err != nil {
		log.Printf("prices: touched symbols: %v", err)
		return
	}

	seen := make(map[string]bool)
	for _, k := range keys {
		gw, acct, err := m.GatewayForAccount(ctx, k.AccountID)
		if err != nil {
			continue
		}
		cacheKey := catalog.PriceKey(acct.Exchange, acct.MarketType, gw.NativeSymbol(k.Symbol))
		if seen[cacheKey] {
			continue
		}
		seen[cacheKey] = true

		t, err := gw.FetchTicker(ctx, k.Symbol)
		if err != nil {
			log.Printf("prices: ticker %s: %v", k.Symbol, err)
			continue
		}
		m.Catalog.Prices.Set(cacheKey, t.Last)
	}
}

// RunPnLRefresher re-marks open positions from the price cache,
// falling back to a live ticker when the cache is cold.
func (m *Manager) RunPnLRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refreshPnL(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) refreshPnL(ctx context.Context) {
	positions, err := m.DB.ListOpenPositions(ctx)
	if err != nil {
		log.Printf("pnl: list positions: %v", err)
		return
	}

	for _, p := range positions {
		sa, err := m.DB.GetStrategyAccount(ctx, p.StrategyAccountID)
		if err != nil {
			continue
		}
		gw, acct, err := m.GatewayForAccount(ctx, sa.AccountID)
		if err != nil {
			continue
		}

		cacheKey := catalog.PriceKey(acct.Exchange, acct.MarketType, gw.NativeSymbol(p.Symbol))
		mark, ok := m.Catalog.Prices.GetFresh(cacheKey, 5*time.Minute)
		if !ok {
			t, terr := gw.FetchTicker(ctx, p.Symbol)
			if terr != nil {
				continue
			}
			mark = t.Last
			m.Catalog.Prices.Set(cacheKey, mark)
		}
		if mark <= 0 {
			continue
		}
		if err := m.DB.UpdateMarkPrice(ctx, p.ID, mark); err != nil {
			log.Printf("pnl: mark position %d: %v", p.ID, err)
		}
	}
}

// CachedPrice returns the freshest known price for sizing; zero when
// nothing is cached.
func (m *Manager) CachedPrice(acct *db.Account, nativeSymbol string) float64 {
	p, _ := m.Catalog.Prices.Get(catalog.PriceKey(acct.Exchange, acct.MarketType, nativeSymbol))
	return p
}
