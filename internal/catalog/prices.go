package catalog

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded last-price cache keyed by venue-qualified
// symbol. Readers are the sizing and PnL paths, writers the refresh
// timers and tickers.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := range c.shards {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

// PriceKey builds the cache key for one venue-qualified symbol.
func PriceKey(exchange, market, symbol string) string {
	return exchange + ":" + market + ":" + symbol
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price.
func (c *PriceCache) Set(key string, price float64) {
	s := c.shard(key)
	s.mu.Lock()
	s.items[key] = priceEntry{price: price, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get retrieves a price.
func (c *PriceCache) Get(key string) (float64, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.price, ok
}

// GetFresh retrieves a price only if it is younger than maxAge.
func (c *PriceCache) GetFresh(key string, maxAge time.Duration) (float64, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > maxAge {
		return 0, false
	}
	return e.price, true
}

// Cleanup drops entries older than maxAge and reports how many.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the total entry count.
func (c *PriceCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
