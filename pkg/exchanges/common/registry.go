package common

import (
	"fmt"
	"sync"
)

// Factory builds a gateway for one account's decrypted credentials.
type Factory func(creds Credentials, safety float64) (Gateway, error)

type registryKey struct {
	Exchange Exchange
	Market   MarketType
}

// Registry maps (exchange, market type) to an adapter factory. Adding
// a venue is a Register call; call sites never branch on the exchange.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// Register installs a factory for the venue/market pair.
func (r *Registry) Register(ex Exchange, market MarketType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{ex, market}] = f
}

// New builds a gateway for the venue/market pair.
func (r *Registry) New(ex Exchange, market MarketType, creds Credentials, safety float64) (Gateway, error) {
	r.mu.RLock()
	f, ok := r.factories[registryKey{ex, market}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s/%s", ex, market)
	}
	return f(creds, safety)
}

// Supported reports whether the pair has a registered adapter.
func (r *Registry) Supported(ex Exchange, market MarketType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[registryKey{ex, market}]
	return ok
}
