// Package reconcile converges local order state with exchange truth.
// The WebSocket user stream is the fast path; a periodic REST diff
// catches anything the stream dropped.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradegate/internal/catalog"
	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Manager owns per-account gateways and their stream consumers.
type Manager struct {
	DB       *db.Database
	Bus      *events.Bus
	Engine   *engine.Engine
	Registry *common.Registry
	Secrets  crypto.SecretStore
	Catalog  *catalog.Catalog
	Safety   float64

	mu       sync.Mutex
	gateways map[int64]common.Gateway
	streams  map[int64]context.CancelFunc
}

// NewManager creates a reconciliation manager.
func NewManager(database *db.Database, bus *events.Bus, eng *engine.Engine,
	registry *common.Registry, secrets crypto.SecretStore, cat *catalog.Catalog, safety float64) *Manager {
	return &Manager{
		DB:       database,
		Bus:      bus,
		Engine:   eng,
		Registry: registry,
		Secrets:  secrets,
		Catalog:  cat,
		Safety:   safety,
		gateways: make(map[int64]common.Gateway),
		streams:  make(map[int64]context.CancelFunc),
	}
}

// GatewayForAccount returns (building if needed) the account's gateway.
func (m *Manager) GatewayForAccount(ctx context.Context, accountID int64) (common.Gateway, *db.Account, error) {
	acct, err := m.DB.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	gw, ok := m.gateways[accountID]
	m.mu.Unlock()
	if ok {
		return gw, acct, nil
	}

	apiKey, err := m.Secrets.Decrypt(acct.APIKeyEncrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt api key for account %d: %w", accountID, err)
	}
	apiSecret, err := m.Secrets.Decrypt(acct.APISecretEncrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt api secret for account %d: %w", accountID, err)
	}

	gw, err = m.Registry.New(common.Exchange(acct.Exchange), common.MarketType(acct.MarketType),
		common.Credentials{APIKey: apiKey, APISecret: apiSecret, Testnet: acct.IsTestnet}, m.Safety)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if existing, ok := m.gateways[accountID]; ok {
		gw = existing
	} else {
		m.gateways[accountID] = gw
	}
	m.mu.Unlock()
	return gw, acct, nil
}

// DropGateway forgets a cached gateway, e.g. after credential rotation
// or account deactivation; a running stream is stopped.
func (m *Manager) DropGateway(accountID int64) {
	m.mu.Lock()
	delete(m.gateways, accountID)
	if cancel, ok := m.streams[accountID]; ok {
		cancel()
		delete(m.streams, accountID)
	}
	m.mu.Unlock()
}

// Resolve implements engine.GatewayResolver.
func (m *Manager) Resolve(ctx context.Context, strategyAccountID int64) (common.Gateway, db.StrategyAccount, int64, error) {
	sa, err := m.DB.GetStrategyAccount(ctx, strategyAccountID)
	if err != nil {
		return nil, db.StrategyAccount{}, 0, err
	}
	gw, acct, err := m.GatewayForAccount(ctx, sa.AccountID)
	if err != nil {
		return nil, db.StrategyAccount{}, 0, err
	}
	return gw, *sa, acct.OwnerUserID, nil
}

// Sources lists live gateways for the catalog refresher.
func (m *Manager) Sources() []catalog.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.Source, 0, len(m.gateways))
	seen := make(map[string]bool)
	for _, gw := range m.gateways {
		key := string(gw.Name()) + ":" + string(gw.Market())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, gw)
	}
	return out
}

// Run drives the periodic reconciliation cycle: ensure streams are up
// for accounts with activity, REST-diff their open orders, and sweep
// orphans, every poll interval.
func (m *Manager) Run(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		m.cycle(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.stopAllStreams()
			return
		}
	}
}

func (m *Manager) cycle(ctx context.Context) {
	keys, err := m.DB.TouchedAccountSymbols(ctx)
	if err != nil {
		log.Printf("reconcile: touched symbols: %v", err)
		return
	}
	accounts := make(map[int64]bool)
	for _, k := range keys {
		accounts[k.AccountID] = true
	}

	for accountID := range accounts {
		m.ensureStream(ctx, accountID)
		m.pollAccount(ctx, accountID)
	}

	m.Engine.SweepOrphans(ctx, m.Resolve)
}

func (m *Manager) ensureStream(ctx context.Context, accountID int64) {
	m.mu.Lock()
	_, running := m.streams[accountID]
	m.mu.Unlock()
	if running {
		return
	}

	gw, _, err := m.GatewayForAccount(ctx, accountID)
	if err != nil {
		log.Printf("reconcile: gateway for account %d: %v", accountID, err)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	updates, err := gw.StreamUserEvents(streamCtx)
	if err != nil {
		cancel()
		log.Printf("reconcile: open stream for account %d: %v", accountID, err)
		return
	}

	m.mu.Lock()
	m.streams[accountID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.streams, accountID)
			m.mu.Unlock()
			cancel()
		}()
		for u := range updates {
			// One short DB scope per message; a bad message is logged
			// and skipped, never fatal to the stream.
			mctx, mcancel := context.WithTimeout(ctx, 5*time.Second)
			if err := m.handleUpdate(mctx, accountID, gw, u); err != nil {
				log.Printf("reconcile: account %d update %s: %v", accountID, u.ExchangeOrderID, err)
			}
			mcancel()
		}
		log.Printf("reconcile: stream for account %d ended", accountID)
	}()
}

func (m *Manager) stopAllStreams() {
	m.mu.Lock()
	for id, cancel := range m.streams {
		cancel()
		delete(m.streams, id)
	}
	m.mu.Unlock()
}
