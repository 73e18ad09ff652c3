// Package queue keeps each (account, symbol) book within the venue's
// order-count caps, promoting queued orders into free slots and
// demoting the worst-ranked live orders when better ones wait.
package queue

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"tradegate/internal/engine"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Scheduler rebalances order books once per tick.
type Scheduler struct {
	DB        *db.Database
	Engine    *engine.Engine
	Limits    *common.ExchangeLimits
	StopRatio float64
	Resolve   engine.GatewayResolver

	mu    sync.Mutex
	locks map[db.AccountSymbolKey]*sync.Mutex
}

// New creates a scheduler.
func New(database *db.Database, eng *engine.Engine, limits *common.ExchangeLimits, stopRatio float64, resolve engine.GatewayResolver) *Scheduler {
	return &Scheduler{
		DB:        database,
		Engine:    eng,
		Limits:    limits,
		StopRatio: stopRatio,
		Resolve:   resolve,
		locks:     make(map[db.AccountSymbolKey]*sync.Mutex),
	}
}

func (s *Scheduler) keyLock(key db.AccountSymbolKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// reapLocks drops mutexes for keys no longer touched so the map does
// not grow with every symbol ever traded.
func (s *Scheduler) reapLocks(touched map[db.AccountSymbolKey]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.locks {
		if !touched[k] {
			delete(s.locks, k)
		}
	}
}

// Run ticks the rebalancer until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RebalanceAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RebalanceAll visits every touched (account, symbol) pair.
func (s *Scheduler) RebalanceAll(ctx context.Context) {
	keys, err := s.DB.TouchedAccountSymbols(ctx)
	if err != nil {
		log.Printf("queue: touched symbols: %v", err)
		return
	}
	touched := make(map[db.AccountSymbolKey]bool, len(keys))
	for _, key := range keys {
		touched[key] = true
		s.Rebalance(ctx, key)
	}
	s.reapLocks(touched)
}

// entry tags one order with its source for ranking.
type entry struct {
	source    string // "active" or "pending"
	priority  int
	sortPrice float64
	createdAt time.Time
	isStop    bool
	active    *db.Order
	pending   *db.PendingOrder
}

// Rebalance reconciles one book against its caps. It emits one
// consolidated log line per key when anything moved.
func (s *Scheduler) Rebalance(ctx context.Context, key db.AccountSymbolKey) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()

	active, err := s.DB.ListActiveOrdersForAccountSymbol(ctx, key.AccountID, key.Symbol)
	if err != nil {
		log.Printf("queue: load active %v: %v", key, err)
		return
	}
	pending, err := s.DB.ListPendingByAccountSymbol(ctx, key.AccountID, key.Symbol)
	if err != nil {
		log.Printf("queue: load pending %v: %v", key, err)
		return
	}
	if len(active) == 0 && len(pending) == 0 {
		return
	}

	var buys, sells []entry
	for i := range active {
		o := &active[i]
		if o.Status == db.OrderPending || o.Status == db.OrderCancelling {
			// In-flight rows are untouchable this tick.
			continue
		}
		e := entry{
			source:    "active",
			priority:  o.Priority,
			sortPrice: db.SortPriceFor(o.Side, o.OrderType, o.Price.Float64, o.StopPrice.Float64),
			createdAt: o.CreatedAt,
			isStop:    common.OrderType(o.OrderType).IsStop(),
			active:    o,
		}
		if o.Side == string(common.SideBuy) {
			buys = append(buys, e)
		} else {
			sells = append(sells, e)
		}
	}
	for i := range pending {
		p := &pending[i]
		e := entry{
			source:    "pending",
			priority:  p.Priority,
			sortPrice: p.SortPrice,
			createdAt: p.CreatedAt,
			isStop:    common.OrderType(p.OrderType).IsStop(),
			pending:   p,
		}
		if p.Side == string(common.SideBuy) {
			buys = append(buys, e)
		} else {
			sells = append(sells, e)
		}
	}

	caps := s.capsFor(ctx, key)
	maxStop := caps.MaxStopPerSide(s.StopRatio)

	cancelled, promoted := 0, 0
	for _, side := range [][]entry{buys, sells} {
		c, p := s.rebalanceSide(ctx, side, caps.MaxPerSide, maxStop)
		cancelled += c
		promoted += p
	}

	if cancelled > 0 || promoted > 0 {
		log.Printf("queue: rebalanced account=%d symbol=%s cancelled=%d promoted=%d elapsed=%dms",
			key.AccountID, key.Symbol, cancelled, promoted, time.Since(started).Milliseconds())
	}
}

func (s *Scheduler) capsFor(ctx context.Context, key db.AccountSymbolKey) common.OrderCaps {
	acct, err := s.DB.GetAccount(ctx, key.AccountID)
	if err != nil {
		return common.DefaultOrderCaps
	}
	return s.Limits.Caps(common.Exchange(acct.Exchange), common.MarketType(acct.MarketType))
}

// rankSide orders entries by priority asc, best sort price first, FIFO.
func rankSide(side []entry) {
	sort.SliceStable(side, func(i, j int) bool {
		if side[i].priority != side[j].priority {
			return side[i].priority < side[j].priority
		}
		if side[i].sortPrice != side[j].sortPrice {
			return side[i].sortPrice > side[j].sortPrice
		}
		return side[i].createdAt.Before(side[j].createdAt)
	})
}

// chooseSide greedily takes the top entries within the side cap and
// the conditional sub-cap.
func chooseSide(side []entry, maxPerSide, maxStop int) map[*entry]bool {
	chosen := make(map[*entry]bool, maxPerSide)
	stops := 0
	for i := range side {
		if len(chosen) >= maxPerSide {
			break
		}
		e := &side[i]
		if e.isStop {
			if stops >= maxStop {
				continue
			}
			stops++
		}
		chosen[e] = true
	}
	return chosen
}

func (s *Scheduler) rebalanceSide(ctx context.Context, side []entry, maxPerSide, maxStop int) (cancelled, promoted int) {
	rankSide(side)
	chosen := chooseSide(side, maxPerSide, maxStop)

	for i := range side {
		e := &side[i]
		switch {
		case e.source == "active" && !chosen[e]:
			if s.demote(ctx, e.active) {
				cancelled++
			}
		case e.source == "pending" && chosen[e]:
			if s.promote(ctx, e.pending) {
				promoted++
			}
		}
	}
	return cancelled, promoted
}

// demote cancels a live order and parks it back in the queue with its
// placement fields preserved.
func (s *Scheduler) demote(ctx context.Context, o *db.Order) bool {
	gw, sa, owner, err := s.Resolve(ctx, o.StrategyAccountID)
	if err != nil {
		log.Printf("queue: resolve for demote %d: %v", o.ID, err)
		return false
	}
	if err := s.Engine.CancelOrder(ctx, gw, o, owner, sa.StrategyID); err != nil {
		log.Printf("queue: demote %d: %v", o.ID, err)
		return false
	}
	_, err = s.DB.CreatePendingOrder(ctx, db.PendingOrder{
		StrategyAccountID: o.StrategyAccountID,
		AccountID:         sa.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Quantity:          o.Quantity,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		MarketType:        o.MarketType,
		Priority:          o.Priority,
	})
	if err != nil {
		log.Printf("queue: park demoted %d: %v", o.ID, err)
		return false
	}
	if err := s.DB.DeleteOrder(ctx, o.ID); err != nil {
		log.Printf("queue: drop demoted %d: %v", o.ID, err)
	}
	return true
}

// promote places a queued order via the DB-first engine flow and
// removes it from the queue on success. Failure leaves the row for
// the next tick.
func (s *Scheduler) promote(ctx context.Context, p *db.PendingOrder) bool {
	gw, sa, owner, err := s.Resolve(ctx, p.StrategyAccountID)
	if err != nil {
		log.Printf("queue: resolve for promote %d: %v", p.ID, err)
		return false
	}
	req := common.OrderRequest{
		Symbol: p.Symbol,
		Side:   common.Side(p.Side),
		Type:   common.OrderType(p.OrderType),
		Qty:    p.Quantity,
		Market: common.MarketType(p.MarketType),
	}
	if p.Price.Valid {
		req.Price = p.Price.Float64
	}
	if p.StopPrice.Valid {
		req.StopPrice = p.StopPrice.Float64
	}

	order, err := s.Engine.PlaceOrder(ctx, gw, engine.Placement{
		StrategyAccount: sa,
		OwnerUserID:     owner,
		Request:         req,
		Priority:        p.Priority,
	})
	if err != nil {
		log.Printf("queue: promote pending %d: %v", p.ID, err)
		if order != nil && order.Status == db.OrderFailed {
			// Rejected outright; keeping it queued would retry a
			// known-bad order forever.
			_ = s.DB.DeletePendingOrder(ctx, p.ID)
		}
		return false
	}
	if err := s.DB.DeletePendingOrder(ctx, p.ID); err != nil {
		log.Printf("queue: delete promoted pending %d: %v", p.ID, err)
	}
	return true
}
