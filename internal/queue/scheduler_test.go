package queue

import (
	"context"
	"testing"
	"time"

	"tradegate/internal/engine"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// nopGateway accepts every cancel; nothing else is exercised here.
type nopGateway struct{}

func (nopGateway) Name() common.Exchange     { return "FAKE" }
func (nopGateway) Market() common.MarketType { return common.MarketFutures }
func (nopGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{ExchangeOrderID: "ex-1", Status: common.StatusOpen}, nil
}
func (nopGateway) CancelOrder(ctx context.Context, symbol, id string) error { return nil }
func (nopGateway) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (nopGateway) FetchOrder(ctx context.Context, symbol, id string) (common.OrderState, error) {
	return common.OrderState{}, nil
}
func (nopGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	return nil, nil
}
func (nopGateway) FetchBalance(ctx context.Context) ([]common.Balance, error) { return nil, nil }
func (nopGateway) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	return nil, nil
}
func (nopGateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{}, nil
}
func (nopGateway) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	return nil, nil
}
func (nopGateway) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	ch := make(chan common.OrderUpdate)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}
func (nopGateway) NativeSymbol(symbol string) string { return symbol }

func entryAt(priority int, sortPrice float64, age time.Duration, stop bool) entry {
	return entry{
		source:    "pending",
		priority:  priority,
		sortPrice: sortPrice,
		createdAt: time.Now().Add(-age),
		isStop:    stop,
	}
}

func TestRankSide(t *testing.T) {
	side := []entry{
		entryAt(1, 100, time.Minute, false),
		entryAt(0, 90, time.Minute, false),
		entryAt(0, 95, time.Minute, false),
		entryAt(0, 95, 2*time.Minute, false),
	}
	rankSide(side)

	if side[0].priority != 0 || side[0].sortPrice != 95 {
		t.Fatalf("rank[0] = %+v", side[0])
	}
	// Same priority and price: the older entry wins.
	if !side[0].createdAt.Before(side[1].createdAt) {
		t.Fatal("FIFO tiebreak violated")
	}
	if side[2].sortPrice != 90 {
		t.Fatalf("rank[2] = %+v", side[2])
	}
	if side[3].priority != 1 {
		t.Fatal("priority must dominate sort price")
	}
}

func TestChooseSide(t *testing.T) {
	t.Run("side cap", func(t *testing.T) {
		side := []entry{
			entryAt(0, 100, 0, false),
			entryAt(0, 99, 0, false),
			entryAt(0, 98, 0, false),
		}
		rankSide(side)
		chosen := chooseSide(side, 2, 1)
		if len(chosen) != 2 {
			t.Fatalf("chose %d, want 2", len(chosen))
		}
		if chosen[&side[2]] {
			t.Fatal("worst entry must be left out")
		}
	})

	t.Run("stop sub-cap skips but keeps filling", func(t *testing.T) {
		side := []entry{
			entryAt(0, 100, 0, true),
			entryAt(0, 99, 0, true),
			entryAt(0, 98, 0, false),
			entryAt(0, 97, 0, false),
		}
		rankSide(side)
		chosen := chooseSide(side, 3, 1)
		if len(chosen) != 3 {
			t.Fatalf("chose %d, want 3", len(chosen))
		}
		if !chosen[&side[0]] {
			t.Fatal("first stop fits the sub-cap")
		}
		if chosen[&side[1]] {
			t.Fatal("second stop exceeds the sub-cap")
		}
		if !chosen[&side[2]] || !chosen[&side[3]] {
			t.Fatal("plain orders should fill the remaining slots")
		}
	})
}

func TestDemotePreservesPriority(t *testing.T) {
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	userID, err := d.CreateUser(ctx, db.User{Email: "owner@example.com", WebhookToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	strategyID, err := d.CreateStrategy(ctx, db.Strategy{
		OwnerUserID: userID, GroupName: "alpha", MarketType: "FUTURES", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	accountID, err := d.CreateAccount(ctx, db.Account{
		OwnerUserID: userID, Name: "main", Exchange: "FAKE", MarketType: "FUTURES", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	saID, err := d.CreateStrategyAccount(ctx, db.StrategyAccount{
		StrategyID: strategyID, AccountID: accountID, Weight: 1, Leverage: 1, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sa, err := d.GetStrategyAccount(ctx, saID)
	if err != nil {
		t.Fatal(err)
	}

	id, err := d.CreateOrder(ctx, db.Order{
		StrategyAccountID: saID, Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Quantity: 0.01, MarketType: "FUTURES", Priority: 2,
		Status: db.OrderOpen, ExchangeOrderID: "EX-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	order, err := d.GetOrder(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	limits, err := common.LoadExchangeLimits("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	resolve := func(ctx context.Context, strategyAccountID int64) (common.Gateway, db.StrategyAccount, int64, error) {
		return nopGateway{}, *sa, userID, nil
	}
	s := New(d, engine.New(d, nil), limits, 0.25, resolve)

	if !s.demote(ctx, order) {
		t.Fatal("demote failed")
	}
	queued, err := d.ListPendingByAccountSymbol(ctx, accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
	if queued[0].Priority != 2 {
		t.Fatalf("priority = %d, want 2", queued[0].Priority)
	}
}

func TestRebalanceSkipsEmptyBuckets(t *testing.T) {
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	limits, err := common.LoadExchangeLimits("nonexistent.yaml")
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	s := New(d, nil, limits, 0.25, nil)
	// Must not touch Engine or Resolve when there is nothing to move.
	s.Rebalance(context.Background(), db.AccountSymbolKey{AccountID: 1, Symbol: "BTC/USDT"})
}
