package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// scriptedGateway serves canned open-order and order-state responses.
type scriptedGateway struct {
	open   []common.OrderState
	orders map[string]common.OrderState
}

func (g *scriptedGateway) Name() common.Exchange     { return "FAKE" }
func (g *scriptedGateway) Market() common.MarketType { return common.MarketFutures }

func (g *scriptedGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{}, errors.New("not scripted")
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, symbol, id string) error    { return nil }
func (g *scriptedGateway) CancelAllOrders(ctx context.Context, symbol string) error    { return nil }
func (g *scriptedGateway) FetchBalance(ctx context.Context) ([]common.Balance, error)  { return nil, nil }
func (g *scriptedGateway) FetchTicker(ctx context.Context, s string) (common.Ticker, error) {
	return common.Ticker{}, nil
}
func (g *scriptedGateway) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	return nil, nil
}
func (g *scriptedGateway) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	return nil, nil
}

func (g *scriptedGateway) FetchOrder(ctx context.Context, symbol, id string) (common.OrderState, error) {
	if st, ok := g.orders[id]; ok {
		return st, nil
	}
	return common.OrderState{}, &common.Error{Exchange: "FAKE", Kind: common.KindInvalidOrder, Msg: "not found"}
}

func (g *scriptedGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	return g.open, nil
}

func (g *scriptedGateway) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	ch := make(chan common.OrderUpdate)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (g *scriptedGateway) NativeSymbol(symbol string) string { return symbol }

func setupManager(t *testing.T, gw common.Gateway) (*Manager, *db.Database, int64, db.StrategyAccount, *db.Strategy) {
	t.Helper()
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
	strategy, err := d.GetStrategy(ctx, strategyID)
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

	bus := events.NewBus(10, 10)
	m := NewManager(d, bus, engine.New(d, bus), nil, nil, nil, 0.55)
	m.gateways[accountID] = gw
	return m, d, accountID, *sa, strategy
}

func TestPollInsertsExchangeOnlyOrder(t *testing.T) {
	gw := &scriptedGateway{
		open: []common.OrderState{{
			ExchangeOrderID: "EX-EXT-1", Symbol: "BTCUSDT", Side: common.SideBuy,
			Type: common.OrderTypeLimit, Status: common.StatusOpen, Price: 50000, Qty: 0.01,
		}},
	}
	m, d, accountID, sa, _ := setupManager(t, gw)
	ctx := context.Background()

	m.pollAccount(ctx, accountID)

	order, err := d.GetOrderByExchangeID(ctx, "EX-EXT-1")
	if err != nil {
		t.Fatalf("exchange-only order not inserted: %v", err)
	}
	if order.Status != db.OrderOpen || order.StrategyAccountID != sa.ID {
		t.Fatalf("order = %+v", order)
	}
	if order.Symbol != "BTC/USDT" {
		t.Fatalf("symbol = %q", order.Symbol)
	}

	// A second pass must not duplicate the row.
	m.pollAccount(ctx, accountID)
	orders, err := d.ListActiveOrdersForAccount(ctx, accountID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("order rows = %d, want 1", len(orders))
	}
}

func TestPollLeavesMarkerClientIDsToSweeper(t *testing.T) {
	gw := &scriptedGateway{
		open: []common.OrderState{{
			ExchangeOrderID: "EX-MARKED-1", ClientID: "PENDING-abc", Symbol: "BTCUSDT",
			Side: common.SideBuy, Type: common.OrderTypeLimit, Status: common.StatusOpen,
		}},
	}
	m, d, accountID, _, _ := setupManager(t, gw)
	ctx := context.Background()

	m.pollAccount(ctx, accountID)

	if _, err := d.GetOrderByExchangeID(ctx, "EX-MARKED-1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("marker-tagged order must not be inserted here, err = %v", err)
	}
}

func TestHandleUpdateAdoptsMarker(t *testing.T) {
	gw := &scriptedGateway{orders: map[string]common.OrderState{}}
	m, d, accountID, sa, _ := setupManager(t, gw)
	ctx := context.Background()

	marker := engine.PendingMarker()
	id, err := d.CreateOrder(ctx, db.Order{
		StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Quantity: 0.01, MarketType: "FUTURES", Status: db.OrderPending, ExchangeOrderID: marker,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = m.handleUpdate(ctx, accountID, gw, common.OrderUpdate{
		ExchangeOrderID: "EX-77", ClientID: marker, Status: common.StatusOpen,
	})
	if err != nil {
		t.Fatalf("handle update: %v", err)
	}

	order, err := d.GetOrder(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != db.OrderOpen || order.ExchangeOrderID != "EX-77" {
		t.Fatalf("order = %+v", order)
	}
}

func TestTerminalVerifiedBeforeDelete(t *testing.T) {
	gw := &scriptedGateway{orders: map[string]common.OrderState{
		"EX-9": {ExchangeOrderID: "EX-9", Status: common.StatusOpen},
	}}
	m, d, accountID, sa, strategy := setupManager(t, gw)
	ctx := context.Background()

	if _, err := d.CreateOrder(ctx, db.Order{
		StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Quantity: 0.01, MarketType: "FUTURES", Status: db.OrderOpen, ExchangeOrderID: "EX-9",
	}); err != nil {
		t.Fatal(err)
	}

	sub := m.Bus.Subscribe(strategy.OwnerUserID, strategy.ID)
	defer m.Bus.Unsubscribe(sub)

	filled := common.OrderUpdate{ExchangeOrderID: "EX-9", Status: common.StatusFilled, FilledQty: 0.01}

	// The stream raced ahead of the venue's own view: keep the row.
	if err := m.handleUpdate(ctx, accountID, gw, filled); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if _, err := d.GetOrderByExchangeID(ctx, "EX-9"); err != nil {
		t.Fatalf("row removed before the venue confirmed: %v", err)
	}

	// Venue agrees now; the row goes away and the event carries the
	// account attribution.
	gw.orders["EX-9"] = common.OrderState{ExchangeOrderID: "EX-9", Status: common.StatusFilled, FilledQty: 0.01}
	if err := m.handleUpdate(ctx, accountID, gw, filled); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if _, err := d.GetOrderByExchangeID(ctx, "EX-9"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("row not removed after verification, err = %v", err)
	}

	select {
	case ev := <-sub.Events():
		data, ok := ev.Data.(map[string]any)
		if !ok {
			t.Fatalf("data = %+v", ev.Data)
		}
		if data["event"] != "order_filled" {
			t.Fatalf("event = %v", data["event"])
		}
		acct, ok := data["account"].(map[string]any)
		if !ok {
			t.Fatalf("no account object in payload: %+v", data)
		}
		if acct["account_id"].(int64) != sa.AccountID || acct["exchange"] != "FAKE" {
			t.Fatalf("account = %+v", acct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no order_update published")
	}
}
