package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/signal"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// fakeGateway is a scripted venue for fan-out tests.
type fakeGateway struct {
	createErr  error
	created    atomic.Int64
	cancelled  atomic.Int64
	delay      time.Duration
	balances   []common.Balance
	openOrders []common.OrderState
}

func (g *fakeGateway) Name() common.Exchange     { return "FAKE" }
func (g *fakeGateway) Market() common.MarketType { return common.MarketFutures }

func (g *fakeGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return common.OrderResult{}, ctx.Err()
		}
	}
	if g.createErr != nil {
		return common.OrderResult{}, g.createErr
	}
	n := g.created.Add(1)
	return common.OrderResult{ExchangeOrderID: fmt.Sprintf("ex-%d", n), Status: common.StatusOpen}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, id string) error {
	g.cancelled.Add(1)
	return nil
}

func (g *fakeGateway) CancelAllOrders(ctx context.Context, symbol string) error {
	g.cancelled.Add(1)
	return nil
}

func (g *fakeGateway) FetchOrder(ctx context.Context, symbol, id string) (common.OrderState, error) {
	return common.OrderState{}, &common.Error{Exchange: "FAKE", Kind: common.KindInvalidOrder, Msg: "not found"}
}

func (g *fakeGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	return g.openOrders, nil
}

func (g *fakeGateway) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	return g.balances, nil
}

func (g *fakeGateway) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	return nil, nil
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{Symbol: symbol, Last: 50000}, nil
}

func (g *fakeGateway) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	return nil, nil
}

func (g *fakeGateway) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	ch := make(chan common.OrderUpdate)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (g *fakeGateway) NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// fakeResolver maps account ids to scripted gateways.
type fakeResolver struct {
	gateways map[int64]*fakeGateway
	accounts map[int64]*db.Account
}

func (r *fakeResolver) GatewayForAccount(ctx context.Context, accountID int64) (common.Gateway, *db.Account, error) {
	gw, ok := r.gateways[accountID]
	if !ok {
		return nil, nil, errors.New("no gateway")
	}
	return gw, r.accounts[accountID], nil
}

func (r *fakeResolver) CachedPrice(acct *db.Account, nativeSymbol string) float64 {
	return 50000
}

type fakeFilters struct{}

func (fakeFilters) Filter(ex common.Exchange, market common.MarketType, nativeSymbol string) (common.SymbolFilter, bool) {
	return common.SymbolFilter{MinQty: 0.001, StepSize: 0.001, MinNotional: 10}, true
}

func setup(t *testing.T, accountCount int) (*Orchestrator, *db.Database, *db.Strategy, *fakeResolver) {
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

	resolver := &fakeResolver{
		gateways: make(map[int64]*fakeGateway),
		accounts: make(map[int64]*db.Account),
	}
	for i := 0; i < accountCount; i++ {
		accountID, err := d.CreateAccount(ctx, db.Account{
			OwnerUserID: userID, Name: fmt.Sprintf("acct-%d", i),
			Exchange: "FAKE", MarketType: "FUTURES", IsActive: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := d.CreateStrategyAccount(ctx, db.StrategyAccount{
			StrategyID: strategyID, AccountID: accountID, Weight: 1, Leverage: 1, IsActive: true,
		}); err != nil {
			t.Fatal(err)
		}
		acct, err := d.GetAccount(ctx, accountID)
		if err != nil {
			t.Fatal(err)
		}
		resolver.accounts[accountID] = acct
		resolver.gateways[accountID] = &fakeGateway{
			balances: []common.Balance{{Asset: "USDT", Free: 10000}},
		}
	}

	limits, err := common.LoadExchangeLimits("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(d, events.NewBus(10, 10))
	orch := New(d, eng, resolver, fakeFilters{}, limits, 0.25)
	return orch, d, strategy, resolver
}

func marketBuy(strategy *db.Strategy) *signal.Signal {
	return &signal.Signal{
		Strategy: strategy,
		High: []signal.Intent{{
			Symbol: "BTC/USDT", Side: common.SideBuy,
			OrderType: "MARKET", QtyPer: 5, Price: 50000, HasPrice: true,
		}},
	}
}

func TestExecuteFansOut(t *testing.T) {
	orch, d, strategy, _ := setup(t, 3)

	resp := orch.Execute(context.Background(), marketBuy(strategy))

	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp)
	}
	if resp.Summary.TotalAccounts != 3 || resp.Summary.SuccessfulOrders != 3 || resp.Summary.FailedOrders != 0 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	for _, r := range resp.Results {
		if r.Status != "placed" || r.OrderID == 0 {
			t.Fatalf("result = %+v", r)
		}
		// 10000 * 5% / 50000 = 0.01
		if r.Quantity != 0.01 {
			t.Fatalf("quantity = %v, want 0.01", r.Quantity)
		}
	}

	orders, err := d.ListActiveOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Fatalf("order rows = %d, want 3", len(orders))
	}
}

func TestOrderEventsCarryAccount(t *testing.T) {
	orch, _, strategy, _ := setup(t, 1)

	sub := orch.Engine.Bus.Subscribe(strategy.OwnerUserID, strategy.ID)
	defer orch.Engine.Bus.Unsubscribe(sub)

	resp := orch.Execute(context.Background(), marketBuy(strategy))
	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp)
	}

	select {
	case ev := <-sub.Events():
		data, ok := ev.Data.(map[string]any)
		if !ok {
			t.Fatalf("data = %+v", ev.Data)
		}
		if data["event"] != "order_created" {
			t.Fatalf("event = %v", data["event"])
		}
		acct, ok := data["account"].(map[string]any)
		if !ok {
			t.Fatalf("no account object in payload: %+v", data)
		}
		if acct["account_id"].(int64) == 0 || acct["name"] == "" || acct["exchange"] != "FAKE" {
			t.Fatalf("account = %+v", acct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no order_update published")
	}
}

func TestExecutePartialFailure(t *testing.T) {
	orch, d, strategy, resolver := setup(t, 2)

	// Break one venue; the other account must be unaffected.
	for id, gw := range resolver.gateways {
		gw.createErr = &common.Error{Exchange: "FAKE", Kind: common.KindInsufficientFunds, Msg: "balance too low"}
		_ = id
		break
	}

	resp := orch.Execute(context.Background(), marketBuy(strategy))

	if resp.Success {
		t.Fatal("partial failure must not report success")
	}
	if resp.Summary.SuccessfulOrders != 1 || resp.Summary.FailedOrders != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}

	// The rejection leaves a FailedOrder post-mortem.
	ctx := context.Background()
	for _, acct := range resolver.accounts {
		failed, err := d.ListFailedOrdersForUser(ctx, acct.OwnerUserID)
		if err != nil {
			t.Fatal(err)
		}
		if len(failed) != 1 {
			t.Fatalf("failed orders = %d, want 1", len(failed))
		}
		break
	}
}

func TestExecuteInactiveEdgeSkipped(t *testing.T) {
	orch, d, strategy, _ := setup(t, 1)
	ctx := context.Background()

	sas, err := d.ListActiveStrategyAccounts(ctx, strategy.ID)
	if err != nil {
		t.Fatal(err)
	}
	results := orch.runAccount(ctx, marketBuy(strategy), sas[0])

	if err := d.SetStrategyAccountActive(ctx, sas[0].ID, false); err != nil {
		t.Fatal(err)
	}
	skippedResults := orch.runAccount(ctx, marketBuy(strategy), sas[0])

	if len(results) != 1 || !results[0].Success {
		t.Fatalf("active edge result = %+v", results)
	}
	if len(skippedResults) != 1 || skippedResults[0].SkipReason != "strategy_account_inactive" {
		t.Fatalf("inactive edge result = %+v", skippedResults)
	}
}

func TestExecuteParksWhenBookFull(t *testing.T) {
	orch, d, strategy, _ := setup(t, 1)
	ctx := context.Background()

	sas, err := d.ListActiveStrategyAccounts(ctx, strategy.ID)
	if err != nil {
		t.Fatal(err)
	}
	sa := sas[0]

	// Fill the BUY side to the default cap with resting limit orders.
	caps := common.DefaultOrderCaps
	for i := 0; i < caps.MaxPerSide; i++ {
		if _, err := d.CreateOrder(ctx, db.Order{
			StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
			Quantity: 0.01, MarketType: "FUTURES", Status: db.OrderOpen,
			ExchangeOrderID: fmt.Sprintf("full-%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	sig := &signal.Signal{
		Strategy: strategy,
		Low: []signal.Intent{{
			Symbol: "BTC/USDT", Side: common.SideBuy, OrderType: "LIMIT",
			Price: 49000, HasPrice: true, QtyPer: 5,
		}},
	}
	resp := orch.Execute(ctx, sig)

	if resp.Summary.SuccessfulOrders != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if resp.Results[0].Status != "queued" {
		t.Fatalf("result = %+v", resp.Results[0])
	}
	if n, err := d.CountPendingOrders(ctx); err != nil || n != 1 {
		t.Fatalf("pending = %d err = %v", n, err)
	}
}

func TestExecuteCancelAll(t *testing.T) {
	orch, d, strategy, resolver := setup(t, 1)
	ctx := context.Background()

	sas, err := d.ListActiveStrategyAccounts(ctx, strategy.ID)
	if err != nil {
		t.Fatal(err)
	}
	sa := sas[0]

	if _, err := d.CreateOrder(ctx, db.Order{
		StrategyAccountID: sa.ID, Symbol: "BTC/USDT", Side: "BUY", OrderType: "LIMIT",
		Quantity: 0.01, MarketType: "FUTURES", Status: db.OrderOpen, ExchangeOrderID: "live-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.CreatePendingOrder(ctx, db.PendingOrder{
		StrategyAccountID: sa.ID, AccountID: sa.AccountID, Symbol: "BTC/USDT",
		Side: "SELL", OrderType: "LIMIT", Quantity: 0.01,
	}); err != nil {
		t.Fatal(err)
	}

	sig := &signal.Signal{
		Strategy: strategy,
		High:     []signal.Intent{{OrderType: signal.TypeCancelAllOrder}},
	}
	resp := orch.Execute(ctx, sig)

	if resp.Summary.SuccessfulOrders != 1 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if n, _ := d.CountPendingOrders(ctx); n != 0 {
		t.Fatalf("pending queue not flushed, %d left", n)
	}
	for _, gw := range resolver.gateways {
		if gw.cancelled.Load() == 0 {
			t.Fatal("venue cancel never called")
		}
	}
	orders, err := d.ListUIOpenOrders(ctx, sa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Fatalf("open orders remain: %+v", orders)
	}
}
