package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/orchestrator"
	"tradegate/internal/signal"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// slowGateway embeds the interface and overrides only what the market
// order path touches; anything else panics loudly.
type slowGateway struct {
	common.Gateway
	delay time.Duration
}

func (g *slowGateway) Name() common.Exchange     { return "FAKE" }
func (g *slowGateway) Market() common.MarketType { return common.MarketFutures }

func (g *slowGateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return common.OrderResult{}, ctx.Err()
	}
	return common.OrderResult{ExchangeOrderID: "ex-1", Status: common.StatusOpen}, nil
}

func (g *slowGateway) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	return []common.Balance{{Asset: "USDT", Free: 10000}}, nil
}

func (g *slowGateway) NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

type stubResolver struct {
	gw    *slowGateway
	accts map[int64]*db.Account
}

func (r *stubResolver) GatewayForAccount(ctx context.Context, accountID int64) (common.Gateway, *db.Account, error) {
	return r.gw, r.accts[accountID], nil
}

func (r *stubResolver) CachedPrice(acct *db.Account, nativeSymbol string) float64 { return 50000 }

type stubFilters struct{}

func (stubFilters) Filter(ex common.Exchange, market common.MarketType, nativeSymbol string) (common.SymbolFilter, bool) {
	return common.SymbolFilter{MinQty: 0.001, StepSize: 0.001}, true
}

func newTestServer(t *testing.T, gatewayDelay, deadline time.Duration) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if _, err := d.CreateStrategyAccount(ctx, db.StrategyAccount{
		StrategyID: strategyID, AccountID: accountID, Weight: 1, Leverage: 1, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	acct, err := d.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatal(err)
	}

	limits, err := common.LoadExchangeLimits("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(10, 10)
	eng := engine.New(d, bus)
	resolver := &stubResolver{
		gw:    &slowGateway{delay: gatewayDelay},
		accts: map[int64]*db.Account{accountID: acct},
	}
	orch := orchestrator.New(d, eng, resolver, stubFilters{}, limits, 0.25)
	signals := signal.NewRouter(d, 30)

	return NewServer(d, bus, eng, nil, signals, orch, "test-secret", deadline, time.Second)
}

func postWebhook(t *testing.T, s *Server, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	return rec.Code, out
}

func TestWebhookSuccess(t *testing.T) {
	s := newTestServer(t, 0, 2*time.Second)

	code, out := postWebhook(t, s,
		`{"group_name":"alpha","token":"tok","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","price":50000,"qty_per":5}`)

	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out["success"] != true {
		t.Fatalf("body = %+v", out)
	}
	summary, ok := out["summary"].(map[string]any)
	if !ok || summary["successful_orders"].(float64) != 1 || summary["failed_orders"].(float64) != 0 {
		t.Fatalf("summary = %+v", out["summary"])
	}
	if out["action"] != "market" || out["strategy"] != "alpha" {
		t.Fatalf("body = %+v", out)
	}
	if _, ok := out["performance_metrics"]; !ok {
		t.Fatal("performance_metrics missing")
	}
}

func TestWebhookValidationErrorsAre200(t *testing.T) {
	s := newTestServer(t, 0, 2*time.Second)

	cases := []string{
		`{"group_name":"ghost","token":"tok","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":5}`,
		`{"group_name":"alpha","token":"bad","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":5}`,
		`{"group_name":"alpha","token":"tok","symbol":"BTCUSDT","side":"buy","order_type":"LIMIT","qty_per":5}`,
		`not json at all`,
	}
	for _, body := range cases {
		code, out := postWebhook(t, s, body)
		if code != http.StatusOK {
			t.Fatalf("status = %d for %s", code, body)
		}
		if out["success"] != false || out["error"] == "" {
			t.Fatalf("body = %+v for %s", out, body)
		}
	}
}

func TestWebhookTimeout(t *testing.T) {
	s := newTestServer(t, 500*time.Millisecond, 50*time.Millisecond)

	start := time.Now()
	code, out := postWebhook(t, s,
		`{"group_name":"alpha","token":"tok","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","price":50000,"qty_per":5}`)
	elapsed := time.Since(start)

	if code != http.StatusOK {
		t.Fatalf("timeout must still be 200, got %d", code)
	}
	if out["success"] != false || out["timeout"] != true {
		t.Fatalf("body = %+v", out)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("response waited for the exchange call (%v)", elapsed)
	}
}
