package signal

import (
	"context"
	"errors"
	"testing"

	"tradegate/pkg/db"
)

func setupRouter(t *testing.T) (*Router, *db.Database) {
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
	userID, err := d.CreateUser(ctx, db.User{Email: "owner@example.com", WebhookToken: "tok-owner"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := d.CreateStrategy(ctx, db.Strategy{
		OwnerUserID: userID, GroupName: "alpha", MarketType: "FUTURES", IsActive: true,
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	if _, err := d.CreateStrategy(ctx, db.Strategy{
		OwnerUserID: userID, GroupName: "paused", MarketType: "FUTURES", IsActive: false,
	}); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return NewRouter(d, 4), d
}

func TestRouteSingleIntent(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	body := []byte(`{
		"group_name": "alpha", "token": "tok-owner",
		"symbol": "BTCUSDT", "side": "buy", "order_type": "limit",
		"price": "50000", "qty_per": 5
	}`)
	sig, err := r.Route(ctx, body)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if sig.Batch {
		t.Fatal("single intent must not be batch")
	}
	if len(sig.High) != 0 || len(sig.Low) != 1 {
		t.Fatalf("split = %d high / %d low", len(sig.High), len(sig.Low))
	}
	in := sig.Low[0]
	if in.Symbol != "BTC/USDT" {
		t.Fatalf("symbol = %q", in.Symbol)
	}
	if in.Side != "BUY" || in.OrderType != "LIMIT" {
		t.Fatalf("side=%s type=%s", in.Side, in.OrderType)
	}
	if in.Price != 50000 || in.QtyPer != 5 {
		t.Fatalf("price=%v qty_per=%v", in.Price, in.QtyPer)
	}
}

func TestRouteGates(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		want error
	}{
		{"unknown strategy", `{"group_name":"nope","token":"tok-owner","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":5}`, ErrStrategyNotFound},
		{"inactive strategy", `{"group_name":"paused","token":"tok-owner","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":5}`, ErrStrategyInactive},
		{"bad token", `{"group_name":"alpha","token":"wrong","symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":5}`, ErrTokenRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Route(ctx, []byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRouteParamTable(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	route := func(fields string) (*Signal, error) {
		body := `{"group_name":"alpha","token":"tok-owner","symbol":"ETHUSDT",` + fields + `}`
		return r.Route(ctx, []byte(body))
	}

	t.Run("limit without price", func(t *testing.T) {
		_, err := route(`"side":"buy","order_type":"LIMIT","qty_per":5`)
		var v *ValidationError
		if !errors.As(err, &v) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("limit with stop price", func(t *testing.T) {
		_, err := route(`"side":"buy","order_type":"LIMIT","price":3000,"stop_price":2900,"qty_per":5`)
		if err == nil {
			t.Fatal("expected rejection")
		}
	})

	t.Run("stop limit requires both", func(t *testing.T) {
		_, err := route(`"side":"sell","order_type":"STOP_LIMIT","price":3000,"qty_per":5`)
		if err == nil {
			t.Fatal("expected rejection")
		}
	})

	t.Run("market drops stop price", func(t *testing.T) {
		sig, err := route(`"side":"buy","order_type":"MARKET","stop_price":2900,"qty_per":5`)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		in := sig.High[0]
		if in.HasStop || in.StopPrice != 0 {
			t.Fatalf("stop price survived: %+v", in)
		}
	})

	t.Run("qty_per below -100", func(t *testing.T) {
		_, err := route(`"side":"sell","order_type":"MARKET","qty_per":-150`)
		if err == nil {
			t.Fatal("expected rejection")
		}
	})

	t.Run("cancel needs no side or qty", func(t *testing.T) {
		sig, err := route(`"order_type":"CANCEL"`)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if len(sig.High) != 1 || !sig.High[0].IsCancel() {
			t.Fatalf("split = %+v", sig)
		}
	})
}

func TestRouteBatch(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	t.Run("priority split preserves order", func(t *testing.T) {
		body := []byte(`{"group_name":"alpha","token":"tok-owner","orders":[
			{"symbol":"BTCUSDT","side":"buy","order_type":"LIMIT","price":50000,"qty_per":5},
			{"symbol":"BTCUSDT","order_type":"CANCEL_ALL_ORDER"},
			{"symbol":"ETHUSDT","side":"sell","order_type":"MARKET","qty_per":-100},
			{"symbol":"ETHUSDT","side":"sell","order_type":"STOP_MARKET","price":2800,"stop_price":2850,"qty_per":5}
		]}`)
		sig, err := r.Route(ctx, body)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if !sig.Batch {
			t.Fatal("orders key must mark the request as batch")
		}
		if len(sig.High) != 2 || len(sig.Low) != 2 {
			t.Fatalf("split = %d high / %d low", len(sig.High), len(sig.Low))
		}
		if sig.High[0].OrderType != "CANCEL_ALL_ORDER" || sig.High[1].OrderType != "MARKET" {
			t.Fatalf("high order: %s, %s", sig.High[0].OrderType, sig.High[1].OrderType)
		}
		if sig.Low[0].OrderType != "LIMIT" || sig.Low[1].OrderType != "STOP_MARKET" {
			t.Fatalf("low order: %s, %s", sig.Low[0].OrderType, sig.Low[1].OrderType)
		}
	})

	t.Run("batch over the cap", func(t *testing.T) {
		body := []byte(`{"group_name":"alpha","token":"tok-owner","orders":[
			{"symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":1},
			{"symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":1},
			{"symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":1},
			{"symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":1},
			{"symbol":"BTCUSDT","side":"buy","order_type":"MARKET","qty_per":1}
		]}`)
		if _, err := r.Route(ctx, body); err == nil {
			t.Fatal("expected batch size rejection")
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		body := []byte(`{"group_name":"alpha","token":"tok-owner","orders":[]}`)
		if _, err := r.Route(ctx, body); err == nil {
			t.Fatal("expected empty batch rejection")
		}
	})
}

func TestCanonicalSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC/USDT",
		"btc/usdt": "BTC/USDT",
		"SOL-USDT": "SOL/USDT",
		"eth_krw":  "ETH/KRW",
		"SOLFDUSD": "SOL/FDUSD",
		"":         "",
	}
	for in, want := range cases {
		if got := CanonicalSymbol(in); got != want {
			t.Errorf("CanonicalSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
