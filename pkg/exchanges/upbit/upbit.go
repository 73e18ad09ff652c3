// Package upbit implements the Upbit KRW spot API. Every private call
// carries a fresh JWT and runs through a sequencer because Upbit bans
// concurrent requests on one key.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tradegate/pkg/exchanges/common"
)

const (
	baseURL = "https://api.upbit.com"

	// Upbit throttles private endpoints to ~8 req/s; 125ms spacing
	// keeps one account safely sequential.
	minSpacing = 125 * time.Millisecond
)

// Gateway talks to Upbit for one account.
type Gateway struct {
	accessKey string
	secretKey string
	http      *http.Client
	seq       *common.Sequencer
}

// New builds an Upbit spot gateway.
func New(creds common.Credentials, safety float64) (common.Gateway, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("upbit: missing api credentials")
	}
	_ = safety // sequencing already holds usage far below the ceiling
	return &Gateway{
		accessKey: creds.APIKey,
		secretKey: creds.APISecret,
		http:      &http.Client{Timeout: 15 * time.Second},
		seq:       common.NewSequencer(minSpacing),
	}, nil
}

func (g *Gateway) Name() common.Exchange     { return common.ExchangeUpbit }
func (g *Gateway) Market() common.MarketType { return common.MarketSpot }

// NativeSymbol maps canonical BASE/QUOTE to Upbit's QUOTE-BASE form.
func (g *Gateway) NativeSymbol(symbol string) string {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol
	}
	return parts[1] + "-" + parts[0]
}

// token signs a JWT for one request; queryHash covers the encoded
// query string or form body when present.
func (g *Gateway) token(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": g.accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.secretKey))
}

func (g *Gateway) call(ctx context.Context, method, path string, params url.Values, result any) error {
	return g.seq.Do(ctx, func() error {
		query := params.Encode()

		target := baseURL + path
		var body io.Reader
		if method == http.MethodGet || method == http.MethodDelete {
			if query != "" {
				target += "?" + query
			}
		} else {
			body = strings.NewReader(query)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		tok, err := g.token(query)
		if err != nil {
			return fmt.Errorf("upbit: sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := g.http.Do(req)
		if err != nil {
			return common.NewError(common.ExchangeUpbit, common.KindNetwork, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return common.NewError(common.ExchangeUpbit, common.KindNetwork, err)
		}
		if resp.StatusCode >= 400 {
			kind := common.ClassifyHTTP(resp.StatusCode, string(raw))
			if strings.Contains(string(raw), "insufficient_funds") {
				kind = common.KindInsufficientFunds
			}
			return common.NewError(common.ExchangeUpbit, kind,
				fmt.Errorf("http %d: %s", resp.StatusCode, raw))
		}
		if result != nil {
			if err := json.Unmarshal(raw, result); err != nil {
				return fmt.Errorf("upbit: decode response: %w", err)
			}
		}
		return nil
	})
}

func normalizeState(state string) common.OrderStatus {
	switch state {
	case "wait", "watch":
		return common.StatusNew
	case "trade":
		return common.StatusPartial
	case "done":
		return common.StatusFilled
	case "cancel":
		return common.StatusCanceled
	}
	return common.StatusUnknown
}

func fnum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func fstr(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type restOrder struct {
	UUID            string `json:"uuid"`
	Market          string `json:"market"`
	Side            string `json:"side"`
	State           string `json:"state"`
	Price           string `json:"price"`
	Volume          string `json:"volume"`
	RemainingVolume string `json:"remaining_volume"`
	ExecutedVolume  string `json:"executed_volume"`
	ExecutedFunds   string `json:"executed_funds"`
}

func (o restOrder) toState() common.OrderState {
	side := common.SideSell
	if o.Side == "bid" {
		side = common.SideBuy
	}
	executed := fnum(o.ExecutedVolume)
	avg := 0.0
	if funds := fnum(o.ExecutedFunds); executed > 0 && funds > 0 {
		avg = funds / executed
	}
	status := normalizeState(o.State)
	if status == common.StatusNew && executed > 0 {
		status = common.StatusPartial
	}
	return common.OrderState{
		ExchangeOrderID: o.UUID,
		Symbol:          o.Market,
		Side:            side,
		Status:          status,
		Price:           fnum(o.Price),
		Qty:             fnum(o.Volume),
		FilledQty:       executed,
		AvgPrice:        avg,
	}
}

// CreateOrder places one order. Upbit has no conditional orders, so
// stop types are rejected before touching the wire. Market buys are
// amount-denominated; the caller's quantity is converted using the
// request price.
func (g *Gateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Type.IsStop() {
		return common.OrderResult{}, common.NewError(common.ExchangeUpbit, common.KindInvalidOrder,
			fmt.Errorf("order type %s not supported", req.Type))
	}

	params := url.Values{}
	params.Set("market", g.NativeSymbol(req.Symbol))
	if req.Side == common.SideBuy {
		params.Set("side", "bid")
	} else {
		params.Set("side", "ask")
	}

	switch {
	case req.Type == common.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("price", fstr(SnapPrice(req.Price)))
		params.Set("volume", fstr(req.Qty))
	case req.Side == common.SideBuy:
		// Market buy spends a KRW amount, not a base volume.
		if req.Price <= 0 {
			return common.OrderResult{}, common.NewError(common.ExchangeUpbit, common.KindInvalidOrder,
				errors.New("market buy needs a reference price"))
		}
		params.Set("ord_type", "price")
		params.Set("price", fstr(req.Qty*req.Price))
	default:
		params.Set("ord_type", "market")
		params.Set("volume", fstr(req.Qty))
	}
	if req.ClientID != "" {
		params.Set("identifier", req.ClientID)
	}

	var res restOrder
	if err := g.call(ctx, http.MethodPost, "/v1/orders", params, &res); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		ExchangeOrderID: res.UUID,
		Status:          normalizeState(res.State),
		ClientID:        req.ClientID,
	}, nil
}

// CancelOrder cancels one order; an already-gone order is not an error.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	err := g.call(ctx, http.MethodDelete, "/v1/order", params, nil)
	var ee *common.Error
	if errors.As(err, &ee) && strings.Contains(ee.Error(), "order_not_found") {
		return nil
	}
	return err
}

// CancelAllOrders cancels the symbol's open orders one by one; Upbit
// has no bulk cancel.
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := g.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if err := g.CancelOrder(ctx, symbol, o.ExchangeOrderID); err != nil {
			return err
		}
	}
	return nil
}

// FetchOrder returns the authoritative state of one order.
func (g *Gateway) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	var res restOrder
	if err := g.call(ctx, http.MethodGet, "/v1/order", params, &res); err != nil {
		return common.OrderState{}, err
	}
	return res.toState(), nil
}

// FetchOpenOrders lists waiting orders; empty symbol means all markets.
func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("market", g.NativeSymbol(symbol))
	}
	params.Set("states[]", "wait")
	var res []restOrder
	if err := g.call(ctx, http.MethodGet, "/v1/orders/open", params, &res); err != nil {
		return nil, err
	}
	states := make([]common.OrderState, 0, len(res))
	for _, o := range res {
		states = append(states, o.toState())
	}
	return states, nil
}

// FetchBalance returns account holdings.
func (g *Gateway) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	var res []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := g.call(ctx, http.MethodGet, "/v1/accounts", nil, &res); err != nil {
		return nil, err
	}
	balances := make([]common.Balance, 0, len(res))
	for _, b := range res {
		balances = append(balances, common.Balance{
			Asset: b.Currency, Free: fnum(b.Balance), Locked: fnum(b.Locked),
		})
	}
	return balances, nil
}

// FetchPositions is empty; spot holdings are balances.
func (g *Gateway) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	return nil, nil
}

// FetchTicker returns the latest traded price.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("markets", g.NativeSymbol(symbol))
	var res []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := g.call(ctx, http.MethodGet, "/v1/ticker", params, &res); err != nil {
		return common.Ticker{}, err
	}
	if len(res) == 0 {
		return common.Ticker{}, common.NewError(common.ExchangeUpbit, common.KindInvalidOrder,
			fmt.Errorf("no ticker for %s", symbol))
	}
	return common.Ticker{Symbol: symbol, Last: res[0].TradePrice}, nil
}

// LoadMarkets lists KRW markets. Upbit's price tick is rule-driven by
// price band rather than per-symbol, so TickSize stays zero and
// callers snap prices with TickFor.
func (g *Gateway) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	var res []struct {
		Market string `json:"market"`
	}
	if err := g.call(ctx, http.MethodGet, "/v1/market/all", nil, &res); err != nil {
		return nil, err
	}
	filters := make(map[string]common.SymbolFilter, len(res))
	for _, m := range res {
		if !strings.HasPrefix(m.Market, "KRW-") {
			continue
		}
		filters[m.Market] = common.SymbolFilter{
			StepSize:    1e-8,
			MinNotional: 5000, // KRW minimum order amount
		}
	}
	return filters, nil
}

// SnapPrice floors a KRW price onto its band's tick grid.
func SnapPrice(price float64) float64 {
	tick := TickFor(price)
	return float64(int64(price/tick)) * tick
}

// TickFor returns the KRW price tick for a price band.
func TickFor(price float64) float64 {
	switch {
	case price >= 2_000_000:
		return 1000
	case price >= 1_000_000:
		return 500
	case price >= 500_000:
		return 100
	case price >= 100_000:
		return 50
	case price >= 10_000:
		return 10
	case price >= 1_000:
		return 1
	case price >= 100:
		return 0.1
	case price >= 10:
		return 0.01
	case price >= 1:
		return 0.001
	case price >= 0.1:
		return 0.0001
	}
	return 0.00001
}
