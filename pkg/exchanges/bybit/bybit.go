// Package bybit implements the v5 REST and private WebSocket API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

	"tradegate/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
)

// Gateway talks to Bybit v5 for one account and market category.
type Gateway struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	market    common.MarketType
	category  string
	http      *http.Client
	limits    *common.Limits
}

// New builds a Bybit gateway for the given market type.
func New(market common.MarketType) common.Factory {
	return func(creds common.Credentials, safety float64) (common.Gateway, error) {
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, errors.New("bybit: missing api credentials")
		}
		base, ws := mainnetURL, wsMainnet
		if creds.Testnet {
			base, ws = testnetURL, wsTestnet
		}
		category := "linear"
		if market == common.MarketSpot {
			category = "spot"
		}
		limits := common.NewLimits(safety)
		// v5 order endpoints allow 10 req/s per key.
		limits.Register("order", 10, 5)
		limits.Register("query", 10, 10)
		return &Gateway{
			apiKey:    creds.APIKey,
			apiSecret: creds.APISecret,
			baseURL:   base,
			wsURL:     ws,
			market:    market,
			category:  category,
			http:      &http.Client{Timeout: 15 * time.Second},
			limits:    limits,
		}, nil
	}
}

func (g *Gateway) Name() common.Exchange     { return common.ExchangeBybit }
func (g *Gateway) Market() common.MarketType { return g.market }

func (g *Gateway) NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (g *Gateway) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(g.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// call signs and performs one v5 request. GET params go in the query
// string, everything else in the JSON body; both feed the signature.
func (g *Gateway) call(ctx context.Context, method, path string, params map[string]any, result any) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var req *http.Request
	var err error
	if method == http.MethodGet {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		query := q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path+"?"+query, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-BAPI-SIGN", g.sign(ts+g.apiKey+recvWindow+query))
	} else {
		body, merr := json.Marshal(params)
		if merr != nil {
			return merr
		}
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-BAPI-SIGN", g.sign(ts+g.apiKey+recvWindow+string(body)))
	}
	req.Header.Set("X-BAPI-API-KEY", g.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)

	resp, err := g.http.Do(req)
	if err != nil {
		return common.NewError(common.ExchangeBybit, common.KindNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.NewError(common.ExchangeBybit, common.KindNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := common.ClassifyHTTP(resp.StatusCode, string(raw))
		return common.NewError(common.ExchangeBybit, kind,
			fmt.Errorf("http %d: %s", resp.StatusCode, raw))
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("bybit: decode response: %w", err)
	}
	if envelope.RetCode != 0 {
		return common.NewError(common.ExchangeBybit, classifyRetCode(envelope.RetCode, envelope.RetMsg),
			fmt.Errorf("retCode %d: %s", envelope.RetCode, envelope.RetMsg))
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("bybit: decode result: %w", err)
		}
	}
	return nil
}

func classifyRetCode(code int, msg string) common.ErrorKind {
	switch code {
	case 10002, 10003, 10004, 33004:
		return common.KindAuth
	case 10006, 10018:
		return common.KindRateLimit
	case 110004, 110007, 110012, 110045:
		return common.KindInsufficientFunds
	case 110001, 110003, 110009, 110017, 110094:
		return common.KindInvalidOrder
	}
	return common.ClassifyHTTP(0, msg)
}

func bybitOrderType(t common.OrderType) (orderType string, stop bool) {
	switch t {
	case common.OrderTypeLimit:
		return "Limit", false
	case common.OrderTypeStopLimit:
		return "Limit", true
	case common.OrderTypeStopMarket:
		return "Market", true
	default:
		return "Market", false
	}
}

func bybitSide(s common.Side) string {
	if s == common.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func normalizeStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered", "Created":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
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

// CreateOrder places one order and returns the exchange ack.
func (g *Gateway) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := g.limits.Wait(ctx, "order"); err != nil {
		return common.OrderResult{}, err
	}

	orderType, stop := bybitOrderType(req.Type)
	params := map[string]any{
		"category":  g.category,
		"symbol":    g.NativeSymbol(req.Symbol),
		"side":      bybitSide(req.Side),
		"orderType": orderType,
		"qty":       fstr(req.Qty),
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}
	if orderType == "Limit" {
		params["price"] = fstr(req.Price)
		params["timeInForce"] = "GTC"
	}
	if stop {
		params["triggerPrice"] = fstr(req.StopPrice)
		if g.category == "linear" {
			// 1 = rises to trigger, 2 = falls to trigger
			dir := 1
			if req.Side == common.SideSell {
				dir = 2
			}
			params["triggerDirection"] = dir
		} else {
			params["orderFilter"] = "StopOrder"
		}
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := g.call(ctx, http.MethodPost, "/v5/order/create", params, &res); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		ExchangeOrderID: res.OrderID,
		Status:          common.StatusNew,
		ClientID:        res.OrderLinkID,
	}, nil
}

// CancelOrder cancels one order; an already-gone order is not an error.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	err := g.call(ctx, http.MethodPost, "/v5/order/cancel", map[string]any{
		"category": g.category,
		"symbol":   g.NativeSymbol(symbol),
		"orderId":  exchangeOrderID,
	}, nil)
	var ee *common.Error
	if errors.As(err, &ee) && strings.Contains(ee.Error(), "110001") {
		return nil // order not exists or too late to cancel
	}
	return err
}

// CancelAllOrders cancels everything open on one symbol.
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := g.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	return g.call(ctx, http.MethodPost, "/v5/order/cancel-all", map[string]any{
		"category": g.category,
		"symbol":   g.NativeSymbol(symbol),
	}, nil)
}

type restOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

func (o restOrder) toState() common.OrderState {
	side := common.SideBuy
	if o.Side == "Sell" {
		side = common.SideSell
	}
	return common.OrderState{
		ExchangeOrderID: o.OrderID,
		ClientID:        o.OrderLinkID,
		Symbol:          o.Symbol,
		Side:            side,
		Status:          normalizeStatus(o.OrderStatus),
		Price:           fnum(o.Price),
		Qty:             fnum(o.Qty),
		FilledQty:       fnum(o.CumExecQty),
		AvgPrice:        fnum(o.AvgPrice),
	}
}

// FetchOrder queries realtime first, then order history; filled orders
// leave the realtime window quickly.
func (g *Gateway) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return common.OrderState{}, err
	}
	params := map[string]any{
		"category": g.category,
		"symbol":   g.NativeSymbol(symbol),
		"orderId":  exchangeOrderID,
	}
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res struct {
			List []restOrder `json:"list"`
		}
		if err := g.call(ctx, http.MethodGet, path, params, &res); err != nil {
			return common.OrderState{}, err
		}
		if len(res.List) > 0 {
			return res.List[0].toState(), nil
		}
	}
	return common.OrderState{}, common.NewError(common.ExchangeBybit, common.KindInvalidOrder,
		fmt.Errorf("order %s not found", exchangeOrderID))
}

// FetchOpenOrders lists open orders; empty symbol means all symbols.
func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	params := map[string]any{"category": g.category}
	if symbol != "" {
		params["symbol"] = g.NativeSymbol(symbol)
	} else if g.category == "linear" {
		params["settleCoin"] = "USDT"
	}
	var res struct {
		List []restOrder `json:"list"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/order/realtime", params, &res); err != nil {
		return nil, err
	}
	states := make([]common.OrderState, 0, len(res.List))
	for _, o := range res.List {
		states = append(states, o.toState())
	}
	return states, nil
}

// FetchBalance returns nonzero unified-account coin balances.
func (g *Gateway) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				AvailableToDraw string `json:"availableToWithdraw"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	err := g.call(ctx, http.MethodGet, "/v5/account/wallet-balance",
		map[string]any{"accountType": "UNIFIED"}, &res)
	if err != nil {
		return nil, err
	}
	var balances []common.Balance
	for _, acct := range res.List {
		for _, c := range acct.Coin {
			total := fnum(c.WalletBalance)
			if total == 0 {
				continue
			}
			locked := fnum(c.Locked)
			balances = append(balances, common.Balance{
				Asset: c.Coin, Free: total - locked, Locked: locked,
			})
		}
	}
	return balances, nil
}

// FetchPositions returns nonzero linear positions; empty on spot.
func (g *Gateway) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	if g.category != "linear" {
		return nil, nil
	}
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	err := g.call(ctx, http.MethodGet, "/v5/position/list",
		map[string]any{"category": g.category, "settleCoin": "USDT"}, &res)
	if err != nil {
		return nil, err
	}
	var positions []common.PositionState
	for _, p := range res.List {
		qty := fnum(p.Size)
		if qty == 0 {
			continue
		}
		if p.Side == "Sell" {
			qty = -qty
		}
		positions = append(positions, common.PositionState{
			Symbol:        p.Symbol,
			Qty:           qty,
			EntryPrice:    fnum(p.AvgPrice),
			MarkPrice:     fnum(p.MarkPrice),
			UnrealizedPnL: fnum(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// FetchTicker returns the latest traded price with best bid/ask.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return common.Ticker{}, err
	}
	var res struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	err := g.call(ctx, http.MethodGet, "/v5/market/tickers",
		map[string]any{"category": g.category, "symbol": g.NativeSymbol(symbol)}, &res)
	if err != nil {
		return common.Ticker{}, err
	}
	if len(res.List) == 0 {
		return common.Ticker{}, common.NewError(common.ExchangeBybit, common.KindInvalidOrder,
			fmt.Errorf("no ticker for %s", symbol))
	}
	t := res.List[0]
	return common.Ticker{
		Symbol: symbol,
		Last:   fnum(t.LastPrice),
		Bid:    fnum(t.Bid1Price),
		Ask:    fnum(t.Ask1Price),
	}, nil
}

// LoadMarkets fetches per-symbol lot and price rules.
func (g *Gateway) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	if err := g.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
				QtyStep     string `json:"qtyStep"`
				MinOrderAmt string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				MinPrice string `json:"minPrice"`
				MaxPrice string `json:"maxPrice"`
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	err := g.call(ctx, http.MethodGet, "/v5/market/instruments-info",
		map[string]any{"category": g.category, "limit": 1000}, &res)
	if err != nil {
		return nil, err
	}
	filters := make(map[string]common.SymbolFilter, len(res.List))
	for _, s := range res.List {
		filters[s.Symbol] = common.SymbolFilter{
			MinQty:      fnum(s.LotSizeFilter.MinOrderQty),
			MaxQty:      fnum(s.LotSizeFilter.MaxOrderQty),
			StepSize:    fnum(s.LotSizeFilter.QtyStep),
			MinPrice:    fnum(s.PriceFilter.MinPrice),
			MaxPrice:    fnum(s.PriceFilter.MaxPrice),
			TickSize:    fnum(s.PriceFilter.TickSize),
			MinNotional: fnum(s.LotSizeFilter.MinOrderAmt),
		}
	}
	return filters, nil
}
