// Package binance adapts Binance spot and USD-M futures to the
// canonical gateway interface using the official adshao client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	bnc "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradegate/pkg/exchanges/common"
)

const listenKeyRefresh = 30 * time.Minute

// Futures is the USD-M futures gateway for one account.
type Futures struct {
	client *futures.Client
	limits *common.Limits
}

// NewFutures builds a futures gateway from decrypted credentials.
func NewFutures(creds common.Credentials, safety float64) (common.Gateway, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("binance futures: missing api credentials")
	}
	futures.UseTestnet = creds.Testnet
	client := futures.NewClient(creds.APIKey, creds.APISecret)

	limits := common.NewLimits(safety)
	// Documented ceilings: 300 orders / 10s, 2400 request weight / min.
	limits.Register("order", 30, 5)
	limits.Register("query", 20, 10)

	return &Futures{client: client, limits: limits}, nil
}

func (f *Futures) Name() common.Exchange     { return common.ExchangeBinance }
func (f *Futures) Market() common.MarketType { return common.MarketFutures }

// NativeSymbol flattens BASE/QUOTE into Binance's concatenated form.
func (f *Futures) NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func wrapBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *bnc.APIError
	if errors.As(err, &apiErr) {
		kind := classifyBinanceCode(apiErr.Code, apiErr.Message)
		return common.NewError(common.ExchangeBinance, kind, err)
	}
	return common.NewError(common.ExchangeBinance, common.KindOf(err), err)
}

// classifyBinanceCode maps the shared Binance error codes both markets use.
func classifyBinanceCode(code int64, msg string) common.ErrorKind {
	switch code {
	case -1003, -1015:
		return common.KindRateLimit
	case -2014, -2015, -1022:
		return common.KindAuth
	case -2019:
		return common.KindInsufficientFunds
	case -1013, -1111, -1121, -2010, -4164:
		return common.KindInvalidOrder
	}
	return common.ClassifyHTTP(0, msg)
}

func futuresOrderType(t common.OrderType) futures.OrderType {
	switch t {
	case common.OrderTypeLimit:
		return futures.OrderTypeLimit
	case common.OrderTypeStopLimit:
		return futures.OrderTypeStop
	case common.OrderTypeStopMarket:
		return futures.OrderTypeStopMarket
	default:
		return futures.OrderTypeMarket
	}
}

func normalizeStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
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
func (f *Futures) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := f.limits.Wait(ctx, "order"); err != nil {
		return common.OrderResult{}, err
	}

	svc := f.client.NewCreateOrderService().
		Symbol(f.NativeSymbol(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futuresOrderType(req.Type)).
		Quantity(fstr(req.Qty))

	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	switch req.Type {
	case common.OrderTypeLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(fstr(req.Price))
	case common.OrderTypeStopLimit:
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).
			Price(fstr(req.Price)).StopPrice(fstr(req.StopPrice))
	case common.OrderTypeStopMarket:
		svc = svc.StopPrice(fstr(req.StopPrice))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return common.OrderResult{}, wrapBinanceErr(err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          normalizeStatus(string(resp.Status)),
		ClientID:        resp.ClientOrderID,
	}, nil
}

// CancelOrder cancels one order; an already-gone order is not an error.
func (f *Futures) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := f.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance futures: bad order id %q: %w", exchangeOrderID, err)
	}
	_, err = f.client.NewCancelOrderService().
		Symbol(f.NativeSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *bnc.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil // unknown order, already terminal
		}
		return wrapBinanceErr(err)
	}
	return nil
}

// CancelAllOrders cancels everything open on one symbol.
func (f *Futures) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := f.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	err := f.client.NewCancelAllOpenOrdersService().
		Symbol(f.NativeSymbol(symbol)).Do(ctx)
	return wrapBinanceErr(err)
}

// FetchOrder returns the authoritative state of one order.
func (f *Futures) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return common.OrderState{}, err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return common.OrderState{}, fmt.Errorf("binance futures: bad order id %q: %w", exchangeOrderID, err)
	}
	o, err := f.client.NewGetOrderService().
		Symbol(f.NativeSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return common.OrderState{}, wrapBinanceErr(err)
	}
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(o.Side),
		Status:          normalizeStatus(string(o.Status)),
		Price:           fnum(o.Price),
		Qty:             fnum(o.OrigQuantity),
		FilledQty:       fnum(o.ExecutedQuantity),
		AvgPrice:        fnum(o.AvgPrice),
	}, nil
}

// FetchOpenOrders lists open orders; empty symbol means all symbols.
func (f *Futures) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	svc := f.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(f.NativeSymbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	res := make([]common.OrderState, 0, len(orders))
	for _, o := range orders {
		res = append(res, common.OrderState{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientID:        o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Status:          normalizeStatus(string(o.Status)),
			Price:           fnum(o.Price),
			Qty:             fnum(o.OrigQuantity),
			FilledQty:       fnum(o.ExecutedQuantity),
			AvgPrice:        fnum(o.AvgPrice),
		})
	}
	return res, nil
}

// FetchBalance returns nonzero futures asset balances.
func (f *Futures) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	balances, err := f.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	var res []common.Balance
	for _, b := range balances {
		total := fnum(b.Balance)
		avail := fnum(b.AvailableBalance)
		if total == 0 {
			continue
		}
		res = append(res, common.Balance{Asset: b.Asset, Free: avail, Locked: total - avail})
	}
	return res, nil
}

// FetchPositions returns nonzero positions with mark prices.
func (f *Futures) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	positions, err := f.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	var res []common.PositionState
	for _, p := range positions {
		qty := fnum(p.PositionAmt)
		if qty == 0 {
			continue
		}
		res = append(res, common.PositionState{
			Symbol:        p.Symbol,
			Qty:           qty,
			EntryPrice:    fnum(p.EntryPrice),
			MarkPrice:     fnum(p.MarkPrice),
			UnrealizedPnL: fnum(p.UnRealizedProfit),
		})
	}
	return res, nil
}

// FetchTicker returns the latest traded price.
func (f *Futures) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return common.Ticker{}, err
	}
	prices, err := f.client.NewListPricesService().
		Symbol(f.NativeSymbol(symbol)).Do(ctx)
	if err != nil {
		return common.Ticker{}, wrapBinanceErr(err)
	}
	if len(prices) == 0 {
		return common.Ticker{}, common.NewError(common.ExchangeBinance, common.KindInvalidOrder,
			fmt.Errorf("no ticker for %s", symbol))
	}
	return common.Ticker{Symbol: symbol, Last: fnum(prices[0].Price)}, nil
}

// LoadMarkets fetches per-symbol precision rules from exchange info.
func (f *Futures) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	if err := f.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	res := make(map[string]common.SymbolFilter, len(info.Symbols))
	for _, s := range info.Symbols {
		var flt common.SymbolFilter
		if lot := s.LotSizeFilter(); lot != nil {
			flt.MinQty = fnum(lot.MinQuantity)
			flt.MaxQty = fnum(lot.MaxQuantity)
			flt.StepSize = fnum(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			flt.MinPrice = fnum(pf.MinPrice)
			flt.MaxPrice = fnum(pf.MaxPrice)
			flt.TickSize = fnum(pf.TickSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			flt.MinNotional = fnum(mn.Notional)
		}
		res[s.Symbol] = flt
	}
	return res, nil
}

// StreamUserEvents opens the user-data stream, refreshing the listen
// key on a timer and reconnecting until ctx is canceled.
func (f *Futures) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	listenKey, err := f.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	out := make(chan common.OrderUpdate, 256)
	go f.runStream(ctx, listenKey, out)
	return out, nil
}

func (f *Futures) runStream(ctx context.Context, listenKey string, out chan<- common.OrderUpdate) {
	defer close(out)

	keepalive := time.NewTicker(listenKeyRefresh)
	defer keepalive.Stop()

	for ctx.Err() == nil {
		doneC, stopC, err := futures.WsUserDataServe(listenKey,
			func(event *futures.WsUserDataEvent) {
				if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
					return
				}
				u := orderUpdateFromWs(event.OrderTradeUpdate)
				select {
				case out <- u:
				case <-ctx.Done():
				}
			},
			func(err error) {
				log.Printf("binance futures stream error: %v", err)
			})
		if err != nil {
			log.Printf("binance futures stream connect: %v", err)
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

	inner:
		for {
			select {
			case <-ctx.Done():
				close(stopC)
				return
			case <-keepalive.C:
				kctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := f.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kctx); err != nil {
					log.Printf("binance futures listen key keepalive: %v", err)
					if lk, lerr := f.client.NewStartUserStreamService().Do(kctx); lerr == nil {
						listenKey = lk
						cancel()
						close(stopC)
						break inner // reconnect on the new key
					}
				}
				cancel()
			case <-doneC:
				break inner
			}
		}
	}
}

func orderUpdateFromWs(o futures.WsOrderTradeUpdate) common.OrderUpdate {
	u := common.OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Status:          normalizeStatus(string(o.Status)),
		FilledQty:       fnum(o.AccumulatedFilledQty),
		AvgPrice:        fnum(o.AveragePrice),
	}
	if o.TradeID != 0 && fnum(o.LastFilledQty) > 0 {
		u.Trade = &common.Fill{
			ExchangeTradeID: fmt.Sprintf("%s-%d", o.Symbol, o.TradeID),
			ExchangeOrderID: u.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Qty:             fnum(o.LastFilledQty),
			Price:           fnum(o.LastFilledPrice),
			Commission:      fnum(o.Commission),
			CommissionAsset: o.CommissionAsset,
			IsMaker:         o.IsMaker,
			RealizedPnL:     fnum(o.RealizedPnL),
		}
	}
	return u
}
