package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	bnc "github.com/adshao/go-binance/v2/common"

	"tradegate/pkg/exchanges/common"
)

// Spot is the spot-market gateway for one account.
type Spot struct {
	client *gobinance.Client
	limits *common.Limits
}

// NewSpot builds a spot gateway from decrypted credentials.
func NewSpot(creds common.Credentials, safety float64) (common.Gateway, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("binance spot: missing api credentials")
	}
	gobinance.UseTestnet = creds.Testnet
	client := gobinance.NewClient(creds.APIKey, creds.APISecret)

	limits := common.NewLimits(safety)
	// Documented ceilings: 100 orders / 10s, 6000 request weight / min.
	limits.Register("order", 10, 5)
	limits.Register("query", 20, 10)

	return &Spot{client: client, limits: limits}, nil
}

func (s *Spot) Name() common.Exchange     { return common.ExchangeBinance }
func (s *Spot) Market() common.MarketType { return common.MarketSpot }

func (s *Spot) NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func spotOrderType(t common.OrderType) gobinance.OrderType {
	switch t {
	case common.OrderTypeLimit:
		return gobinance.OrderTypeLimit
	case common.OrderTypeStopLimit:
		return gobinance.OrderTypeStopLossLimit
	case common.OrderTypeStopMarket:
		return gobinance.OrderTypeStopLoss
	default:
		return gobinance.OrderTypeMarket
	}
}

// CreateOrder places one order and returns the exchange ack.
func (s *Spot) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := s.limits.Wait(ctx, "order"); err != nil {
		return common.OrderResult{}, err
	}

	svc := s.client.NewCreateOrderService().
		Symbol(s.NativeSymbol(req.Symbol)).
		Side(gobinance.SideType(req.Side)).
		Type(spotOrderType(req.Type)).
		Quantity(fstr(req.Qty))

	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	switch req.Type {
	case common.OrderTypeLimit:
		svc = svc.TimeInForce(gobinance.TimeInForceTypeGTC).Price(fstr(req.Price))
	case common.OrderTypeStopLimit:
		svc = svc.TimeInForce(gobinance.TimeInForceTypeGTC).
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
func (s *Spot) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := s.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance spot: bad order id %q: %w", exchangeOrderID, err)
	}
	_, err = s.client.NewCancelOrderService().
		Symbol(s.NativeSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *bnc.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return wrapBinanceErr(err)
	}
	return nil
}

// CancelAllOrders cancels everything open on one symbol.
func (s *Spot) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := s.limits.Wait(ctx, "order"); err != nil {
		return err
	}
	_, err := s.client.NewCancelOpenOrdersService().
		Symbol(s.NativeSymbol(symbol)).Do(ctx)
	return wrapBinanceErr(err)
}

// FetchOrder returns the authoritative state of one order.
func (s *Spot) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	if err := s.limits.Wait(ctx, "query"); err != nil {
		return common.OrderState{}, err
	}
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return common.OrderState{}, fmt.Errorf("binance spot: bad order id %q: %w", exchangeOrderID, err)
	}
	o, err := s.client.NewGetOrderService().
		Symbol(s.NativeSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return common.OrderState{}, wrapBinanceErr(err)
	}
	return spotOrderState(o), nil
}

func spotOrderState(o *gobinance.Order) common.OrderState {
	filled := fnum(o.ExecutedQuantity)
	avg := 0.0
	if quote := fnum(o.CummulativeQuoteQuantity); filled > 0 && quote > 0 {
		avg = quote / filled
	}
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(o.Side),
		Status:          normalizeStatus(string(o.Status)),
		Price:           fnum(o.Price),
		Qty:             fnum(o.OrigQuantity),
		FilledQty:       filled,
		AvgPrice:        avg,
	}
}

// FetchOpenOrders lists open orders; empty symbol means all symbols.
func (s *Spot) FetchOpenOrders(ctx context.Context, symbol string) ([]common.OrderState, error) {
	if err := s.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	svc := s.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(s.NativeSymbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	res := make([]common.OrderState, 0, len(orders))
	for _, o := range orders {
		res = append(res, spotOrderState(o))
	}
	return res, nil
}

// FetchBalance returns nonzero spot asset balances.
func (s *Spot) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	if err := s.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	acct, err := s.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	var res []common.Balance
	for _, b := range acct.Balances {
		free := fnum(b.Free)
		locked := fnum(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		res = append(res, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return res, nil
}

// FetchPositions is empty on spot; holdings are just balances.
func (s *Spot) FetchPositions(ctx context.Context) ([]common.PositionState, error) {
	return nil, nil
}

// FetchTicker returns the latest traded price.
func (s *Spot) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	if err := s.limits.Wait(ctx, "query"); err != nil {
		return common.Ticker{}, err
	}
	prices, err := s.client.NewListPricesService().
		Symbol(s.NativeSymbol(symbol)).Do(ctx)
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
func (s *Spot) LoadMarkets(ctx context.Context) (map[string]common.SymbolFilter, error) {
	if err := s.limits.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	res := make(map[string]common.SymbolFilter, len(info.Symbols))
	for _, sym := range info.Symbols {
		var flt common.SymbolFilter
		if lot := sym.LotSizeFilter(); lot != nil {
			flt.MinQty = fnum(lot.MinQuantity)
			flt.MaxQty = fnum(lot.MaxQuantity)
			flt.StepSize = fnum(lot.StepSize)
		}
		if pf := sym.PriceFilter(); pf != nil {
			flt.MinPrice = fnum(pf.MinPrice)
			flt.MaxPrice = fnum(pf.MaxPrice)
			flt.TickSize = fnum(pf.TickSize)
		}
		if mn := sym.NotionalFilter(); mn != nil {
			flt.MinNotional = fnum(mn.MinNotional)
		}
		res[sym.Symbol] = flt
	}
	return res, nil
}

// StreamUserEvents opens the spot user-data stream with listen-key
// keepalive and reconnects until ctx is canceled.
func (s *Spot) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	listenKey, err := s.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	out := make(chan common.OrderUpdate, 256)
	go s.runStream(ctx, listenKey, out)
	return out, nil
}

func (s *Spot) runStream(ctx context.Context, listenKey string, out chan<- common.OrderUpdate) {
	defer close(out)

	keepalive := time.NewTicker(listenKeyRefresh)
	defer keepalive.Stop()

	for ctx.Err() == nil {
		doneC, stopC, err := gobinance.WsUserDataServe(listenKey,
			func(event *gobinance.WsUserDataEvent) {
				if event.Event != gobinance.UserDataEventTypeExecutionReport {
					return
				}
				u := spotUpdateFromWs(event.OrderUpdate)
				select {
				case out <- u:
				case <-ctx.Done():
				}
			},
			func(err error) {
				log.Printf("binance spot stream error: %v", err)
			})
		if err != nil {
			log.Printf("binance spot stream connect: %v", err)
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
				if err := s.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kctx); err != nil {
					log.Printf("binance spot listen key keepalive: %v", err)
					if lk, lerr := s.client.NewStartUserStreamService().Do(kctx); lerr == nil {
						listenKey = lk
						cancel()
						close(stopC)
						break inner
					}
				}
				cancel()
			case <-doneC:
				break inner
			}
		}
	}
}

func spotUpdateFromWs(o gobinance.WsOrderUpdate) common.OrderUpdate {
	filled := fnum(o.FilledVolume)
	avg := 0.0
	if quote := fnum(o.FilledQuoteVolume); filled > 0 && quote > 0 {
		avg = quote / filled
	}
	u := common.OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(o.Id, 10),
		ClientID:        o.ClientOrderId,
		Symbol:          o.Symbol,
		Status:          normalizeStatus(o.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
	}
	if o.TradeId > 0 && fnum(o.LatestVolume) > 0 {
		u.Trade = &common.Fill{
			ExchangeTradeID: fmt.Sprintf("%s-%d", o.Symbol, o.TradeId),
			ExchangeOrderID: u.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Qty:             fnum(o.LatestVolume),
			Price:           fnum(o.LatestPrice),
			Commission:      fnum(o.FeeCost),
			CommissionAsset: o.FeeAsset,
			IsMaker:         o.IsMaker,
		}
	}
	return u
}
