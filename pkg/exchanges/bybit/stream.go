package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/pkg/exchanges/common"
)

const (
	wsMainnet = "wss://stream.bybit.com/v5/private"
	wsTestnet = "wss://stream-testnet.bybit.com/v5/private"

	wsPingInterval = 20 * time.Second
	wsReadLimit    = 1 << 20
)

type wsCommand struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

type wsEnvelope struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

type wsOrderEvent struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
}

type wsExecEvent struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	IsMaker     bool   `json:"isMaker"`
	ClosedPnl   string `json:"closedPnl"`
}

// StreamUserEvents connects the private stream, authenticates, and
// subscribes to order and execution topics, reconnecting until ctx is
// canceled.
func (g *Gateway) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	out := make(chan common.OrderUpdate, 256)
	go g.runStream(ctx, out)
	return out, nil
}

func (g *Gateway) runStream(ctx context.Context, out chan<- common.OrderUpdate) {
	defer close(out)

	for ctx.Err() == nil {
		if err := g.streamOnce(ctx, out); err != nil && ctx.Err() == nil {
			log.Printf("bybit stream: %v", err)
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) streamOnce(ctx context.Context, out chan<- common.OrderUpdate) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	expires := time.Now().Add(10 * time.Second).UnixMilli()
	sig := g.sign("GET/realtime" + strconv.FormatInt(expires, 10))
	if err := conn.WriteJSON(wsCommand{Op: "auth", Args: []any{g.apiKey, expires, sig}}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := conn.WriteJSON(wsCommand{Op: "subscribe", Args: []any{"order", "execution"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(wsCommand{Op: "ping"}); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if env.Success != nil && !*env.Success {
			return fmt.Errorf("%s rejected: %s", env.Op, env.RetMsg)
		}
		switch env.Topic {
		case "order":
			var events []wsOrderEvent
			if err := json.Unmarshal(env.Data, &events); err != nil {
				log.Printf("bybit stream: decode order event: %v", err)
				continue
			}
			for _, e := range events {
				u := common.OrderUpdate{
					ExchangeOrderID: e.OrderID,
					ClientID:        e.OrderLinkID,
					Symbol:          e.Symbol,
					Status:          normalizeStatus(e.OrderStatus),
					FilledQty:       fnum(e.CumExecQty),
					AvgPrice:        fnum(e.AvgPrice),
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case "execution":
			var events []wsExecEvent
			if err := json.Unmarshal(env.Data, &events); err != nil {
				log.Printf("bybit stream: decode execution event: %v", err)
				continue
			}
			for _, e := range events {
				side := common.SideBuy
				if e.Side == "Sell" {
					side = common.SideSell
				}
				u := common.OrderUpdate{
					ExchangeOrderID: e.OrderID,
					ClientID:        e.OrderLinkID,
					Symbol:          e.Symbol,
					Status:          common.StatusUnknown, // order topic carries status
					Trade: &common.Fill{
						ExchangeTradeID: e.ExecID,
						ExchangeOrderID: e.OrderID,
						Symbol:          e.Symbol,
						Side:            side,
						Qty:             fnum(e.ExecQty),
						Price:           fnum(e.ExecPrice),
						Commission:      fnum(e.ExecFee),
						CommissionAsset: e.FeeCurrency,
						IsMaker:         e.IsMaker,
						RealizedPnL:     fnum(e.ClosedPnl),
					},
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
