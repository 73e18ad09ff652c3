package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradegate/pkg/exchanges/common"
)

const privateWSURL = "wss://api.upbit.com/websocket/v1/private"

type wsMyOrder struct {
	Type            string  `json:"type"`
	Code            string  `json:"code"`
	UUID            string  `json:"uuid"`
	AskBid          string  `json:"ask_bid"`
	State           string  `json:"state"`
	TradeUUID       string  `json:"trade_uuid"`
	Price           float64 `json:"price"`
	Volume          float64 `json:"volume"`
	ExecutedVolume  float64 `json:"executed_volume"`
	RemainingVolume float64 `json:"remaining_volume"`
	TradeFee        float64 `json:"trade_fee"`
	IsMaker         bool    `json:"is_maker"`
}

// StreamUserEvents connects the private myOrder stream with a fresh
// JWT per connection, reconnecting until ctx is canceled.
func (g *Gateway) StreamUserEvents(ctx context.Context) (<-chan common.OrderUpdate, error) {
	out := make(chan common.OrderUpdate, 256)
	go g.runStream(ctx, out)
	return out, nil
}

func (g *Gateway) runStream(ctx context.Context, out chan<- common.OrderUpdate) {
	defer close(out)

	for ctx.Err() == nil {
		if err := g.streamOnce(ctx, out); err != nil && ctx.Err() == nil {
			log.Printf("upbit stream: %v", err)
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) streamOnce(ctx context.Context, out chan<- common.OrderUpdate) error {
	tok, err := g.token("")
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + tok}}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, privateWSURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := []map[string]any{
		{"ticket": uuid.NewString()},
		{"type": "myOrder"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var ev wsMyOrder
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != "myOrder" {
			continue
		}

		side := common.SideSell
		if ev.AskBid == "BID" {
			side = common.SideBuy
		}
		u := common.OrderUpdate{
			ExchangeOrderID: ev.UUID,
			Symbol:          ev.Code,
			Status:          normalizeState(ev.State),
			FilledQty:       ev.ExecutedVolume,
			AvgPrice:        ev.Price,
		}
		if ev.State == "trade" && ev.TradeUUID != "" {
			u.Trade = &common.Fill{
				ExchangeTradeID: ev.TradeUUID,
				ExchangeOrderID: ev.UUID,
				Symbol:          ev.Code,
				Side:            side,
				Qty:             ev.Volume,
				Price:           ev.Price,
				Commission:      ev.TradeFee,
				CommissionAsset: "KRW",
				IsMaker:         ev.IsMaker,
			}
			// The stream leaves the order open until a done event.
			if ev.RemainingVolume == 0 {
				u.Status = common.StatusFilled
			}
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
