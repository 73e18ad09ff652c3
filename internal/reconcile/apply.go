package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/events"
	"tradegate/internal/signal"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// verifyTimeout bounds the REST check done before trusting a terminal
// stream event.
const verifyTimeout = 5 * time.Second

func localStatus(s common.OrderStatus) string {
	switch s {
	case common.StatusNew:
		return db.OrderNew
	case common.StatusOpen:
		return db.OrderOpen
	case common.StatusPartial:
		return db.OrderPartial
	case common.StatusFilled:
		return db.OrderFilled
	case common.StatusCanceled:
		return db.OrderCancelled
	case common.StatusRejected:
		return db.OrderRejected
	case common.StatusExpired:
		return db.OrderExpired
	}
	return ""
}

// orderScope resolves the strategy and owning account for one order row.
func (m *Manager) orderScope(ctx context.Context, o *db.Order) (strategyID int64, acct *db.Account, err error) {
	sa, err := m.DB.GetStrategyAccount(ctx, o.StrategyAccountID)
	if err != nil {
		return 0, nil, err
	}
	acct, err = m.DB.GetAccount(ctx, sa.AccountID)
	if err != nil {
		return 0, nil, err
	}
	return sa.StrategyID, acct, nil
}

// handleUpdate applies one normalized stream event.
func (m *Manager) handleUpdate(ctx context.Context, accountID int64, gw common.Gateway, u common.OrderUpdate) error {
	order, err := m.DB.GetOrderByExchangeID(ctx, u.ExchangeOrderID)
	if errors.Is(err, db.ErrNotFound) && u.ClientID != "" {
		// The ack may not have landed yet; the marker travels as the
		// client order id.
		order, err = m.DB.GetOrderByExchangeID(ctx, u.ClientID)
		if err == nil && strings.HasPrefix(order.ExchangeOrderID, "PENDING-") {
			if aerr := m.DB.MarkOrderOpen(ctx, order.ID, u.ExchangeOrderID); aerr == nil {
				order.ExchangeOrderID = u.ExchangeOrderID
				order.Status = db.OrderOpen
			}
		}
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil // not ours (manual trade or another system)
	}
	if err != nil {
		return err
	}

	strategyID, acct, err := m.orderScope(ctx, order)
	if err != nil {
		return err
	}

	if u.Trade != nil {
		if err := m.applyFill(ctx, order, strategyID, acct, u.Trade); err != nil {
			return err
		}
	}

	status := localStatus(u.Status)
	if status == "" {
		return nil // execution-only event; order topic carries status
	}

	if u.Status.Terminal() {
		return m.finalize(ctx, gw, order, strategyID, acct, status, u.FilledQty)
	}

	if status != order.Status || u.FilledQty != order.FilledQuantity {
		if err := m.DB.UpdateOrderFill(ctx, order.ID, status, u.FilledQty); err != nil {
			return err
		}
		order.Status = status
		order.FilledQuantity = u.FilledQty
		m.publishOrder(acct, strategyID, order)
	}
	return nil
}

// finalize verifies a terminal state over REST before removing the
// row. Verification failure leaves the row for the next poll cycle.
func (m *Manager) finalize(ctx context.Context, gw common.Gateway, order *db.Order, strategyID int64, acct *db.Account, status string, filledQty float64) error {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	state, err := gw.FetchOrder(vctx, order.Symbol, order.ExchangeOrderID)
	cancel()
	if err == nil && !state.Status.Terminal() {
		// Stream raced ahead of the venue's own view; wait.
		return nil
	}
	if err != nil && common.KindOf(err) != common.KindInvalidOrder {
		log.Printf("reconcile: verify order %d: %v", order.ID, err)
		return nil
	}
	if err == nil {
		status = localStatus(state.Status)
		filledQty = state.FilledQty
	}

	if err := m.DB.UpdateOrderFill(ctx, order.ID, status, filledQty); err != nil {
		return err
	}
	if err := m.DB.DeleteOrder(ctx, order.ID); err != nil {
		return err
	}
	order.Status = status
	order.FilledQuantity = filledQty
	m.publishOrder(acct, strategyID, order)
	return nil
}

// applyFill records a fill exactly once and emits trade and position
// events when it was new.
func (m *Manager) applyFill(ctx context.Context, order *db.Order, strategyID int64, acct *db.Account, fill *common.Fill) error {
	pnl, inserted, err := m.DB.ApplyFill(ctx, db.TradeExecution{
		StrategyAccountID: order.StrategyAccountID,
		ExchangeTradeID:   fill.ExchangeTradeID,
		ExchangeOrderID:   order.ExchangeOrderID,
		Symbol:            order.Symbol,
		Side:              string(fill.Side),
		Quantity:          fill.Qty,
		Price:             fill.Price,
		Commission:        fill.Commission,
		CommissionAsset:   fill.CommissionAsset,
		IsMaker:           fill.IsMaker,
		RealizedPnL:       fill.RealizedPnL,
	})
	if err != nil || !inserted {
		return err
	}

	m.Bus.Publish(acct.OwnerUserID, strategyID, events.TypeOrderUpdate, map[string]any{
		"event":        "trade_executed",
		"order_id":     order.ID,
		"symbol":       order.Symbol,
		"side":         fill.Side,
		"quantity":     fill.Qty,
		"price":        fill.Price,
		"realized_pnl": pnl,
		"account":      engine.AccountRef(acct),
	})

	if pos, perr := m.DB.GetPosition(ctx, order.StrategyAccountID, order.Symbol); perr == nil {
		event := "position_updated"
		if pos.Quantity == 0 {
			event = "position_closed"
		}
		m.Bus.Publish(acct.OwnerUserID, strategyID, events.TypePositionUpdate, map[string]any{
			"event":       event,
			"symbol":      pos.Symbol,
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
			"account":     engine.AccountRef(acct),
		})
	}
	return nil
}

func (m *Manager) publishOrder(acct *db.Account, strategyID int64, o *db.Order) {
	m.Bus.Publish(acct.OwnerUserID, strategyID, events.TypeOrderUpdate,
		engine.OrderPayload(engine.OrderEventName(o.Status), o, acct))
}

// pollAccount diffs the venue's open orders against local rows.
func (m *Manager) pollAccount(ctx context.Context, accountID int64) {
	gw, _, err := m.GatewayForAccount(ctx, accountID)
	if err != nil {
		log.Printf("reconcile: gateway for account %d: %v", accountID, err)
		return
	}

	open, err := gw.FetchOpenOrders(ctx, "")
	if err != nil {
		log.Printf("reconcile: fetch open orders account %d: %v", accountID, err)
		return
	}
	remote := make(map[string]common.OrderState, len(open))
	for _, s := range open {
		remote[s.ExchangeOrderID] = s
	}

	local, err := m.DB.ListActiveOrdersForAccount(ctx, accountID)
	if err != nil {
		log.Printf("reconcile: list local orders account %d: %v", accountID, err)
		return
	}

	for i := range local {
		o := &local[i]
		if o.Status == db.OrderPending || o.Status == db.OrderCancelling {
			continue // sweeper territory
		}

		state, onBook := remote[o.ExchangeOrderID]
		if onBook {
			if state.FilledQty != o.FilledQuantity {
				status := localStatus(state.Status)
				if err := m.DB.UpdateOrderFill(ctx, o.ID, status, state.FilledQty); err != nil {
					log.Printf("reconcile: drift update %d: %v", o.ID, err)
					continue
				}
				if strategyID, acct, serr := m.orderScope(ctx, o); serr == nil {
					o.Status = status
					o.FilledQuantity = state.FilledQty
					m.publishOrder(acct, strategyID, o)
				}
			}
			continue
		}

		// DB-only: the order left the book without a stream event.
		state, err := gw.FetchOrder(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil {
			log.Printf("reconcile: refetch order %d: %v", o.ID, err)
			continue
		}
		if !state.Status.Terminal() {
			continue
		}
		strategyID, acct, serr := m.orderScope(ctx, o)
		if serr != nil {
			continue
		}
		if err := m.finalize(ctx, gw, o, strategyID, acct,
			localStatus(state.Status), state.FilledQty); err != nil {
			log.Printf("reconcile: finalize order %d: %v", o.ID, err)
		}
	}

	// Exchange-only: live orders the DB has no row for, placed outside
	// this process or lost between insert and ack. Marker client ids are
	// the sweeper's to adopt; everything else gets an OPEN row.
	known := make(map[string]bool, len(local))
	for i := range local {
		known[local[i].ExchangeOrderID] = true
	}
	for _, state := range open {
		if known[state.ExchangeOrderID] || strings.HasPrefix(state.ClientID, "PENDING-") {
			continue
		}
		m.adoptExternal(ctx, accountID, gw, state)
	}
}

// adoptExternal inserts an OPEN row for an order seen only at the
// venue. The unique exchange_order_id index makes the insert
// idempotent against a racing stream event.
func (m *Manager) adoptExternal(ctx context.Context, accountID int64, gw common.Gateway, state common.OrderState) {
	if _, err := m.DB.GetOrderByExchangeID(ctx, state.ExchangeOrderID); err == nil {
		return
	}

	sa, err := m.DB.FirstActiveStrategyAccountForAccount(ctx, accountID)
	if err != nil {
		log.Printf("reconcile: no edge to adopt order %s on account %d: %v",
			state.ExchangeOrderID, accountID, err)
		return
	}

	status := localStatus(state.Status)
	if status == "" {
		status = db.OrderOpen
	}
	row := db.Order{
		StrategyAccountID: sa.ID,
		Symbol:            signal.CanonicalSymbol(state.Symbol),
		Side:              string(state.Side),
		OrderType:         string(state.Type),
		Quantity:          state.Qty,
		FilledQuantity:    state.FilledQty,
		MarketType:        string(gw.Market()),
		Status:            status,
		ExchangeOrderID:   state.ExchangeOrderID,
	}
	if state.Price > 0 {
		row.Price = sql.NullFloat64{Float64: state.Price, Valid: true}
	}

	id, err := m.DB.CreateOrder(ctx, row)
	if err != nil {
		// Unique index collision means someone else adopted it first.
		return
	}
	row.ID = id
	log.Printf("reconcile: adopted exchange-only order %s as row %d", state.ExchangeOrderID, id)

	if strategyID, acct, serr := m.orderScope(ctx, &row); serr == nil {
		m.publishOrder(acct, strategyID, &row)
	}
}
