// Package engine owns the order lifecycle: rows are written before the
// exchange is touched, so a crash between the two leaves a marker row
// the orphan sweeper can resolve instead of an untracked live order.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/events"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/sanitize"
)

// transientRetries with exponential backoff covers network blips and
// rate-limit pushback; anything else fails fast.
var transientBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// orphanAge is how long a PENDING or CANCELLING row may sit before the
// sweeper reconciles it against the exchange.
const orphanAge = 120 * time.Second

// Engine executes orders against a gateway with DB-first state.
type Engine struct {
	DB  *db.Database
	Bus *events.Bus
}

// New creates an engine.
func New(database *db.Database, bus *events.Bus) *Engine {
	return &Engine{DB: database, Bus: bus}
}

// Placement describes one order to place for a strategy account.
type Placement struct {
	StrategyAccount db.StrategyAccount
	OwnerUserID     int64
	Request         common.OrderRequest
	Priority        int
}

// PendingMarker builds the placeholder exchange_order_id used between
// row insert and exchange ack.
func PendingMarker() string {
	return "PENDING-" + uuid.NewString()
}

// PlaceOrder runs the DB-first create flow: insert PENDING, call the
// exchange with transient retries, then promote to OPEN or record the
// failure. The returned order reflects the final local state.
func (e *Engine) PlaceOrder(ctx context.Context, gw common.Gateway, p Placement) (*db.Order, error) {
	req := p.Request
	sa := p.StrategyAccount
	marker := PendingMarker()

	row := db.Order{
		StrategyAccountID: sa.ID,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Quantity:          req.Qty,
		MarketType:        string(req.Market),
		Priority:          p.Priority,
		Status:            db.OrderPending,
		ExchangeOrderID:   marker,
	}
	if req.Price > 0 {
		row.Price = sql.NullFloat64{Float64: req.Price, Valid: true}
	}
	if req.StopPrice > 0 {
		row.StopPrice = sql.NullFloat64{Float64: req.StopPrice, Valid: true}
	}

	id, err := e.DB.CreateOrder(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("create order row: %w", err)
	}
	row.ID = id
	req.ClientID = marker

	result, err := e.callWithRetry(ctx, func() (common.OrderResult, error) {
		return gw.CreateOrder(ctx, req)
	})
	if err != nil {
		msg := sanitize.Error(err.Error())
		if ferr := e.DB.MarkOrderFailed(ctx, id, msg); ferr != nil {
			log.Printf("engine: mark order %d failed: %v", id, ferr)
		}
		e.recordFailure(ctx, sa.ID, req, msg, err)
		row.Status = db.OrderFailed
		row.ErrorMessage = sql.NullString{String: msg, Valid: true}
		e.publishOrder(ctx, "order_failed", p.OwnerUserID, sa.StrategyID, &row)
		return &row, err
	}

	if err := e.DB.MarkOrderOpen(ctx, id, result.ExchangeOrderID); err != nil {
		// The stream may have beaten us to a terminal state; the row is
		// already owned by reconciliation at that point.
		log.Printf("engine: promote order %d: %v", id, err)
	} else {
		row.Status = db.OrderOpen
		row.ExchangeOrderID = result.ExchangeOrderID
	}
	e.publishOrder(ctx, "order_created", p.OwnerUserID, sa.StrategyID, &row)
	return &row, nil
}

// CancelOrder runs the guarded cancel flow. A failed exchange cancel
// rolls the row back to OPEN with the sanitized reason.
func (e *Engine) CancelOrder(ctx context.Context, gw common.Gateway, order *db.Order, ownerUserID, strategyID int64) error {
	if err := e.DB.MarkOrderCancelling(ctx, order.ID); err != nil {
		return err
	}

	err := e.retryErr(ctx, func() error {
		return gw.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID)
	})
	if err != nil {
		msg := sanitize.Error(err.Error())
		if rerr := e.DB.RestoreOrderOpen(ctx, order.ID, msg); rerr != nil {
			log.Printf("engine: restore order %d: %v", order.ID, rerr)
		}
		return fmt.Errorf("cancel order %d: %w", order.ID, err)
	}

	if err := e.DB.MarkOrderCancelled(ctx, order.ID); err != nil {
		return err
	}
	order.Status = db.OrderCancelled
	e.publishOrder(ctx, "order_cancelled", ownerUserID, strategyID, order)
	return nil
}

// CancelAllForSymbol cancels every active order of one strategy
// account on one symbol, book orders via the venue's bulk endpoint.
func (e *Engine) CancelAllForSymbol(ctx context.Context, gw common.Gateway, sa db.StrategyAccount, ownerUserID int64, symbol string) error {
	orders, err := e.DB.ListActiveOrdersForAccountSymbol(ctx, sa.AccountID, symbol)
	if err != nil {
		return err
	}

	if err := e.retryErr(ctx, func() error {
		return gw.CancelAllOrders(ctx, symbol)
	}); err != nil {
		return fmt.Errorf("cancel all %s: %w", symbol, err)
	}

	for i := range orders {
		o := &orders[i]
		if o.StrategyAccountID != sa.ID {
			continue
		}
		switch o.Status {
		case db.OrderOpen, db.OrderPartial, db.OrderNew:
			if err := e.DB.MarkOrderCancelling(ctx, o.ID); err != nil {
				continue
			}
			if err := e.DB.MarkOrderCancelled(ctx, o.ID); err != nil {
				log.Printf("engine: finalize cancel %d: %v", o.ID, err)
				continue
			}
			o.Status = db.OrderCancelled
			e.publishOrder(ctx, "order_cancelled", ownerUserID, sa.StrategyID, o)
		}
	}
	return nil
}

func (e *Engine) callWithRetry(ctx context.Context, fn func() (common.OrderResult, error)) (common.OrderResult, error) {
	var res common.OrderResult
	var err error
	for attempt := 0; ; attempt++ {
		res, err = fn()
		if err == nil || !common.IsRetryable(err) || attempt >= len(transientBackoff) {
			return res, err
		}
		select {
		case <-time.After(transientBackoff[attempt]):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func (e *Engine) retryErr(ctx context.Context, fn func() error) error {
	_, err := e.callWithRetry(ctx, func() (common.OrderResult, error) {
		return common.OrderResult{}, fn()
	})
	return err
}

// recordFailure writes the user-facing failed_orders row with the
// original request parameters preserved for manual retry.
func (e *Engine) recordFailure(ctx context.Context, strategyAccountID int64, req common.OrderRequest, reason string, cause error) {
	params, _ := json.Marshal(map[string]any{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"type":       req.Type,
		"qty":        req.Qty,
		"price":      req.Price,
		"stop_price": req.StopPrice,
	})
	f := db.FailedOrder{
		StrategyAccountID: strategyAccountID,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Quantity:          req.Qty,
		Reason:            string(common.KindOf(cause)),
		ExchangeError:     reason,
		ParamsJSON:        string(params),
	}
	if req.Price > 0 {
		f.Price = sql.NullFloat64{Float64: req.Price, Valid: true}
	}
	if req.StopPrice > 0 {
		f.StopPrice = sql.NullFloat64{Float64: req.StopPrice, Valid: true}
	}
	if _, err := e.DB.CreateFailedOrder(ctx, f); err != nil {
		log.Printf("engine: record failed order: %v", err)
	}
}

func (e *Engine) publishOrder(ctx context.Context, event string, userID, strategyID int64, o *db.Order) {
	if e.Bus == nil {
		return
	}
	var acct *db.Account
	if sa, err := e.DB.GetStrategyAccount(ctx, o.StrategyAccountID); err == nil {
		acct, _ = e.DB.GetAccount(ctx, sa.AccountID)
	}
	e.Bus.Publish(userID, strategyID, events.TypeOrderUpdate, OrderPayload(event, o, acct))
}

// OrderEventName maps a local order status to the event name clients
// switch on inside order_update frames.
func OrderEventName(status string) string {
	switch status {
	case db.OrderFilled:
		return "order_filled"
	case db.OrderCancelled:
		return "order_cancelled"
	case db.OrderFailed:
		return "order_failed"
	default:
		return "order_updated"
	}
}

// AccountRef is the account object embedded in every order and trade
// event so multi-account clients can attribute the update.
func AccountRef(acct *db.Account) map[string]any {
	if acct == nil {
		return nil
	}
	return map[string]any{
		"account_id": acct.ID,
		"name":       acct.Name,
		"exchange":   acct.Exchange,
	}
}

// OrderPayload builds the order_update frame body. The reconciler uses
// it too so both publish paths carry the same shape.
func OrderPayload(event string, o *db.Order, acct *db.Account) map[string]any {
	p := map[string]any{
		"event":           event,
		"order_id":        o.ID,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"order_type":      o.OrderType,
		"quantity":        o.Quantity,
		"filled_quantity": o.FilledQuantity,
		"status":          o.Status,
	}
	if ref := AccountRef(acct); ref != nil {
		p["account"] = ref
	}
	if o.Price.Valid {
		p["price"] = o.Price.Float64
	}
	if o.StopPrice.Valid {
		p["stop_price"] = o.StopPrice.Float64
	}
	if o.ErrorMessage.Valid {
		p["error"] = o.ErrorMessage.String
	}
	return p
}
