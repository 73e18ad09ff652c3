package engine

import (
	"context"
	"log"
	"strings"

	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// GatewayResolver maps a strategy account to its live gateway and the
// owning user.
type GatewayResolver func(ctx context.Context, strategyAccountID int64) (common.Gateway, db.StrategyAccount, int64, error)

// SweepOrphans resolves rows stuck in transient states.
//
// A PENDING row past the age cutoff means the process died between the
// insert and the exchange ack. The sweeper searches the venue's open
// orders for the marker client id: found means promote, not found
// means the order never made it out and the row is failed.
//
// A stale CANCELLING row is re-verified against the venue: gone or
// terminal finalizes the cancel, still working rolls back to OPEN for
// another attempt.
func (e *Engine) SweepOrphans(ctx context.Context, resolve GatewayResolver) {
	pending, err := e.DB.StalePendingOrders(ctx, orphanAge)
	if err != nil {
		log.Printf("sweeper: list stale pending: %v", err)
	}
	for i := range pending {
		e.sweepPending(ctx, &pending[i], resolve)
	}

	cancelling, err := e.DB.StaleCancellingOrders(ctx, orphanAge)
	if err != nil {
		log.Printf("sweeper: list stale cancelling: %v", err)
	}
	for i := range cancelling {
		e.sweepCancelling(ctx, &cancelling[i], resolve)
	}
}

func (e *Engine) sweepPending(ctx context.Context, o *db.Order, resolve GatewayResolver) {
	gw, sa, owner, err := resolve(ctx, o.StrategyAccountID)
	if err != nil {
		log.Printf("sweeper: resolve gateway for order %d: %v", o.ID, err)
		return
	}

	open, err := gw.FetchOpenOrders(ctx, o.Symbol)
	if err != nil {
		log.Printf("sweeper: fetch open orders for order %d: %v", o.ID, err)
		return
	}

	for _, state := range open {
		if state.ClientID == o.ExchangeOrderID {
			if err := e.DB.MarkOrderOpen(ctx, o.ID, state.ExchangeOrderID); err != nil {
				log.Printf("sweeper: adopt order %d: %v", o.ID, err)
				return
			}
			o.Status = db.OrderOpen
			o.ExchangeOrderID = state.ExchangeOrderID
			e.publishOrder(ctx, "order_updated", owner, sa.StrategyID, o)
			log.Printf("sweeper: adopted orphan order %d as %s", o.ID, state.ExchangeOrderID)
			return
		}
	}

	if err := e.DB.MarkOrderFailed(ctx, o.ID, "stuck in PENDING > 120s"); err != nil {
		log.Printf("sweeper: fail orphan %d: %v", o.ID, err)
		return
	}
	o.Status = db.OrderFailed
	e.publishOrder(ctx, "order_failed", owner, sa.StrategyID, o)
	log.Printf("sweeper: failed orphan order %d", o.ID)
}

func (e *Engine) sweepCancelling(ctx context.Context, o *db.Order, resolve GatewayResolver) {
	gw, sa, owner, err := resolve(ctx, o.StrategyAccountID)
	if err != nil {
		log.Printf("sweeper: resolve gateway for order %d: %v", o.ID, err)
		return
	}

	state, err := gw.FetchOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if err != nil {
		if common.KindOf(err) == common.KindInvalidOrder ||
			strings.Contains(err.Error(), "not found") {
			// Venue no longer knows the order; cancel completed.
			if err := e.DB.MarkOrderCancelled(ctx, o.ID); err == nil {
				o.Status = db.OrderCancelled
				e.publishOrder(ctx, "order_cancelled", owner, sa.StrategyID, o)
			}
		}
		return
	}

	if state.Status.Terminal() {
		if err := e.DB.MarkOrderCancelled(ctx, o.ID); err == nil {
			o.Status = db.OrderCancelled
			e.publishOrder(ctx, "order_cancelled", owner, sa.StrategyID, o)
		}
		return
	}

	// Still live at the venue; surface it for the next cancel pass.
	if err := e.DB.RestoreOrderOpen(ctx, o.ID, "cancel unconfirmed, restored"); err != nil {
		log.Printf("sweeper: restore cancelling %d: %v", o.ID, err)
	}
}
