package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CreatePendingOrder parks an order in the local queue, deriving its
// ranking price from side and type.
func (d *Database) CreatePendingOrder(ctx context.Context, p PendingOrder) (int64, error) {
	if p.SortPrice == 0 {
		p.SortPrice = SortPriceFor(p.Side, p.OrderType, p.Price.Float64, p.StopPrice.Float64)
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO pending_orders (
			strategy_account_id, account_id, symbol, side, order_type, quantity,
			price, stop_price, market_type, priority, sort_price
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.StrategyAccountID, p.AccountID, p.Symbol, p.Side, p.OrderType, p.Quantity,
		p.Price, p.StopPrice, p.MarketType, p.Priority, p.SortPrice)
	if err != nil {
		return 0, fmt.Errorf("insert pending order: %w", err)
	}
	return res.LastInsertId()
}

// GetPendingOrder returns one queued order by id.
func (d *Database) GetPendingOrder(ctx context.Context, id int64) (*PendingOrder, error) {
	var p PendingOrder
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_account_id, account_id, symbol, side, order_type, quantity,
			price, stop_price, market_type, priority, sort_price, created_at, updated_at
		FROM pending_orders WHERE id = ?
	`, id).Scan(&p.ID, &p.StrategyAccountID, &p.AccountID, &p.Symbol, &p.Side, &p.OrderType,
		&p.Quantity, &p.Price, &p.StopPrice, &p.MarketType, &p.Priority, &p.SortPrice,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending order: %w", err)
	}
	return &p, nil
}

// DeletePendingOrder removes a queued order, either because it was
// promoted to the exchange or dropped.
func (d *Database) DeletePendingOrder(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id)
	return err
}

// ListPendingByAccountSymbol returns one queue bucket ranked for
// promotion: priority ascending, then best sort price, then FIFO.
func (d *Database) ListPendingByAccountSymbol(ctx context.Context, accountID int64, symbol string) ([]PendingOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_account_id, account_id, symbol, side, order_type, quantity,
			price, stop_price, market_type, priority, sort_price, created_at, updated_at
		FROM pending_orders
		WHERE account_id = ? AND symbol = ?
		ORDER BY priority ASC, sort_price DESC, created_at ASC
	`, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var res []PendingOrder
	for rows.Next() {
		var p PendingOrder
		if err := rows.Scan(&p.ID, &p.StrategyAccountID, &p.AccountID, &p.Symbol, &p.Side,
			&p.OrderType, &p.Quantity, &p.Price, &p.StopPrice, &p.MarketType, &p.Priority,
			&p.SortPrice, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeletePendingForStrategyAccount flushes queued orders for one
// strategy-account edge. An empty symbol clears every bucket; cancels
// must drop queued orders too or the scheduler would replace what was
// just cancelled.
func (d *Database) DeletePendingForStrategyAccount(ctx context.Context, strategyAccountID int64, symbol string) (int64, error) {
	var res sql.Result
	var err error
	if symbol == "" {
		res, err = d.DB.ExecContext(ctx,
			`DELETE FROM pending_orders WHERE strategy_account_id = ?`, strategyAccountID)
	} else {
		res, err = d.DB.ExecContext(ctx,
			`DELETE FROM pending_orders WHERE strategy_account_id = ? AND symbol = ?`,
			strategyAccountID, symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("flush pending orders: %w", err)
	}
	return res.RowsAffected()
}

// CountPendingOrders returns the queue depth across all buckets.
func (d *Database) CountPendingOrders(ctx context.Context) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_orders`).Scan(&n)
	return n, err
}
