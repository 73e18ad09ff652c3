package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// InsertTradeExecution records one fill. Duplicate exchange trade ids
// are ignored; the returned bool reports whether the row was new, so
// callers can skip re-applying the fill to trades and positions.
func (d *Database) InsertTradeExecution(ctx context.Context, e TradeExecution) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_executions (
			strategy_account_id, exchange_trade_id, exchange_order_id, symbol, side,
			quantity, price, commission, commission_asset, is_maker, realized_pnl
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.StrategyAccountID, e.ExchangeTradeID, e.ExchangeOrderID, e.Symbol, e.Side,
		e.Quantity, e.Price, e.Commission, e.CommissionAsset, e.IsMaker, e.RealizedPnL)
	if err != nil {
		return false, fmt.Errorf("insert trade execution: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// foldTrade merges a fill into an existing trade row or creates one,
// recomputing the volume-weighted average price.
func (d *Database) foldTrade(ctx context.Context, tx *sql.Tx, e TradeExecution) error {
	var id int64
	var qty, avg, comm, pnl float64
	err := tx.QueryRowContext(ctx, `
		SELECT id, quantity, avg_price, commission, realized_pnl
		FROM trades WHERE exchange_order_id = ?
	`, e.ExchangeOrderID).Scan(&id, &qty, &avg, &comm, &pnl)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trades (
				strategy_account_id, exchange_order_id, symbol, side,
				quantity, avg_price, commission, realized_pnl
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.StrategyAccountID, e.ExchangeOrderID, e.Symbol, e.Side,
			e.Quantity, e.Price, e.Commission, e.RealizedPnL)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("query trade: %w", err)
	}

	total := qty + e.Quantity
	if total > 0 {
		avg = (avg*qty + e.Price*e.Quantity) / total
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE trades SET quantity = ?, avg_price = ?, commission = ?,
			realized_pnl = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, total, avg, comm+e.Commission, pnl+e.RealizedPnL, id)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	return nil
}

// ApplyFill records one fill and rolls it into the trade aggregate and
// the signed position, all in a single transaction. It returns the
// realized PnL of the fill (zero when the fill only adds exposure) and
// whether the fill was new.
func (d *Database) ApplyFill(ctx context.Context, e TradeExecution) (float64, bool, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO trade_executions (
			strategy_account_id, exchange_trade_id, exchange_order_id, symbol, side,
			quantity, price, commission, commission_asset, is_maker, realized_pnl
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.StrategyAccountID, e.ExchangeTradeID, e.ExchangeOrderID, e.Symbol, e.Side,
		e.Quantity, e.Price, e.Commission, e.CommissionAsset, e.IsMaker, e.RealizedPnL)
	if err != nil {
		return 0, false, fmt.Errorf("insert trade execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		// Replayed fill; nothing else to apply.
		return 0, false, tx.Commit()
	}

	pnl, err := applyFillToPosition(ctx, tx, e)
	if err != nil {
		return 0, false, err
	}
	if pnl != 0 && e.RealizedPnL == 0 {
		e.RealizedPnL = pnl
		if _, err := tx.ExecContext(ctx,
			`UPDATE trade_executions SET realized_pnl = ? WHERE exchange_trade_id = ?`,
			pnl, e.ExchangeTradeID); err != nil {
			return 0, false, fmt.Errorf("update fill pnl: %w", err)
		}
	}

	if err := d.foldTrade(ctx, tx, e); err != nil {
		return 0, false, err
	}
	return pnl, true, tx.Commit()
}

// applyFillToPosition merges a signed fill delta into the position row.
// Reducing fills realize PnL against the entry price; a fill that
// crosses zero realizes the closed leg and opens the remainder at the
// fill price.
func applyFillToPosition(ctx context.Context, tx *sql.Tx, e TradeExecution) (float64, error) {
	delta := e.Quantity
	if e.Side == "SELL" {
		delta = -delta
	}

	var qty, entry float64
	err := tx.QueryRowContext(ctx, `
		SELECT quantity, entry_price FROM positions
		WHERE strategy_account_id = ? AND symbol = ?
	`, e.StrategyAccountID, e.Symbol).Scan(&qty, &entry)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query position: %w", err)
	}

	newQty := qty + delta
	newEntry := entry
	var realized float64

	switch {
	case qty == 0 || sameSign(qty, delta):
		// Adding exposure; volume-weighted entry.
		if newQty != 0 {
			newEntry = (entry*math.Abs(qty) + e.Price*math.Abs(delta)) / math.Abs(newQty)
		}
	case sameSign(qty, newQty) || newQty == 0:
		// Pure reduction; entry unchanged, realize the closed quantity.
		closed := math.Abs(delta)
		realized = (e.Price - entry) * closed * sign(qty)
		if newQty == 0 {
			newEntry = 0
		}
	default:
		// Crossed zero: realize the whole old position, open the rest.
		realized = (e.Price - entry) * math.Abs(qty) * sign(qty)
		newEntry = e.Price
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (strategy_account_id, symbol, quantity, entry_price, mark_price)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_account_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			entry_price = excluded.entry_price,
			mark_price = excluded.mark_price,
			updated_at = CURRENT_TIMESTAMP
	`, e.StrategyAccountID, e.Symbol, newQty, newEntry, e.Price)
	if err != nil {
		return 0, fmt.Errorf("upsert position: %w", err)
	}
	return realized, nil
}

func sameSign(a, b float64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// GetPosition returns the position row for one (strategy account, symbol).
func (d *Database) GetPosition(ctx context.Context, strategyAccountID int64, symbol string) (*Position, error) {
	var p Position
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_account_id, symbol, quantity, entry_price, mark_price,
			unrealized_pnl, created_at, updated_at
		FROM positions WHERE strategy_account_id = ? AND symbol = ?
	`, strategyAccountID, symbol).Scan(&p.ID, &p.StrategyAccountID, &p.Symbol, &p.Quantity,
		&p.EntryPrice, &p.MarkPrice, &p.UnrealizedPnL, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// ListOpenPositions returns nonzero positions for the mark-price refresher.
func (d *Database) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_account_id, symbol, quantity, entry_price, mark_price,
			unrealized_pnl, created_at, updated_at
		FROM positions WHERE quantity != 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListPositionsForUser returns the positions visible to one user.
func (d *Database) ListPositionsForUser(ctx context.Context, userID int64) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT p.id, p.strategy_account_id, p.symbol, p.quantity, p.entry_price,
			p.mark_price, p.unrealized_pnl, p.created_at, p.updated_at
		FROM positions p
		JOIN strategy_accounts sa ON sa.id = p.strategy_account_id
		JOIN accounts a ON a.id = sa.account_id
		WHERE a.owner_user_id = ? AND p.quantity != 0
		ORDER BY p.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.StrategyAccountID, &p.Symbol, &p.Quantity,
			&p.EntryPrice, &p.MarkPrice, &p.UnrealizedPnL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateMarkPrice refreshes the mark price and unrealized PnL of one position.
func (d *Database) UpdateMarkPrice(ctx context.Context, id int64, markPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET mark_price = ?,
			unrealized_pnl = (? - entry_price) * quantity,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, markPrice, markPrice, id)
	return err
}

// ListTradesForUser returns recent trade aggregates for one user.
func (d *Database) ListTradesForUser(ctx context.Context, userID int64, limit int) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT t.id, t.strategy_account_id, t.exchange_order_id, t.symbol, t.side,
			t.quantity, t.avg_price, t.commission, t.realized_pnl, t.created_at, t.updated_at
		FROM trades t
		JOIN strategy_accounts sa ON sa.id = t.strategy_account_id
		JOIN accounts a ON a.id = sa.account_id
		WHERE a.owner_user_id = ?
		ORDER BY t.created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.StrategyAccountID, &t.ExchangeOrderID, &t.Symbol,
			&t.Side, &t.Quantity, &t.AvgPrice, &t.Commission, &t.RealizedPnL,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
