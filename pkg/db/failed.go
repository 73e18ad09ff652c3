package db

import (
	"context"
	"database/sql"
	"fmt"
)

// MaxFailedRetries caps per-row manual retries.
const MaxFailedRetries = 5

// CreateFailedOrder records an exchange rejection for later inspection
// and manual retry. Error text must be sanitized by the caller.
func (d *Database) CreateFailedOrder(ctx context.Context, f FailedOrder) (int64, error) {
	if f.Status == "" {
		f.Status = FailedPendingRetry
	}
	if f.ParamsJSON == "" {
		f.ParamsJSON = "{}"
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO failed_orders (
			strategy_account_id, symbol, side, order_type, quantity, price, stop_price,
			reason, exchange_error, params_json, status, retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.StrategyAccountID, f.Symbol, f.Side, f.OrderType, f.Quantity, f.Price, f.StopPrice,
		f.Reason, f.ExchangeError, f.ParamsJSON, f.Status, f.RetryCount)
	if err != nil {
		return 0, fmt.Errorf("insert failed order: %w", err)
	}
	return res.LastInsertId()
}

// GetFailedOrder returns one failed-order row by id.
func (d *Database) GetFailedOrder(ctx context.Context, id int64) (*FailedOrder, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_account_id, symbol, side, order_type, quantity, price, stop_price,
			reason, exchange_error, params_json, status, retry_count, created_at, updated_at
		FROM failed_orders WHERE id = ?
	`, id)
	f, err := scanFailedOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed order: %w", err)
	}
	return &f, nil
}

func scanFailedOrder(row interface{ Scan(...any) error }) (FailedOrder, error) {
	var f FailedOrder
	err := row.Scan(&f.ID, &f.StrategyAccountID, &f.Symbol, &f.Side, &f.OrderType,
		&f.Quantity, &f.Price, &f.StopPrice, &f.Reason, &f.ExchangeError, &f.ParamsJSON,
		&f.Status, &f.RetryCount, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// ListFailedOrdersForUser returns retry-eligible failures for one user.
func (d *Database) ListFailedOrdersForUser(ctx context.Context, userID int64) ([]FailedOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT f.id, f.strategy_account_id, f.symbol, f.side, f.order_type, f.quantity,
			f.price, f.stop_price, f.reason, f.exchange_error, f.params_json, f.status,
			f.retry_count, f.created_at, f.updated_at
		FROM failed_orders f
		JOIN strategy_accounts sa ON sa.id = f.strategy_account_id
		JOIN accounts a ON a.id = sa.account_id
		WHERE a.owner_user_id = ? AND f.status = ?
		ORDER BY f.created_at DESC
	`, userID, FailedPendingRetry)
	if err != nil {
		return nil, fmt.Errorf("query failed orders: %w", err)
	}
	defer rows.Close()

	var res []FailedOrder
	for rows.Next() {
		f, err := scanFailedOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// IncrementFailedRetry bumps the retry counter if the row is still
// retry-eligible and under the cap; it reports whether the bump took.
func (d *Database) IncrementFailedRetry(ctx context.Context, id int64) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE failed_orders SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND retry_count < ?
	`, id, FailedPendingRetry, MaxFailedRetries)
	if err != nil {
		return false, fmt.Errorf("increment failed retry: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveFailedOrder soft-deletes the row so it no longer shows up in
// retry listings but stays auditable.
func (d *Database) RemoveFailedOrder(ctx context.Context, id int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE failed_orders SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, FailedRemoved, id, FailedPendingRetry)
	if err != nil {
		return fmt.Errorf("remove failed order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserOwnsFailedOrder checks ownership before retry/remove mutations.
func (d *Database) UserOwnsFailedOrder(ctx context.Context, userID, failedID int64) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM failed_orders f
		JOIN strategy_accounts sa ON sa.id = f.strategy_account_id
		JOIN accounts a ON a.id = sa.account_id
		WHERE f.id = ? AND a.owner_user_id = ?
	`, failedID, userID).Scan(&n)
	return n > 0, err
}
