package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

const orderColumns = `id, strategy_account_id, symbol, side, order_type, quantity,
	filled_quantity, price, stop_price, market_type, priority, status, exchange_order_id,
	error_message, cancel_attempted_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.StrategyAccountID, &o.Symbol, &o.Side, &o.OrderType,
		&o.Quantity, &o.FilledQuantity, &o.Price, &o.StopPrice, &o.MarketType,
		&o.Priority, &o.Status, &o.ExchangeOrderID, &o.ErrorMessage, &o.CancelAttemptedAt,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrder inserts a new order row and returns its id. The caller
// supplies the PENDING-<uuid> marker so the unique index on
// exchange_order_id is satisfied before the venue assigns a real id.
func (d *Database) CreateOrder(ctx context.Context, o Order) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			strategy_account_id, symbol, side, order_type, quantity, filled_quantity,
			price, stop_price, market_type, priority, status, exchange_order_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.StrategyAccountID, o.Symbol, o.Side, o.OrderType, o.Quantity, o.FilledQuantity,
		o.Price, o.StopPrice, o.MarketType, o.Priority, o.Status, o.ExchangeOrderID)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return res.LastInsertId()
}

// GetOrder returns one order by id.
func (d *Database) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrderByExchangeID returns one order by its exchange order id.
func (d *Database) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by exchange id: %w", err)
	}
	return &o, nil
}

// transition performs a guarded status change; it reports whether the
// row was in one of the expected source states.
func (d *Database) transition(ctx context.Context, id int64, from []string, set string, args ...any) (bool, error) {
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`UPDATE orders SET %s, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (%s)`, set, placeholders)

	all := append(args, id)
	for _, f := range from {
		all = append(all, f)
	}
	res, err := d.DB.ExecContext(ctx, query, all...)
	if err != nil {
		return false, fmt.Errorf("transition order %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOrderOpen promotes PENDING to OPEN, replacing the local marker
// with the exchange-assigned id.
func (d *Database) MarkOrderOpen(ctx context.Context, id int64, exchangeOrderID string) error {
	ok, err := d.transition(ctx, id, []string{OrderPending},
		`status = ?, exchange_order_id = ?`, OrderOpen, exchangeOrderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// MarkOrderFailed moves PENDING to FAILED with a sanitized message.
func (d *Database) MarkOrderFailed(ctx context.Context, id int64, errMsg string) error {
	ok, err := d.transition(ctx, id, []string{OrderPending},
		`status = ?, error_message = ?`, OrderFailed, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// MarkOrderCancelling moves OPEN/PARTIALLY_FILLED to CANCELLING and
// stamps cancel_attempted_at.
func (d *Database) MarkOrderCancelling(ctx context.Context, id int64) error {
	ok, err := d.transition(ctx, id, []string{OrderOpen, OrderPartial},
		`status = ?, cancel_attempted_at = CURRENT_TIMESTAMP`, OrderCancelling)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// MarkOrderCancelled finalizes a cancel.
func (d *Database) MarkOrderCancelled(ctx context.Context, id int64) error {
	ok, err := d.transition(ctx, id, []string{OrderCancelling}, `status = ?`, OrderCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// RestoreOrderOpen rolls a failed cancel back to OPEN.
func (d *Database) RestoreOrderOpen(ctx context.Context, id int64, errMsg string) error {
	ok, err := d.transition(ctx, id, []string{OrderCancelling},
		`status = ?, error_message = ?`, OrderOpen, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// UpdateOrderFill brings status and filled quantity up to date from a
// stream or reconciliation update.
func (d *Database) UpdateOrderFill(ctx context.Context, id int64, status string, filledQty float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_quantity = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, id)
	return err
}

// DeleteOrder removes the row; the reconciler does this on terminal
// states after the trade rows are written.
func (d *Database) DeleteOrder(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	return err
}

func (d *Database) listOrders(ctx context.Context, where string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func statusPlaceholders(statuses []string) (string, []any) {
	ph := strings.Repeat("?,", len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return ph[:len(ph)-1], args
}

// ListActiveOrders returns every order background jobs track.
func (d *Database) ListActiveOrders(ctx context.Context) ([]Order, error) {
	ph, args := statusPlaceholders(ActiveStatuses)
	return d.listOrders(ctx, `WHERE status IN (`+ph+`) ORDER BY created_at ASC`, args...)
}

// ListActiveOrdersForAccountSymbol returns active orders on one
// (account, symbol) pair across all of the account's strategy edges.
func (d *Database) ListActiveOrdersForAccountSymbol(ctx context.Context, accountID int64, symbol string) ([]Order, error) {
	ph, args := statusPlaceholders(ActiveStatuses)
	all := append([]any{accountID, symbol}, args...)
	return d.listOrders(ctx, `
		WHERE strategy_account_id IN (SELECT id FROM strategy_accounts WHERE account_id = ?)
		  AND symbol = ? AND status IN (`+ph+`)
		ORDER BY created_at ASC`, all...)
}

// ListActiveOrdersForAccount returns active orders across all of one
// account's strategy edges; the REST reconciliation diff walks these.
func (d *Database) ListActiveOrdersForAccount(ctx context.Context, accountID int64) ([]Order, error) {
	ph, args := statusPlaceholders(ActiveStatuses)
	all := append([]any{accountID}, args...)
	return d.listOrders(ctx, `
		WHERE strategy_account_id IN (SELECT id FROM strategy_accounts WHERE account_id = ?)
		  AND status IN (`+ph+`)
		ORDER BY created_at ASC`, all...)
}

// ListUIOpenOrders returns what dashboards show for one strategy account.
func (d *Database) ListUIOpenOrders(ctx context.Context, strategyAccountID int64) ([]Order, error) {
	ph, args := statusPlaceholders(UIOpenStatuses)
	all := append([]any{strategyAccountID}, args...)
	return d.listOrders(ctx,
		`WHERE strategy_account_id = ? AND status IN (`+ph+`) ORDER BY created_at ASC`, all...)
}

// ListOrdersForUser returns recent orders across all strategy accounts
// owned by the user.
func (d *Database) ListOrdersForUser(ctx context.Context, userID int64, limit int) ([]Order, error) {
	return d.listOrders(ctx, `
		WHERE strategy_account_id IN (
			SELECT sa.id FROM strategy_accounts sa
			JOIN accounts a ON a.id = sa.account_id
			WHERE a.owner_user_id = ?
		)
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// ActiveSymbolsForStrategyAccount returns the distinct symbols one
// edge has live or queued orders on.
func (d *Database) ActiveSymbolsForStrategyAccount(ctx context.Context, strategyAccountID int64) ([]string, error) {
	ph, args := statusPlaceholders(ActiveStatuses)
	args = append([]any{strategyAccountID}, args...)
	args = append(args, strategyAccountID)
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT symbol FROM orders
		WHERE strategy_account_id = ? AND status IN (`+ph+`)
		UNION
		SELECT DISTINCT symbol FROM pending_orders WHERE strategy_account_id = ?
		ORDER BY symbol ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// StalePendingOrders returns PENDING rows older than the cutoff; the
// orphan sweeper fails them.
func (d *Database) StalePendingOrders(ctx context.Context, olderThan time.Duration) ([]Order, error) {
	return d.listOrders(ctx,
		`WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		OrderPending, sqlTime(time.Now().UTC().Add(-olderThan)))
}

// StaleCancellingOrders returns CANCELLING rows whose cancel attempt
// is older than the cutoff.
func (d *Database) StaleCancellingOrders(ctx context.Context, olderThan time.Duration) ([]Order, error) {
	return d.listOrders(ctx,
		`WHERE status = ? AND cancel_attempted_at < ? ORDER BY cancel_attempted_at ASC`,
		OrderCancelling, sqlTime(time.Now().UTC().Add(-olderThan)))
}

// sqlTime renders a timestamp the way CURRENT_TIMESTAMP stores it so
// string comparison in SQLite works.
func sqlTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// AccountSymbolKey identifies one queue-scheduler bucket.
type AccountSymbolKey struct {
	AccountID int64
	Symbol    string
}

// TouchedAccountSymbols returns every (account, symbol) pair that has
// either an active order or a pending order; one rebalance cycle
// visits exactly these.
func (d *Database) TouchedAccountSymbols(ctx context.Context) ([]AccountSymbolKey, error) {
	ph, args := statusPlaceholders(ActiveStatuses)
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT sa.account_id, o.symbol
		FROM orders o JOIN strategy_accounts sa ON sa.id = o.strategy_account_id
		WHERE o.status IN (`+ph+`)
		UNION
		SELECT DISTINCT account_id, symbol FROM pending_orders
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query touched symbols: %w", err)
	}
	defer rows.Close()

	var keys []AccountSymbolKey
	for rows.Next() {
		var k AccountSymbolKey
		if err := rows.Scan(&k.AccountID, &k.Symbol); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountUIOpenOrders counts dashboard-visible orders for one strategy account.
func (d *Database) CountUIOpenOrders(ctx context.Context, strategyAccountID int64) (int, error) {
	ph, args := statusPlaceholders(UIOpenStatuses)
	all := append([]any{strategyAccountID}, args...)
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE strategy_account_id = ? AND status IN (`+ph+`)`,
		all...).Scan(&n)
	return n, err
}
