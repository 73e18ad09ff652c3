package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateUser inserts a user row and returns its id.
func (d *Database) CreateUser(ctx context.Context, u User) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (email, webhook_token) VALUES (?, ?)
	`, strings.ToLower(u.Email), u.WebhookToken)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// GetUser returns one user by id.
func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, webhook_token, created_at, updated_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.WebhookToken, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// CreateStrategy inserts a strategy row and returns its id.
func (d *Database) CreateStrategy(ctx context.Context, s Strategy) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (owner_user_id, group_name, market_type, is_active, is_public)
		VALUES (?, ?, ?, ?, ?)
	`, s.OwnerUserID, s.GroupName, s.MarketType, s.IsActive, s.IsPublic)
	if err != nil {
		return 0, fmt.Errorf("insert strategy: %w", err)
	}
	return res.LastInsertId()
}

// GetStrategy returns one strategy by id.
func (d *Database) GetStrategy(ctx context.Context, id int64) (*Strategy, error) {
	return d.strategyBy(ctx, `id = ?`, id)
}

// GetStrategyByGroupName resolves the webhook routing key.
func (d *Database) GetStrategyByGroupName(ctx context.Context, groupName string) (*Strategy, error) {
	return d.strategyBy(ctx, `group_name = ?`, groupName)
}

func (d *Database) strategyBy(ctx context.Context, where string, arg any) (*Strategy, error) {
	var s Strategy
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, owner_user_id, group_name, market_type, is_active, is_public, created_at, updated_at
		FROM strategies WHERE `+where, arg).Scan(
		&s.ID, &s.OwnerUserID, &s.GroupName, &s.MarketType, &s.IsActive, &s.IsPublic,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return &s, nil
}

// ValidWebhookTokens builds the token set accepted for a strategy: the
// owner's token plus, for public strategies, every subscriber whose
// strategy-account edge is active.
func (d *Database) ValidWebhookTokens(ctx context.Context, strategyID int64) (map[string]bool, error) {
	tokens := make(map[string]bool)

	var ownerToken string
	var isPublic bool
	err := d.DB.QueryRowContext(ctx, `
		SELECT u.webhook_token, s.is_public
		FROM strategies s JOIN users u ON u.id = s.owner_user_id
		WHERE s.id = ?
	`, strategyID).Scan(&ownerToken, &isPublic)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query owner token: %w", err)
	}
	tokens[ownerToken] = true

	if !isPublic {
		return tokens, nil
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT u.webhook_token
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		JOIN users u ON u.id = a.owner_user_id
		WHERE sa.strategy_id = ? AND sa.is_active = 1
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query subscriber tokens: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens[t] = true
	}
	return tokens, rows.Err()
}

// CreateAccount inserts an account row and returns its id.
func (d *Database) CreateAccount(ctx context.Context, a Account) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (owner_user_id, name, exchange, market_type, is_testnet,
			api_key_encrypted, api_secret_encrypted, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.OwnerUserID, a.Name, a.Exchange, a.MarketType, a.IsTestnet,
		a.APIKeyEncrypted, a.APISecretEncrypted, a.IsActive)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// GetAccount returns one account by id.
func (d *Database) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var a Account
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, exchange, market_type, is_testnet,
			api_key_encrypted, api_secret_encrypted, is_active, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.OwnerUserID, &a.Name, &a.Exchange, &a.MarketType, &a.IsTestnet,
		&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// SetAccountActive flips an account's active flag.
func (d *Database) SetAccountActive(ctx context.Context, id int64, active bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	return err
}

// CreateStrategyAccount inserts a strategy-account edge and returns its id.
func (d *Database) CreateStrategyAccount(ctx context.Context, sa StrategyAccount) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_accounts (strategy_id, account_id, weight, leverage, max_symbols, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sa.StrategyID, sa.AccountID, sa.Weight, sa.Leverage, sa.MaxSymbols, sa.IsActive)
	if err != nil {
		return 0, fmt.Errorf("insert strategy account: %w", err)
	}
	return res.LastInsertId()
}

// GetStrategyAccount returns one edge by id.
func (d *Database) GetStrategyAccount(ctx context.Context, id int64) (*StrategyAccount, error) {
	var sa StrategyAccount
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_id, account_id, weight, leverage, max_symbols, is_active, created_at, updated_at
		FROM strategy_accounts WHERE id = ?
	`, id).Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight, &sa.Leverage,
		&sa.MaxSymbols, &sa.IsActive, &sa.CreatedAt, &sa.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy account: %w", err)
	}
	return &sa, nil
}

// GetStrategyAccountByPair resolves the edge for (strategy, account).
func (d *Database) GetStrategyAccountByPair(ctx context.Context, strategyID, accountID int64) (*StrategyAccount, error) {
	var sa StrategyAccount
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_id, account_id, weight, leverage, max_symbols, is_active, created_at, updated_at
		FROM strategy_accounts WHERE strategy_id = ? AND account_id = ?
	`, strategyID, accountID).Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight,
		&sa.Leverage, &sa.MaxSymbols, &sa.IsActive, &sa.CreatedAt, &sa.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy account: %w", err)
	}
	return &sa, nil
}

// ListActiveStrategyAccounts returns the active edges of a strategy
// whose underlying account is also active; this is the fan-out set.
func (d *Database) ListActiveStrategyAccounts(ctx context.Context, strategyID int64) ([]StrategyAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.leverage,
			sa.max_symbols, sa.is_active, sa.created_at, sa.updated_at
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		WHERE sa.strategy_id = ? AND sa.is_active = 1 AND a.is_active = 1
		ORDER BY sa.id ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query active strategy accounts: %w", err)
	}
	defer rows.Close()

	var res []StrategyAccount
	for rows.Next() {
		var sa StrategyAccount
		if err := rows.Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight, &sa.Leverage,
			&sa.MaxSymbols, &sa.IsActive, &sa.CreatedAt, &sa.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, sa)
	}
	return res, rows.Err()
}

// FirstActiveStrategyAccountForAccount returns the oldest active edge
// of one account; the reconciler attributes exchange-only orders to it.
func (d *Database) FirstActiveStrategyAccountForAccount(ctx context.Context, accountID int64) (*StrategyAccount, error) {
	var sa StrategyAccount
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, strategy_id, account_id, weight, leverage, max_symbols, is_active, created_at, updated_at
		FROM strategy_accounts WHERE account_id = ? AND is_active = 1
		ORDER BY id ASC LIMIT 1
	`, accountID).Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.Weight, &sa.Leverage,
		&sa.MaxSymbols, &sa.IsActive, &sa.CreatedAt, &sa.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy account: %w", err)
	}
	return &sa, nil
}

// IsStrategyAccountActive re-reads the active flag; dispatch paths
// call this immediately before each exchange call.
func (d *Database) IsStrategyAccountActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := d.DB.QueryRowContext(ctx,
		`SELECT sa.is_active AND a.is_active
		 FROM strategy_accounts sa JOIN accounts a ON a.id = sa.account_id
		 WHERE sa.id = ?`, id).Scan(&active)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return active, err
}

// SetStrategyAccountActive flips the edge's active flag. SQLite has no
// cross-connection visibility lag, so the write itself is the flush.
func (d *Database) SetStrategyAccountActive(ctx context.Context, id int64, active bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_accounts SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	return err
}

// DeleteStrategyAccount removes the edge; orders, pending orders,
// trades and positions cascade with it.
func (d *Database) DeleteStrategyAccount(ctx context.Context, id int64) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_accounts WHERE id = ?`, id)
	return err
}

// CanAccessStrategy reports whether the user owns the strategy or is
// an active subscriber through one of their accounts.
func (d *Database) CanAccessStrategy(ctx context.Context, userID, strategyID int64) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strategies WHERE id = ? AND owner_user_id = ?
	`, strategyID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM strategy_accounts sa JOIN accounts a ON a.id = sa.account_id
		WHERE sa.strategy_id = ? AND sa.is_active = 1 AND a.owner_user_id = ?
	`, strategyID, userID).Scan(&n)
	return n > 0, err
}

// SubscriptionStatus summarizes one strategy-account edge for the
// unsubscribe preflight.
type SubscriptionStatus struct {
	ActivePositions int      `json:"active_positions"`
	OpenOrders      int      `json:"open_orders"`
	Symbols         []string `json:"symbols"`
	IsActive        bool     `json:"is_active"`
}

// GetSubscriptionStatus gathers position/order counts and the sorted
// symbol set for a strategy-account edge.
func (d *Database) GetSubscriptionStatus(ctx context.Context, strategyAccountID int64) (*SubscriptionStatus, error) {
	sa, err := d.GetStrategyAccount(ctx, strategyAccountID)
	if err != nil {
		return nil, err
	}

	st := &SubscriptionStatus{IsActive: sa.IsActive, Symbols: []string{}}

	err = d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE strategy_account_id = ? AND quantity != 0
	`, strategyAccountID).Scan(&st.ActivePositions)
	if err != nil {
		return nil, err
	}

	st.OpenOrders, err = d.CountUIOpenOrders(ctx, strategyAccountID)
	if err != nil {
		return nil, err
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol FROM positions WHERE strategy_account_id = ? AND quantity != 0
		UNION
		SELECT symbol FROM orders WHERE strategy_account_id = ?
		ORDER BY symbol ASC
	`, strategyAccountID, strategyAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		st.Symbols = append(st.Symbols, s)
	}
	return st, rows.Err()
}
