package db

import (
	"database/sql"
	"time"
)

// Order status machine values. PENDING and CANCELLING are transient
// local states; the rest mirror exchange status.
const (
	OrderPending    = "PENDING"
	OrderNew        = "NEW"
	OrderOpen       = "OPEN"
	OrderPartial    = "PARTIALLY_FILLED"
	OrderFilled     = "FILLED"
	OrderCancelling = "CANCELLING"
	OrderCancelled  = "CANCELLED"
	OrderFailed     = "FAILED"
	OrderExpired    = "EXPIRED"
	OrderRejected   = "REJECTED"
)

// ActiveStatuses is the set background jobs iterate over.
var ActiveStatuses = []string{OrderPending, OrderNew, OrderOpen, OrderPartial, OrderCancelling}

// UIOpenStatuses is what dashboards show; PENDING and CANCELLING are
// transient and hidden.
var UIOpenStatuses = []string{OrderNew, OrderOpen, OrderPartial}

// FailedOrder statuses.
const (
	FailedPendingRetry = "pending_retry"
	FailedRemoved      = "removed"
)

// User is a signal owner or subscriber; login workflows live outside
// this service, the webhook token is what we authenticate.
type User struct {
	ID           int64
	Email        string
	WebhookToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Strategy is the webhook routing target, keyed by group name.
type Strategy struct {
	ID          int64
	OwnerUserID int64
	GroupName   string
	MarketType  string
	IsActive    bool
	IsPublic    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Account is one exchange API-key binding owned by a user.
type Account struct {
	ID                 int64
	OwnerUserID        int64
	Name               string
	Exchange           string
	MarketType         string
	IsTestnet          bool
	APIKeyEncrypted    string
	APISecretEncrypted string
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StrategyAccount is the strategy<->account edge; every order,
// position and trade is scoped by its id.
type StrategyAccount struct {
	ID         int64
	StrategyID int64
	AccountID  int64
	Weight     float64
	Leverage   float64
	MaxSymbols int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Order is an active or outstanding order at the exchange.
type Order struct {
	ID                int64
	StrategyAccountID int64
	Symbol            string
	Side              string
	OrderType         string
	Quantity          float64
	FilledQuantity    float64
	Price             sql.NullFloat64
	StopPrice         sql.NullFloat64
	MarketType        string
	Priority          int
	Status            string
	ExchangeOrderID   string
	ErrorMessage      sql.NullString
	CancelAttemptedAt sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingOrder waits in the local queue, not yet at the exchange.
type PendingOrder struct {
	ID                int64
	StrategyAccountID int64
	AccountID         int64
	Symbol            string
	Side              string
	OrderType         string
	Quantity          float64
	Price             sql.NullFloat64
	StopPrice         sql.NullFloat64
	MarketType        string
	Priority          int
	SortPrice         float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FailedOrder is the user-facing post-mortem of an exchange rejection.
type FailedOrder struct {
	ID                int64
	StrategyAccountID int64
	Symbol            string
	Side              string
	OrderType         string
	Quantity          float64
	Price             sql.NullFloat64
	StopPrice         sql.NullFloat64
	Reason            string
	ExchangeError     string
	ParamsJSON        string
	Status            string
	RetryCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade aggregates the fills of one completed order.
type Trade struct {
	ID                int64
	StrategyAccountID int64
	ExchangeOrderID   string
	Symbol            string
	Side              string
	Quantity          float64
	AvgPrice          float64
	Commission        float64
	RealizedPnL       float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TradeExecution is one fill, unique by exchange trade id.
type TradeExecution struct {
	ID                int64
	StrategyAccountID int64
	ExchangeTradeID   string
	ExchangeOrderID   string
	Symbol            string
	Side              string
	Quantity          float64
	Price             float64
	Commission        float64
	CommissionAsset   string
	IsMaker           bool
	RealizedPnL       float64
	CreatedAt         time.Time
}

// Position is the net position per strategy account and symbol.
type Position struct {
	ID                int64
	StrategyAccountID int64
	Symbol            string
	Quantity          float64 // signed; negative = short
	EntryPrice        float64
	MarkPrice         float64
	UnrealizedPnL     float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SortPriceFor derives the queue ranking price. BUY limits rank by
// +price and SELL limits by -price so one ORDER BY sort_price DESC
// yields highest-bid-first and lowest-ask-first respectively; stops
// invert because triggering works against the side.
func SortPriceFor(side, orderType string, price, stopPrice float64) float64 {
	stop := orderType == "STOP_LIMIT" || orderType == "STOP_MARKET"
	switch {
	case side == "BUY" && !stop:
		return price
	case side == "SELL" && !stop:
		return -price
	case side == "BUY" && stop:
		return -stopPrice
	default: // SELL stop
		return stopPrice
	}
}
