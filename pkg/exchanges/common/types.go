package common

// Exchange identifies a supported venue.
type Exchange string

const (
	ExchangeBinance Exchange = "BINANCE"
	ExchangeBybit   Exchange = "BYBIT"
	ExchangeUpbit   Exchange = "UPBIT"
)

// MarketType distinguishes the traded market class.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketFutures MarketType = "FUTURES"
	MarketStock   MarketType = "STOCK"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the canonical order types accepted over webhooks.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// IsStop reports whether the type is conditional (stop-triggered).
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopLimit || t == OrderTypeStopMarket
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusOpen     OrderStatus = "OPEN"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures a canonical order intent to be sent to an
// exchange. Symbol is in BASE/QUOTE form; adapters translate to the
// venue's native form on the wire.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Qty       float64
	Price     float64 // required for LIMIT and STOP_LIMIT
	StopPrice float64 // required for STOP_LIMIT and STOP_MARKET
	ClientID  string
	Market    MarketType
	Leverage  float64
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// OrderState is the authoritative exchange view of one order.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgPrice        float64
}

// Fill represents one trade execution.
type Fill struct {
	ExchangeTradeID string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
	Commission      float64
	CommissionAsset string
	IsMaker         bool
	RealizedPnL     float64
}

// OrderUpdate is a normalized user-data stream event.
type OrderUpdate struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
	Trade           *Fill // nil when the update carries no execution
}

// Balance is one asset balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// PositionState is the exchange view of one position.
type PositionState struct {
	Symbol        string
	Qty           float64 // signed; negative = short
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Ticker is a last-trade snapshot.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// SymbolFilter holds per-symbol precision and size rules.
type SymbolFilter struct {
	MinQty      float64
	MaxQty      float64
	StepSize    float64
	MinPrice    float64
	MaxPrice    float64
	TickSize    float64
	MinNotional float64
}

// Credentials carry decrypted API keys to an adapter constructor.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}
