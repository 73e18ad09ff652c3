package common

import "context"

// Gateway abstracts a trading venue. One instance is bound to one
// account's credentials and one market type.
type Gateway interface {
	Name() Exchange
	Market() MarketType

	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
	FetchPositions(ctx context.Context) ([]PositionState, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	LoadMarkets(ctx context.Context) (map[string]SymbolFilter, error)

	// StreamUserEvents opens the venue's user-data stream and emits
	// normalized updates until ctx is canceled. Implementations own
	// reconnects and listen-key/token refresh.
	StreamUserEvents(ctx context.Context) (<-chan OrderUpdate, error)

	// NativeSymbol translates canonical BASE/QUOTE into the venue's
	// wire form (e.g. BTC/KRW -> KRW-BTC on Upbit).
	NativeSymbol(symbol string) string
}
