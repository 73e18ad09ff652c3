// Package orchestrator fans one routed signal out to every active
// strategy account. Accounts are independent units of work: one
// account failing, skipping or timing out never touches the others.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"tradegate/internal/engine"
	"tradegate/internal/signal"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/sanitize"
)

// maxWorkers bounds the fan-out pool; small account counts get one
// worker per account.
const maxWorkers = 10

// AccountResolver supplies authenticated gateways and cached prices.
// The reconcile manager implements it.
type AccountResolver interface {
	GatewayForAccount(ctx context.Context, accountID int64) (common.Gateway, *db.Account, error)
	CachedPrice(acct *db.Account, nativeSymbol string) float64
}

// FilterSource looks up symbol trading rules.
type FilterSource interface {
	Filter(ex common.Exchange, market common.MarketType, nativeSymbol string) (common.SymbolFilter, bool)
}

// Orchestrator executes signals across accounts.
type Orchestrator struct {
	DB        *db.Database
	Engine    *engine.Engine
	Resolver  AccountResolver
	Filters   FilterSource
	Limits    *common.ExchangeLimits
	StopRatio float64
}

// New creates an orchestrator.
func New(database *db.Database, eng *engine.Engine, resolver AccountResolver,
	filters FilterSource, limits *common.ExchangeLimits, stopRatio float64) *Orchestrator {
	return &Orchestrator{
		DB:        database,
		Engine:    eng,
		Resolver:  resolver,
		Filters:   filters,
		Limits:    limits,
		StopRatio: stopRatio,
	}
}

// IntentResult reports one intent's outcome on one account.
type IntentResult struct {
	AccountID         int64   `json:"account_id"`
	StrategyAccountID int64   `json:"strategy_account_id"`
	Symbol            string  `json:"symbol,omitempty"`
	Side              string  `json:"side,omitempty"`
	OrderType         string  `json:"order_type"`
	Success           bool    `json:"success"`
	Status            string  `json:"status,omitempty"`
	OrderID           int64   `json:"order_id,omitempty"`
	Quantity          float64 `json:"quantity,omitempty"`
	SkipReason        string  `json:"skip_reason,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// Summary aggregates per-intent outcomes. The field names are part of
// the webhook response contract.
type Summary struct {
	TotalAccounts    int `json:"total_accounts"`
	SuccessfulOrders int `json:"successful_orders"`
	FailedOrders     int `json:"failed_orders"`
}

// Performance carries timing back to the signal source.
type Performance struct {
	TotalMs       int64 `json:"total_ms"`
	AccountCount  int   `json:"account_count"`
	WorkerCount   int   `json:"worker_count"`
	IntentsPerAcc int   `json:"intents_per_account"`
}

// Response is the webhook result body.
type Response struct {
	Success     bool           `json:"success"`
	Timeout     bool           `json:"timeout,omitempty"`
	Error       string         `json:"error,omitempty"`
	Action      string         `json:"action,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	Results     []IntentResult `json:"results"`
	Summary     Summary        `json:"summary"`
	Performance Performance    `json:"performance_metrics"`
}

// Execute fans the signal out over a bounded worker pool and collects
// the per-account results. High-priority intents run before the rest
// on every account; a high failure does not block the low batch.
func (o *Orchestrator) Execute(ctx context.Context, sig *signal.Signal) *Response {
	started := time.Now()

	resp := &Response{
		Action:   actionName(sig),
		Strategy: sig.Strategy.GroupName,
		Results:  []IntentResult{},
	}

	accounts, err := o.DB.ListActiveStrategyAccounts(ctx, sig.Strategy.ID)
	if err != nil {
		resp.Error = "failed to load strategy accounts"
		log.Printf("orchestrator: list accounts for strategy %d: %v", sig.Strategy.ID, err)
		return resp
	}
	resp.Summary.TotalAccounts = len(accounts)
	if len(accounts) == 0 {
		resp.Success = true
		resp.Performance = o.perf(started, 0, 0, sig)
		return resp
	}

	workers := len(accounts)
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan db.StrategyAccount)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sa := range jobs {
				results := o.runAccount(ctx, sig, sa)
				mu.Lock()
				resp.Results = append(resp.Results, results...)
				mu.Unlock()
			}
		}()
	}
	for _, sa := range accounts {
		jobs <- sa
	}
	close(jobs)
	wg.Wait()

	for _, r := range resp.Results {
		switch {
		case r.Success:
			resp.Summary.SuccessfulOrders++
		case r.SkipReason == "":
			resp.Summary.FailedOrders++
		}
	}
	resp.Success = resp.Summary.FailedOrders == 0
	resp.Performance = o.perf(started, len(accounts), workers, sig)
	return resp
}

func (o *Orchestrator) perf(started time.Time, accounts, workers int, sig *signal.Signal) Performance {
	return Performance{
		TotalMs:       time.Since(started).Milliseconds(),
		AccountCount:  accounts,
		WorkerCount:   workers,
		IntentsPerAcc: len(sig.High) + len(sig.Low),
	}
}

func actionName(sig *signal.Signal) string {
	if sig.Batch {
		return "batch"
	}
	for _, in := range sig.Intents() {
		return strings.ToLower(in.OrderType)
	}
	return ""
}

// runAccount executes the full intent list for one strategy account,
// serialized, high class first.
func (o *Orchestrator) runAccount(ctx context.Context, sig *signal.Signal, sa db.StrategyAccount) []IntentResult {
	intents := sig.Intents()
	results := make([]IntentResult, 0, len(intents))

	// The flag may have flipped between fan-out and execution; check
	// again at the point of use.
	active, err := o.DB.IsStrategyAccountActive(ctx, sa.ID)
	if err != nil || !active {
		for _, in := range intents {
			results = append(results, skipped(sa, in, "strategy_account_inactive"))
		}
		return results
	}

	gw, acct, err := o.Resolver.GatewayForAccount(ctx, sa.AccountID)
	if err != nil {
		log.Printf("orchestrator: gateway for account %d: %v", sa.AccountID, err)
		for _, in := range intents {
			results = append(results, failed(sa, in, "exchange connection unavailable"))
		}
		return results
	}

	for _, in := range intents {
		if ctx.Err() != nil {
			results = append(results, skipped(sa, in, "deadline_exceeded"))
			continue
		}
		results = append(results, o.executeIntent(ctx, gw, acct, sa, in))
	}
	return results
}

func base(sa db.StrategyAccount, in signal.Intent) IntentResult {
	return IntentResult{
		AccountID:         sa.AccountID,
		StrategyAccountID: sa.ID,
		Symbol:            in.Symbol,
		Side:              string(in.Side),
		OrderType:         in.OrderType,
	}
}

func skipped(sa db.StrategyAccount, in signal.Intent, reason string) IntentResult {
	r := base(sa, in)
	r.Status = "skipped"
	r.SkipReason = reason
	return r
}

func failed(sa db.StrategyAccount, in signal.Intent, msg string) IntentResult {
	r := base(sa, in)
	r.Status = "failed"
	r.Error = sanitize.Error(msg)
	return r
}

func (o *Orchestrator) executeIntent(ctx context.Context, gw common.Gateway, acct *db.Account,
	sa db.StrategyAccount, in signal.Intent) IntentResult {
	ownerID := acct.OwnerUserID

	switch in.OrderType {
	case signal.TypeCancel:
		return o.cancelSymbol(ctx, gw, sa, ownerID, in)
	case signal.TypeCancelAllOrder:
		return o.cancelAll(ctx, gw, sa, ownerID, in)
	}
	return o.place(ctx, gw, acct, sa, in)
}

func (o *Orchestrator) cancelSymbol(ctx context.Context, gw common.Gateway,
	sa db.StrategyAccount, ownerID int64, in signal.Intent) IntentResult {
	if _, err := o.DB.DeletePendingForStrategyAccount(ctx, sa.ID, in.Symbol); err != nil {
		log.Printf("orchestrator: flush queue sa=%d %s: %v", sa.ID, in.Symbol, err)
	}
	if err := o.Engine.CancelAllForSymbol(ctx, gw, sa, ownerID, in.Symbol); err != nil {
		return failed(sa, in, err.Error())
	}
	r := base(sa, in)
	r.Success = true
	r.Status = "cancelled"
	return r
}

func (o *Orchestrator) cancelAll(ctx context.Context, gw common.Gateway,
	sa db.StrategyAccount, ownerID int64, in signal.Intent) IntentResult {
	symbols, err := o.DB.ActiveSymbolsForStrategyAccount(ctx, sa.ID)
	if err != nil {
		return failed(sa, in, err.Error())
	}
	if _, err := o.DB.DeletePendingForStrategyAccount(ctx, sa.ID, ""); err != nil {
		log.Printf("orchestrator: flush queue sa=%d: %v", sa.ID, err)
	}

	var lastErr error
	for _, symbol := range symbols {
		if err := o.Engine.CancelAllForSymbol(ctx, gw, sa, ownerID, symbol); err != nil {
			lastErr = err
			log.Printf("orchestrator: cancel all sa=%d %s: %v", sa.ID, symbol, err)
		}
	}
	if lastErr != nil {
		return failed(sa, in, lastErr.Error())
	}
	r := base(sa, in)
	r.Success = true
	r.Status = "cancelled"
	return r
}

// place sizes and submits one order, parking resting types in the
// local queue when the venue's order-count caps are already full.
func (o *Orchestrator) place(ctx context.Context, gw common.Gateway, acct *db.Account,
	sa db.StrategyAccount, in signal.Intent) IntentResult {
	native := gw.NativeSymbol(in.Symbol)
	filter, _ := o.Filters.Filter(common.Exchange(acct.Exchange), common.MarketType(acct.MarketType), native)

	if reason := o.checkSymbolBudget(ctx, sa, in.Symbol); reason != "" {
		return skipped(sa, in, reason)
	}

	price := in.Price
	if price <= 0 {
		price = o.Resolver.CachedPrice(acct, native)
	}

	var positionQty float64
	if pos, err := o.DB.GetPosition(ctx, sa.ID, in.Symbol); err == nil {
		positionQty = pos.Quantity
	}

	var capital float64
	if in.QtyPer > 0 {
		free, err := o.quoteBalance(ctx, gw, in.Symbol)
		if err != nil {
			return failed(sa, in, err.Error())
		}
		capital = free * sa.Weight
	}

	qty, err := engine.ComputeQty(engine.Sizing{
		QtyPer:      in.QtyPer,
		Capital:     capital,
		Price:       price,
		PositionQty: positionQty,
		Side:        in.Side,
		Filter:      filter,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNoPosition) {
			return skipped(sa, in, "no_position_to_close")
		}
		return failed(sa, in, err.Error())
	}

	req := common.OrderRequest{
		Symbol:   in.Symbol,
		Side:     in.Side,
		Type:     common.OrderType(in.OrderType),
		Qty:      qty,
		Market:   common.MarketType(acct.MarketType),
		Leverage: sa.Leverage,
	}
	if in.OrderType != string(common.OrderTypeMarket) && in.Price > 0 {
		req.Price = engine.SnapPrice(in.Price, filter)
	}
	if in.StopPrice > 0 {
		req.StopPrice = engine.SnapPrice(in.StopPrice, filter)
	}

	if req.Type != common.OrderTypeMarket && o.bookFull(ctx, acct, sa, req) {
		return o.park(ctx, sa, in, req)
	}

	order, err := o.Engine.PlaceOrder(ctx, gw, engine.Placement{
		StrategyAccount: sa,
		OwnerUserID:     acct.OwnerUserID,
		Request:         req,
	})
	if err != nil {
		r := failed(sa, in, err.Error())
		if order != nil {
			r.OrderID = order.ID
		}
		return r
	}

	r := base(sa, in)
	r.Success = true
	r.Status = "placed"
	r.OrderID = order.ID
	r.Quantity = qty
	return r
}

// checkSymbolBudget enforces the edge's max_symbols setting for new
// symbols.
func (o *Orchestrator) checkSymbolBudget(ctx context.Context, sa db.StrategyAccount, symbol string) string {
	if sa.MaxSymbols <= 0 {
		return ""
	}
	symbols, err := o.DB.ActiveSymbolsForStrategyAccount(ctx, sa.ID)
	if err != nil {
		return ""
	}
	for _, s := range symbols {
		if s == symbol {
			return ""
		}
	}
	if len(symbols) >= sa.MaxSymbols {
		return "max_symbols_reached"
	}
	return ""
}

// quoteBalance returns the free balance of the symbol's quote asset.
func (o *Orchestrator) quoteBalance(ctx context.Context, gw common.Gateway, symbol string) (float64, error) {
	quote := symbol
	if i := strings.Index(symbol, "/"); i >= 0 {
		quote = symbol[i+1:]
	}
	balances, err := gw.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == quote {
			return b.Free, nil
		}
	}
	return 0, nil
}

// bookFull reports whether placing would exceed the venue's per-side
// cap or the conditional sub-cap for this (account, symbol, side).
func (o *Orchestrator) bookFull(ctx context.Context, acct *db.Account, sa db.StrategyAccount, req common.OrderRequest) bool {
	active, err := o.DB.ListActiveOrdersForAccountSymbol(ctx, sa.AccountID, req.Symbol)
	if err != nil {
		return false
	}
	sideCount, stopCount := 0, 0
	for _, a := range active {
		if a.Side != string(req.Side) {
			continue
		}
		sideCount++
		if common.OrderType(a.OrderType).IsStop() {
			stopCount++
		}
	}
	caps := o.Limits.Caps(common.Exchange(acct.Exchange), common.MarketType(acct.MarketType))
	if sideCount >= caps.MaxPerSide {
		return true
	}
	return req.Type.IsStop() && stopCount >= caps.MaxStopPerSide(o.StopRatio)
}

// park queues the sized order; the scheduler promotes it when a slot
// frees up.
func (o *Orchestrator) park(ctx context.Context, sa db.StrategyAccount, in signal.Intent, req common.OrderRequest) IntentResult {
	p := db.PendingOrder{
		StrategyAccountID: sa.ID,
		AccountID:         sa.AccountID,
		Symbol:            req.Symbol,
		Side:              string(req.Side),
		OrderType:         string(req.Type),
		Quantity:          req.Qty,
		MarketType:        string(req.Market),
	}
	if req.Price > 0 {
		p.Price = sql.NullFloat64{Float64: req.Price, Valid: true}
	}
	if req.StopPrice > 0 {
		p.StopPrice = sql.NullFloat64{Float64: req.StopPrice, Valid: true}
	}
	if _, err := o.DB.CreatePendingOrder(ctx, p); err != nil {
		return failed(sa, in, err.Error())
	}
	r := base(sa, in)
	r.Success = true
	r.Status = "queued"
	r.Quantity = req.Qty
	return r
}
