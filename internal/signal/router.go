// Package signal turns raw webhook bodies into validated, routed
// intents. Every gate here is hard: a request that fails normalization,
// strategy lookup, token check or parameter validation never reaches
// the orchestrator.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

// Webhook-only order types, accepted alongside the placement types in
// pkg/exchanges/common.
const (
	TypeCancel         = "CANCEL"
	TypeCancelAllOrder = "CANCEL_ALL_ORDER"
)

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyInactive = errors.New("strategy is not active")
	ErrTokenRejected    = errors.New("token not valid for strategy")
)

// ValidationError is returned for malformed intents. The webhook
// handler surfaces it as HTTP 200 with success=false.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err should be surfaced to the signal
// source instead of being treated as an internal fault.
func IsUserError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v) ||
		errors.Is(err, ErrStrategyNotFound) ||
		errors.Is(err, ErrStrategyInactive) ||
		errors.Is(err, ErrTokenRejected)
}

// optFloat is a JSON number that may arrive as a string and whose
// presence matters for validation.
type optFloat struct {
	Set   bool
	Value float64
}

func (f *optFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	f.Set = true
	f.Value = v
	return nil
}

type rawIntent struct {
	GroupName string   `json:"group_name"`
	Token     string   `json:"token"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	OrderType string   `json:"order_type"`
	Price     optFloat `json:"price"`
	StopPrice optFloat `json:"stop_price"`
	QtyPer    optFloat `json:"qty_per"`
}

// payload covers both webhook shapes. Orders is a pointer so that the
// presence of the key itself, not its length, decides batch handling.
type payload struct {
	rawIntent
	Orders *[]rawIntent `json:"orders"`
}

// Intent is one validated order instruction.
type Intent struct {
	Symbol    string
	Side      common.Side
	OrderType string
	Price     float64
	StopPrice float64
	QtyPer    float64

	HasPrice bool
	HasStop  bool
}

// IsCancel reports whether the intent cancels instead of placing.
func (i Intent) IsCancel() bool {
	return i.OrderType == TypeCancel || i.OrderType == TypeCancelAllOrder
}

// Signal is a routed webhook: the resolved strategy plus the intents
// split into priority classes. High runs before Low; order within each
// class follows the request body.
type Signal struct {
	Strategy *db.Strategy
	High     []Intent
	Low      []Intent
	Batch    bool
}

// Intents returns both classes in execution order.
func (s *Signal) Intents() []Intent {
	out := make([]Intent, 0, len(s.High)+len(s.Low))
	out = append(out, s.High...)
	return append(out, s.Low...)
}

// Router validates webhook bodies against the strategy store.
type Router struct {
	DB       *db.Database
	MaxBatch int
}

// NewRouter creates a router. maxBatch caps the intents per request.
func NewRouter(database *db.Database, maxBatch int) *Router {
	return &Router{DB: database, MaxBatch: maxBatch}
}

// Route parses, authenticates and validates one webhook body.
func (r *Router) Route(ctx context.Context, body []byte) (*Signal, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}

	groupName := strings.TrimSpace(p.GroupName)
	if groupName == "" {
		return nil, invalidf("group_name is required")
	}

	strategy, err := r.DB.GetStrategyByGroupName(ctx, groupName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrStrategyNotFound
	}
	if err != nil {
		return nil, err
	}
	if !strategy.IsActive {
		return nil, ErrStrategyInactive
	}

	tokens, err := r.DB.ValidWebhookTokens(ctx, strategy.ID)
	if err != nil {
		return nil, err
	}
	if !tokens[strings.TrimSpace(p.Token)] {
		return nil, ErrTokenRejected
	}

	raws := []rawIntent{p.rawIntent}
	batch := p.Orders != nil
	if batch {
		raws = *p.Orders
		if len(raws) == 0 {
			return nil, invalidf("orders must not be empty")
		}
		if len(raws) > r.MaxBatch {
			return nil, invalidf("batch of %d exceeds limit of %d", len(raws), r.MaxBatch)
		}
	}

	sig := &Signal{Strategy: strategy, Batch: batch}
	for i, raw := range raws {
		intent, err := normalize(raw)
		if err != nil {
			if batch {
				return nil, invalidf("orders[%d]: %v", i, err)
			}
			return nil, err
		}
		if isHighPriority(intent.OrderType) {
			sig.High = append(sig.High, intent)
		} else {
			sig.Low = append(sig.Low, intent)
		}
	}
	return sig, nil
}

// Cancellations and market orders must execute promptly; resting order
// types can wait behind them and may be queued by the scheduler.
func isHighPriority(orderType string) bool {
	switch orderType {
	case TypeCancelAllOrder, TypeCancel, string(common.OrderTypeMarket):
		return true
	}
	return false
}

// normalize applies the per-intent gates: field cleanup, side and
// symbol canonicalization, then the per-order-type parameter table.
func normalize(raw rawIntent) (Intent, error) {
	orderType := strings.ToUpper(strings.TrimSpace(raw.OrderType))
	if !validOrderType(orderType) {
		return Intent{}, invalidf("unsupported order_type %q", raw.OrderType)
	}

	intent := Intent{
		OrderType: orderType,
		Symbol:    CanonicalSymbol(raw.Symbol),
		HasPrice:  raw.Price.Set,
		HasStop:   raw.StopPrice.Set,
	}
	if raw.Price.Set {
		intent.Price = raw.Price.Value
	}
	if raw.StopPrice.Set {
		intent.StopPrice = raw.StopPrice.Value
	}

	if orderType != TypeCancelAllOrder && intent.Symbol == "" {
		return Intent{}, invalidf("symbol is required")
	}

	if orderType != TypeCancel && orderType != TypeCancelAllOrder {
		side, err := mapSide(raw.Side)
		if err != nil {
			return Intent{}, err
		}
		intent.Side = side

		if !raw.QtyPer.Set || raw.QtyPer.Value == 0 {
			return Intent{}, invalidf("qty_per is required")
		}
		if raw.QtyPer.Value < -100 {
			return Intent{}, invalidf("qty_per %v: close fraction cannot exceed 100%%", raw.QtyPer.Value)
		}
		intent.QtyPer = raw.QtyPer.Value
	}

	switch orderType {
	case string(common.OrderTypeLimit):
		if !intent.HasPrice || intent.Price <= 0 {
			return Intent{}, invalidf("LIMIT requires price")
		}
		if intent.HasStop {
			return Intent{}, invalidf("LIMIT does not accept stop_price")
		}
	case string(common.OrderTypeStopLimit), string(common.OrderTypeStopMarket):
		if !intent.HasPrice || intent.Price <= 0 {
			return Intent{}, invalidf("%s requires price", orderType)
		}
		if !intent.HasStop || intent.StopPrice <= 0 {
			return Intent{}, invalidf("%s requires stop_price", orderType)
		}
	case string(common.OrderTypeMarket):
		if intent.HasStop {
			log.Printf("signal: dropping stop_price %v on MARKET order for %s", intent.StopPrice, intent.Symbol)
			intent.StopPrice = 0
			intent.HasStop = false
		}
		if intent.HasPrice && intent.Price <= 0 {
			return Intent{}, invalidf("price must be positive")
		}
	}
	return intent, nil
}

func validOrderType(t string) bool {
	switch t {
	case string(common.OrderTypeMarket), string(common.OrderTypeLimit),
		string(common.OrderTypeStopLimit), string(common.OrderTypeStopMarket),
		TypeCancel, TypeCancelAllOrder:
		return true
	}
	return false
}

func mapSide(s string) (common.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return common.SideBuy, nil
	case "sell":
		return common.SideSell, nil
	}
	return "", invalidf("side must be buy or sell, got %q", s)
}

// CanonicalSymbol maps the inbound symbol to BASE/QUOTE form. Separated
// forms are converted directly; bare concatenations are split on a
// known quote currency suffix.
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i] + "/" + s[i+len(sep):]
		}
	}
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}

// Longest first so BTCFDUSD does not match USD.
var quoteSuffixes = []string{
	"FDUSD", "BUSD", "USDT", "USDC", "TUSD",
	"KRW", "USD", "EUR", "BTC", "ETH", "BNB",
}
