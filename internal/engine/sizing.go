package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradegate/pkg/exchanges/common"
)

var (
	ErrNoPrice          = errors.New("no reference price available")
	ErrNoPosition       = errors.New("no position in the required direction")
	ErrBelowMinQty      = errors.New("quantity below symbol minimum")
	ErrBelowMinNotional = errors.New("order notional below symbol minimum")
)

// SnapDown floors a value onto the step grid. Decimal arithmetic keeps
// 0.1-style steps exact where float math would drift past the venue's
// filter.
func SnapDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	snapped := v.Div(s).Floor().Mul(s)
	f, _ := snapped.Float64()
	return f
}

// Sizing is the input to quantity computation for one account.
type Sizing struct {
	QtyPer      float64 // percent; negative closes position
	Capital     float64 // account quote capital already scaled by weight
	Price       float64 // reference price (order price or cache)
	PositionQty float64 // signed current position
	Side        common.Side
	Filter      common.SymbolFilter
}

// ComputeQty turns qty_per into an exchange-acceptable quantity.
//
// Positive qty_per sizes off capital: capital*qty_per% worth at the
// reference price. qty_per of -100 closes the whole opposite-direction
// position; a fraction in (-100, 0) closes that share of it. The
// result is snapped down to step_size and validated against the
// symbol's minimums.
func ComputeQty(s Sizing) (float64, error) {
	var qty float64

	switch {
	case s.QtyPer > 0:
		if s.Price <= 0 {
			return 0, ErrNoPrice
		}
		qty = s.Capital * s.QtyPer / 100 / s.Price
	case s.QtyPer >= -100 && s.QtyPer < 0:
		held := s.PositionQty
		// A sell closes a long, a buy closes a short.
		if s.Side == common.SideSell && held <= 0 ||
			s.Side == common.SideBuy && held >= 0 {
			return 0, ErrNoPosition
		}
		if held < 0 {
			held = -held
		}
		qty = held * -s.QtyPer / 100
	default:
		return 0, fmt.Errorf("invalid qty_per %v", s.QtyPer)
	}

	qty = SnapDown(qty, s.Filter.StepSize)

	if qty <= 0 || (s.Filter.MinQty > 0 && qty < s.Filter.MinQty) {
		return 0, ErrBelowMinQty
	}
	if s.Filter.MaxQty > 0 && qty > s.Filter.MaxQty {
		qty = SnapDown(s.Filter.MaxQty, s.Filter.StepSize)
	}
	if s.Filter.MinNotional > 0 && s.Price > 0 && qty*s.Price < s.Filter.MinNotional {
		return 0, ErrBelowMinNotional
	}
	return qty, nil
}

// SnapPrice floors a price onto the tick grid when the venue
// publishes one.
func SnapPrice(price float64, f common.SymbolFilter) float64 {
	return SnapDown(price, f.TickSize)
}
