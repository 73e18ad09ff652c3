package engine

import (
	"errors"
	"math"
	"testing"

	"tradegate/pkg/exchanges/common"
)

func TestSnapDown(t *testing.T) {
	cases := []struct {
		value, step, want float64
	}{
		{0.0055, 0.001, 0.005},
		{0.3, 0.1, 0.3}, // float64 0.1 arithmetic must not lose the last step
		{123.456, 0.05, 123.45},
		{7, 0, 7},
	}
	for _, tc := range cases {
		if got := SnapDown(tc.value, tc.step); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("SnapDown(%v, %v) = %v, want %v", tc.value, tc.step, got, tc.want)
		}
	}
}

func TestComputeQty(t *testing.T) {
	filter := common.SymbolFilter{MinQty: 0.001, StepSize: 0.001, MinNotional: 100}

	t.Run("percent of capital", func(t *testing.T) {
		qty, err := ComputeQty(Sizing{
			QtyPer: 5, Capital: 10000, Price: 90000,
			Side: common.SideBuy, Filter: filter,
		})
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		// 10000 * 5% / 90000 = 0.00555..., floored to the step grid
		if qty != 0.005 {
			t.Fatalf("qty = %v, want 0.005", qty)
		}
	})

	t.Run("close full position", func(t *testing.T) {
		qty, err := ComputeQty(Sizing{
			QtyPer: -100, Price: 90000, PositionQty: 0.004,
			Side: common.SideSell, Filter: filter,
		})
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if qty != 0.004 {
			t.Fatalf("qty = %v, want 0.004", qty)
		}
	})

	t.Run("close half of short with buy", func(t *testing.T) {
		qty, err := ComputeQty(Sizing{
			QtyPer: -50, Price: 90000, PositionQty: -0.01,
			Side: common.SideBuy, Filter: filter,
		})
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if qty != 0.005 {
			t.Fatalf("qty = %v, want 0.005", qty)
		}
	})

	t.Run("no position to close", func(t *testing.T) {
		_, err := ComputeQty(Sizing{
			QtyPer: -100, Price: 90000, PositionQty: 0.01,
			Side: common.SideBuy, Filter: filter,
		})
		if !errors.Is(err, ErrNoPosition) {
			t.Fatalf("err = %v, want ErrNoPosition", err)
		}
	})

	t.Run("missing price", func(t *testing.T) {
		_, err := ComputeQty(Sizing{QtyPer: 5, Capital: 10000, Side: common.SideBuy, Filter: filter})
		if !errors.Is(err, ErrNoPrice) {
			t.Fatalf("err = %v, want ErrNoPrice", err)
		}
	})

	t.Run("below minimum quantity", func(t *testing.T) {
		_, err := ComputeQty(Sizing{
			QtyPer: 0.001, Capital: 100, Price: 90000,
			Side: common.SideBuy, Filter: filter,
		})
		if !errors.Is(err, ErrBelowMinQty) {
			t.Fatalf("err = %v, want ErrBelowMinQty", err)
		}
	})

	t.Run("below minimum notional", func(t *testing.T) {
		_, err := ComputeQty(Sizing{
			QtyPer: 10, Capital: 100, Price: 1,
			Side: common.SideBuy, Filter: common.SymbolFilter{MinQty: 1, StepSize: 1, MinNotional: 100},
		})
		if !errors.Is(err, ErrBelowMinNotional) {
			t.Fatalf("err = %v, want ErrBelowMinNotional", err)
		}
	})

	t.Run("invalid qty_per", func(t *testing.T) {
		if _, err := ComputeQty(Sizing{QtyPer: -150, PositionQty: 1, Side: common.SideSell, Filter: filter}); err == nil {
			t.Fatal("expected error for qty_per below -100")
		}
	})
}
