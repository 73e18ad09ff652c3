package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMaxStopPerSide(t *testing.T) {
	cases := []struct {
		name  string
		caps  OrderCaps
		ratio float64
		want  int
	}{
		{"quarter of twenty", OrderCaps{MaxPerSide: 20, ConditionalCap: 10}, 0.25, 5},
		{"small side rounds up to one", OrderCaps{MaxPerSide: 2, ConditionalCap: 10}, 0.25, 1},
		{"conditional ceiling clamps", OrderCaps{MaxPerSide: 10, ConditionalCap: 2}, 0.5, 2},
		{"never above side cap", OrderCaps{MaxPerSide: 3, ConditionalCap: 10}, 2.0, 3},
		{"at least one", OrderCaps{MaxPerSide: 10, ConditionalCap: 10}, 0, 1},
		{"zero side cap", OrderCaps{MaxPerSide: 0, ConditionalCap: 10}, 0.25, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.caps.MaxStopPerSide(tc.ratio); got != tc.want {
				t.Fatalf("MaxStopPerSide(%v) = %d, want %d", tc.ratio, got, tc.want)
			}
		})
	}
}

func TestLoadExchangeLimits(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		el, err := LoadExchangeLimits(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got := el.Caps(ExchangeBinance, MarketFutures); got != DefaultOrderCaps {
			t.Fatalf("caps = %+v, want defaults", got)
		}
	})

	t.Run("configured venue", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "limits.yaml")
		data := []byte("exchanges:\n  UPBIT:\n    SPOT:\n      max_per_side: 5\n      conditional_cap: 1\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		el, err := LoadExchangeLimits(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		got := el.Caps(ExchangeUpbit, MarketSpot)
		if got.MaxPerSide != 5 || got.ConditionalCap != 1 {
			t.Fatalf("caps = %+v", got)
		}
		if el.Caps(ExchangeBybit, MarketSpot) != DefaultOrderCaps {
			t.Fatal("unlisted venue should fall back to defaults")
		}
	})
}
