package common

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// OrderCaps bounds how many orders may rest on the book per side for
// one (exchange, market, symbol).
type OrderCaps struct {
	MaxPerSide     int `yaml:"max_per_side"`
	ConditionalCap int `yaml:"conditional_cap"`
}

// MaxStopPerSide computes the conditional sub-cap: roughly ratio of
// the side's slots, clamped by the venue's own conditional ceiling,
// never above the side cap and never below 1. For max_per_side=2 this
// yields 1 (50%); the at-least-1 guarantee wins over the ratio target.
func (c OrderCaps) MaxStopPerSide(ratio float64) int {
	if c.MaxPerSide <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(c.MaxPerSide) * ratio))
	if c.ConditionalCap > 0 && n > c.ConditionalCap {
		n = c.ConditionalCap
	}
	if n > c.MaxPerSide {
		n = c.MaxPerSide
	}
	if n < 1 {
		n = 1
	}
	return n
}

type limitsFile struct {
	Exchanges map[string]map[string]OrderCaps `yaml:"exchanges"` // exchange -> market -> caps
}

// ExchangeLimits resolves per-venue order-count caps loaded from YAML.
type ExchangeLimits struct {
	caps map[string]OrderCaps
	def  OrderCaps
}

// DefaultOrderCaps applies when a venue/market pair is not configured.
var DefaultOrderCaps = OrderCaps{MaxPerSide: 20, ConditionalCap: 10}

// LoadExchangeLimits reads the caps file. A missing file is not an
// error; defaults apply.
func LoadExchangeLimits(path string) (*ExchangeLimits, error) {
	el := &ExchangeLimits{caps: make(map[string]OrderCaps), def: DefaultOrderCaps}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return el, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}

	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}
	for ex, markets := range f.Exchanges {
		for market, caps := range markets {
			el.caps[ex+"/"+market] = caps
		}
	}
	return el, nil
}

// Caps returns the order-count caps for the venue/market pair.
func (e *ExchangeLimits) Caps(ex Exchange, market MarketType) OrderCaps {
	if c, ok := e.caps[string(ex)+"/"+string(market)]; ok {
		return c
	}
	return e.def
}
