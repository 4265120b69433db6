package domain

import "strings"

// SymbolRules holds per-symbol minimum notional and leverage caps. Leverage
// caps are resolved by category: an exact-match tier, a majors tier, then a
// catch-all altcoin tier with the lowest cap.
type SymbolRules struct {
	minNotional     map[string]float64
	defaultNotional float64

	exactLeverage map[string]int
	majors        map[string]bool
	majorLeverage int
	altLeverage   int
}

// AdjustResult reports a quantity after the minimum-notional check.
type AdjustResult struct {
	Quantity    float64
	Notional    float64
	WasAdjusted bool
}

// NewSymbolRules returns the rule table for USDT linear perpetuals.
func NewSymbolRules() *SymbolRules {
	return &SymbolRules{
		minNotional: map[string]float64{
			"BTCUSDT": 100,
			"ETHUSDT": 20,
		},
		defaultNotional: 5,
		exactLeverage: map[string]int{
			"BTCUSDT": 100,
			"ETHUSDT": 100,
		},
		majors: map[string]bool{
			"SOLUSDT":  true,
			"BNBUSDT":  true,
			"XRPUSDT":  true,
			"ADAUSDT":  true,
			"DOGEUSDT": true,
		},
		majorLeverage: 50,
		altLeverage:   25,
	}
}

// MinNotional returns the minimum order value for a symbol, falling back to a
// fixed floor for unlisted symbols.
func (r *SymbolRules) MinNotional(symbol string) float64 {
	if v, ok := r.minNotional[strings.ToUpper(symbol)]; ok {
		return v
	}
	return r.defaultNotional
}

// MaxLeverage returns the leverage cap for a symbol.
func (r *SymbolRules) MaxLeverage(symbol string) int {
	sym := strings.ToUpper(symbol)
	if v, ok := r.exactLeverage[sym]; ok {
		return v
	}
	if r.majors[sym] {
		return r.majorLeverage
	}
	return r.altLeverage
}

// ClampLeverage bounds a requested leverage to [1, MaxLeverage(symbol)].
func (r *SymbolRules) ClampLeverage(symbol string, leverage int) int {
	if leverage < 1 {
		return 1
	}
	if max := r.MaxLeverage(symbol); leverage > max {
		return max
	}
	return leverage
}

// AdjustToMinimum raises a quantity so that quantity*price reaches the
// symbol's minimum notional. Quantities already at or above the floor pass
// through unchanged, so applying it twice equals applying it once.
func (r *SymbolRules) AdjustToMinimum(quantity float64, symbol string, price float64) AdjustResult {
	if price <= 0 {
		return AdjustResult{Quantity: quantity, Notional: 0}
	}
	min := r.MinNotional(symbol)
	notional := quantity * price
	if notional >= min {
		return AdjustResult{Quantity: quantity, Notional: notional}
	}
	adjusted := min / price
	return AdjustResult{Quantity: adjusted, Notional: min, WasAdjusted: true}
}
