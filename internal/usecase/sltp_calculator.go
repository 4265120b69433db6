package usecase

import (
	"fmt"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

// SLTPCalculator turns a signal plus resolved settings into a position size,
// a stop-loss price and up to three take-profit levels. Every stage is pure;
// the same inputs always produce the same levels.
//
// All percent parameters are percent units and are divided by 100 exactly
// once here. Offsets are added for shorts and subtracted for longs on the
// stop side, mirrored on the profit side.
type SLTPCalculator struct{}

func NewSLTPCalculator() *SLTPCalculator {
	return &SLTPCalculator{}
}

// CalcResult is the calculator output. TakeProfits are ordered away from
// entry; OrderID fields are filled later by the orchestrator.
type CalcResult struct {
	Quantity    float64
	StopLoss    float64
	TakeProfits []domain.TakeProfitLeg
}

// PositionSize computes the base quantity from the sizing settings. equity is
// only consulted in percent mode.
func (c *SLTPCalculator) PositionSize(set domain.EffectiveSettings, entryPrice, equity float64) (float64, error) {
	if entryPrice <= 0 {
		return 0, fmt.Errorf("invalid entry price %f", entryPrice)
	}
	switch set.SizingMode {
	case domain.SizingFixed:
		return set.SizingValue / entryPrice, nil
	case domain.SizingPercent:
		if equity <= 0 {
			return 0, fmt.Errorf("percent sizing needs account equity, got %f", equity)
		}
		return equity * (set.SizingValue / 100) / entryPrice, nil
	default:
		return 0, fmt.Errorf("unknown sizing mode %q", set.SizingMode)
	}
}

// stopDistance returns the positive price distance between entry and stop.
func (c *SLTPCalculator) stopDistance(set domain.EffectiveSettings, sig *domain.Signal, qty float64, leverage int) (float64, error) {
	switch set.StopLossMethod {
	case domain.StopLossPercentEntry:
		return sig.Price * (set.StopLossValue / 100), nil
	case domain.StopLossPercentMargin:
		if leverage < 1 {
			leverage = 1
		}
		// loss = margin * pct; margin = entry*qty/leverage; offset = loss/qty
		return sig.Price / float64(leverage) * (set.StopLossValue / 100), nil
	case domain.StopLossFixedCurrency:
		if qty <= 0 {
			return 0, fmt.Errorf("fixed-currency stop needs a quantity")
		}
		return set.StopLossValue / qty, nil
	case domain.StopLossATR:
		if sig.ATR <= 0 {
			return 0, fmt.Errorf("atr stop needs a positive ATR, got %f", sig.ATR)
		}
		return sig.ATR * set.StopLossValue, nil
	default:
		return 0, fmt.Errorf("unknown stop-loss method %q", set.StopLossMethod)
	}
}

// tpDistances returns the positive distances from entry for each configured
// level, before overlays.
func (c *SLTPCalculator) tpDistances(set domain.EffectiveSettings, sig *domain.Signal, stopDist float64) ([]float64, error) {
	if len(set.TPLevels) == 0 {
		return nil, fmt.Errorf("no take-profit levels configured")
	}
	levels := set.TPLevels
	if len(levels) > 3 {
		levels = levels[:3]
	}

	dists := make([]float64, len(levels))
	switch set.TPStrategy {
	case domain.TakeProfitPercent:
		base := levels[0].Value
		for i, lv := range levels {
			pct := lv.Value
			if pct == 0 {
				// Levels 2 and 3 default to 1.5x and 2x the first.
				pct = base * defaultLevelScale(i)
			}
			dists[i] = sig.Price * (pct / 100)
		}
	case domain.TakeProfitRiskReward:
		if stopDist <= 0 {
			return nil, fmt.Errorf("risk:reward take-profit needs a stop distance")
		}
		for i, lv := range levels {
			if lv.Value <= 0 {
				return nil, fmt.Errorf("risk:reward ratio missing for level %d", i+1)
			}
			dists[i] = stopDist * lv.Value
		}
	case domain.TakeProfitATR:
		if sig.ATR <= 0 {
			return nil, fmt.Errorf("atr take-profit needs a positive ATR, got %f", sig.ATR)
		}
		base := levels[0].Value
		for i, lv := range levels {
			mult := lv.Value
			if mult == 0 {
				mult = base * defaultLevelScale(i)
			}
			dists[i] = sig.ATR * mult
		}
	default:
		return nil, fmt.Errorf("unknown take-profit strategy %q", set.TPStrategy)
	}
	return dists, nil
}

func defaultLevelScale(i int) float64 {
	switch i {
	case 1:
		return 1.5
	case 2:
		return 2.0
	default:
		return 1.0
	}
}

// applyOverlays rescales take-profit distances. The order is fixed so results
// are reproducible: volatility spacing, then momentum, then adaptive
// risk:reward.
func (c *SLTPCalculator) applyOverlays(set domain.EffectiveSettings, sig *domain.Signal, dists []float64) []float64 {
	mult := 1.0

	if set.VolatilityAdaptive {
		if sig.VolumeRatio >= set.VolatilityThreshold {
			mult *= set.VolatilityHighMult
		} else {
			mult *= set.VolatilityLowMult
		}
	}

	if set.MomentumAdaptive {
		switch {
		case sig.Strength < 0.3:
			mult *= set.MomentumWeakMult
		case sig.Strength < 0.6:
			mult *= set.MomentumModerateMult
		default:
			mult *= set.MomentumStrongMult
		}
	}

	if set.AdaptiveRR {
		// Strength rescaled to a 0-10 score and bucketed into four tiers.
		score := sig.Strength * 10
		switch {
		case score < 2.5:
			mult *= set.RRWeakMult
		case score < 5:
			mult *= set.RRStandardMult
		case score < 7.5:
			mult *= set.RRStrongMult
		default:
			mult *= set.RRVeryStrongMult
		}
	}

	if mult == 1.0 {
		return dists
	}
	out := make([]float64, len(dists))
	for i, d := range dists {
		out[i] = d * mult
	}
	return out
}

// Compute runs the full pipeline: size, stop, take-profits, overlays.
func (c *SLTPCalculator) Compute(sig *domain.Signal, set domain.EffectiveSettings, equity float64, leverage int) (*CalcResult, error) {
	qty, err := c.PositionSize(set, sig.Price, equity)
	if err != nil {
		return nil, err
	}

	stopDist, err := c.stopDistance(set, sig, qty, leverage)
	if err != nil {
		return nil, err
	}

	dists, err := c.tpDistances(set, sig, stopDist)
	if err != nil {
		return nil, err
	}
	dists = c.applyOverlays(set, sig, dists)

	if set.FeeAwareBreakEven {
		// The first target must clear round-trip fees, otherwise a TP1
		// fill lands below break-even.
		minDist := sig.Price * (2 * set.FeeRatePct / 100)
		if dists[0] < minDist {
			// Lifting TP1 must not reorder the ladder: any level the
			// floor overtakes keeps its configured gap above the one
			// before it.
			gaps := make([]float64, len(dists))
			for i := 1; i < len(dists); i++ {
				gaps[i] = dists[i] - dists[i-1]
			}
			dists[0] = minDist
			for i := 1; i < len(dists); i++ {
				if dists[i] <= dists[i-1] {
					dists[i] = dists[i-1] + gaps[i]
				}
			}
		}
	}

	result := &CalcResult{Quantity: qty}

	if sig.Side == domain.SideLong {
		result.StopLoss = sig.Price - stopDist
	} else {
		result.StopLoss = sig.Price + stopDist
	}

	for i, d := range dists {
		var price float64
		if sig.Side == domain.SideLong {
			price = sig.Price + d
		} else {
			price = sig.Price - d
		}
		legQty := qty
		if set.PartialClose {
			legQty = qty * set.TPLevels[i].CloseFraction
		}
		result.TakeProfits = append(result.TakeProfits, domain.TakeProfitLeg{
			Price:    price,
			Quantity: legQty,
		})
	}

	return result, nil
}
