package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

func baseSettings() domain.EffectiveSettings {
	return domain.EffectiveSettings{
		SizingMode:     domain.SizingFixed,
		SizingValue:    100,
		Leverage:       10,
		StopLossMethod: domain.StopLossPercentEntry,
		StopLossValue:  1.5,
		TPStrategy:     domain.TakeProfitRiskReward,
		TPLevels:       []domain.TPLevelSetting{{Value: 2.0, CloseFraction: 1.0}},
	}
}

func longSignal(price float64) *domain.Signal {
	return &domain.Signal{
		UserID: "u1",
		Symbol: "BTCUSDT",
		Side:   domain.SideLong,
		Price:  price,
	}
}

func TestComputeLongPercentEntryRiskReward(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	sig := longSignal(100000)

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)

	// 1.5% of entry below, stop distance doubled above.
	require.InDelta(t, 98500.0, res.StopLoss, 1e-9)
	require.Len(t, res.TakeProfits, 1)
	require.InDelta(t, 103000.0, res.TakeProfits[0].Price, 1e-9)
	require.InDelta(t, 0.001, res.Quantity, 1e-12)
}

func TestComputeShortMirrorsLong(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	sig := longSignal(100000)
	sig.Side = domain.SideShort

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)

	require.InDelta(t, 101500.0, res.StopLoss, 1e-9)
	require.InDelta(t, 97000.0, res.TakeProfits[0].Price, 1e-9)
}

func TestStopDistanceMethods(t *testing.T) {
	calc := NewSLTPCalculator()
	sig := longSignal(100000)
	sig.ATR = 500

	tests := []struct {
		name     string
		method   domain.StopLossMethod
		value    float64
		wantStop float64
	}{
		{"percent of entry", domain.StopLossPercentEntry, 1.5, 98500},
		// margin = 100000*0.001/10 = 10; loss = 10 * 100% = 10; offset = 10/0.001
		{"percent of margin", domain.StopLossPercentMargin, 100, 90000},
		// 50 currency over 0.001 qty = 50000 offset
		{"fixed currency", domain.StopLossFixedCurrency, 50, 50000},
		{"atr multiple", domain.StopLossATR, 2, 99000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := baseSettings()
			set.StopLossMethod = tt.method
			set.StopLossValue = tt.value

			res, err := calc.Compute(sig, set, 0, 10)
			require.NoError(t, err)
			require.InDelta(t, tt.wantStop, res.StopLoss, 1e-6)
		})
	}
}

func TestTakeProfitPercentDefaultsLevels(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	set.TPStrategy = domain.TakeProfitPercent
	set.TPLevels = []domain.TPLevelSetting{
		{Value: 1, CloseFraction: 0.5},
		{CloseFraction: 0.3},
		{CloseFraction: 0.2},
	}
	sig := longSignal(100000)

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.TakeProfits, 3)

	// Unset levels scale from the first: 1%, 1.5%, 2%.
	require.InDelta(t, 101000.0, res.TakeProfits[0].Price, 1e-9)
	require.InDelta(t, 101500.0, res.TakeProfits[1].Price, 1e-9)
	require.InDelta(t, 102000.0, res.TakeProfits[2].Price, 1e-9)
}

func TestOverlaysAccumulateInFixedOrder(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	set.VolatilityAdaptive = true
	set.VolatilityThreshold = 1.5
	set.VolatilityHighMult = 1.3
	set.VolatilityLowMult = 0.8
	set.MomentumAdaptive = true
	set.MomentumWeakMult = 0.8
	set.MomentumModerateMult = 1.0
	set.MomentumStrongMult = 1.25
	set.AdaptiveRR = true
	set.RRWeakMult = 0.75
	set.RRStandardMult = 1.0
	set.RRStrongMult = 1.2
	set.RRVeryStrongMult = 1.5

	sig := longSignal(100000)
	sig.VolumeRatio = 2.0 // high volatility
	sig.Strength = 0.7    // strong momentum, strong rr tier

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)

	// Base TP distance 3000, scaled by 1.3 * 1.25 * 1.2.
	want := 100000 + 3000*1.3*1.25*1.2
	require.InDelta(t, want, res.TakeProfits[0].Price, 1e-6)
	// The stop never moves with overlays.
	require.InDelta(t, 98500.0, res.StopLoss, 1e-9)
}

func TestFeeFloorLiftsFirstTarget(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	set.StopLossValue = 0.01 // 1 point stop at 100000
	set.TPLevels = []domain.TPLevelSetting{{Value: 1, CloseFraction: 1}}
	set.FeeAwareBreakEven = true
	set.FeeRatePct = 0.055

	sig := longSignal(100000)

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)

	// Round-trip fees are 0.11% of entry = 110 points; the raw target of 10
	// points is lifted to break-even.
	require.InDelta(t, 100110.0, res.TakeProfits[0].Price, 1e-6)
}

func TestFeeFloorKeepsLevelOrdering(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	set.TPStrategy = domain.TakeProfitPercent
	set.TPLevels = []domain.TPLevelSetting{
		{Value: 0.05, CloseFraction: 0.5},
		{Value: 0.075, CloseFraction: 0.3},
		{Value: 0.1, CloseFraction: 0.2},
	}
	set.FeeAwareBreakEven = true
	set.FeeRatePct = 0.055

	sig := longSignal(100000)

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.TakeProfits, 3)

	// The 0.11% fee floor pushes TP1 past the raw TP2 and TP3; the
	// overtaken levels keep their configured gaps above the lifted one.
	require.InDelta(t, 100110.0, res.TakeProfits[0].Price, 1e-6)
	require.InDelta(t, 100135.0, res.TakeProfits[1].Price, 1e-6)
	require.InDelta(t, 100160.0, res.TakeProfits[2].Price, 1e-6)
	require.Less(t, res.TakeProfits[0].Price, res.TakeProfits[1].Price)
	require.Less(t, res.TakeProfits[1].Price, res.TakeProfits[2].Price)
}

func TestPercentSizingUsesEquity(t *testing.T) {
	calc := NewSLTPCalculator()
	set := baseSettings()
	set.SizingMode = domain.SizingPercent
	set.SizingValue = 2 // 2% of equity

	qty, err := calc.PositionSize(set, 50000, 10000)
	require.NoError(t, err)
	require.InDelta(t, 0.004, qty, 1e-12)

	_, err = calc.PositionSize(set, 50000, 0)
	require.Error(t, err, "percent sizing without equity must fail")
}

func TestPartialCloseFractionsSplitQuantity(t *testing.T) {
	calc := NewSLTPCalculator()
	set := DefaultSettings() // three levels at 0.5/0.3/0.2
	sig := longSignal(100000)

	res, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.TakeProfits, 3)

	require.InDelta(t, res.Quantity*0.5, res.TakeProfits[0].Quantity, 1e-12)
	require.InDelta(t, res.Quantity*0.3, res.TakeProfits[1].Quantity, 1e-12)
	require.InDelta(t, res.Quantity*0.2, res.TakeProfits[2].Quantity, 1e-12)
}

func TestLevelsOrderedAwayFromEntry(t *testing.T) {
	calc := NewSLTPCalculator()
	set := DefaultSettings()

	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		sig := longSignal(100000)
		sig.Side = side

		res, err := calc.Compute(sig, set, 0, 10)
		require.NoError(t, err)
		require.Len(t, res.TakeProfits, 3)

		if side == domain.SideLong {
			require.Less(t, res.StopLoss, sig.Price)
			require.Greater(t, res.TakeProfits[0].Price, sig.Price)
			require.Less(t, res.TakeProfits[0].Price, res.TakeProfits[1].Price)
			require.Less(t, res.TakeProfits[1].Price, res.TakeProfits[2].Price)
		} else {
			require.Greater(t, res.StopLoss, sig.Price)
			require.Less(t, res.TakeProfits[0].Price, sig.Price)
			require.Greater(t, res.TakeProfits[0].Price, res.TakeProfits[1].Price)
			require.Greater(t, res.TakeProfits[1].Price, res.TakeProfits[2].Price)
		}
	}
}

func TestComputeSameInputsSameOutput(t *testing.T) {
	calc := NewSLTPCalculator()
	set := DefaultSettings()
	set.VolatilityAdaptive = true
	set.MomentumAdaptive = true
	set.AdaptiveRR = true
	sig := longSignal(64321.5)
	sig.Strength = 0.42
	sig.VolumeRatio = 1.1

	first, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)
	second, err := calc.Compute(sig, set, 0, 10)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
