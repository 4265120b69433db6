package usecase

import "github.com/vitos/crypto_signal_copier/internal/domain"

// DefaultSettings returns the admin default configuration. Users inherit any
// field they have not overridden.
func DefaultSettings() domain.EffectiveSettings {
	return domain.EffectiveSettings{
		SizingMode:  domain.SizingFixed,
		SizingValue: 100,
		Leverage:    10,

		StopLossMethod: domain.StopLossPercentEntry,
		StopLossValue:  1.5,

		TPStrategy: domain.TakeProfitRiskReward,
		TPLevels: []domain.TPLevelSetting{
			{Value: 1.5, CloseFraction: 0.5},
			{Value: 2.5, CloseFraction: 0.3},
			{Value: 4.0, CloseFraction: 0.2},
		},
		PartialClose: true,

		VolatilityAdaptive:  false,
		VolatilityThreshold: 1.5,
		VolatilityHighMult:  1.3,
		VolatilityLowMult:   0.8,

		MomentumAdaptive:     false,
		MomentumWeakMult:     0.8,
		MomentumModerateMult: 1.0,
		MomentumStrongMult:   1.25,

		AdaptiveRR:       false,
		RRWeakMult:       0.75,
		RRStandardMult:   1.0,
		RRStrongMult:     1.2,
		RRVeryStrongMult: 1.5,

		FeeAwareBreakEven: false,
		FeeRatePct:        0.055,

		MaxOpenPositions:  5,
		DailyLossLimit:    500,
		DailyLossLimitPct: 0,
	}
}

// ResolveSettings merges a user record over the admin defaults. The merge is
// total: every field of the result comes from exactly one of the two inputs.
// A nil user record resolves to the admin defaults unchanged.
func ResolveSettings(user *domain.UserSettings, admin domain.EffectiveSettings) domain.EffectiveSettings {
	out := admin
	if user == nil {
		return out
	}

	// Sizing group.
	if user.SizingMode != nil {
		out.SizingMode = *user.SizingMode
	}
	if user.SizingValue != nil {
		out.SizingValue = *user.SizingValue
	}
	if user.Leverage != nil {
		out.Leverage = *user.Leverage
	}

	// Stop-loss / take-profit group.
	if user.StopLossMethod != nil {
		out.StopLossMethod = *user.StopLossMethod
	}
	if user.StopLossValue != nil {
		out.StopLossValue = *user.StopLossValue
	}
	if user.TPStrategy != nil {
		out.TPStrategy = *user.TPStrategy
	}
	if user.TPLevels != nil {
		levels := make([]domain.TPLevelSetting, len(user.TPLevels))
		copy(levels, user.TPLevels)
		if len(levels) > 3 {
			levels = levels[:3]
		}
		out.TPLevels = levels
	}
	if user.PartialClose != nil {
		out.PartialClose = *user.PartialClose
	}

	// Adaptive overlays.
	if user.VolatilityAdaptive != nil {
		out.VolatilityAdaptive = *user.VolatilityAdaptive
	}
	if user.VolatilityThreshold != nil {
		out.VolatilityThreshold = *user.VolatilityThreshold
	}
	if user.VolatilityHighMult != nil {
		out.VolatilityHighMult = *user.VolatilityHighMult
	}
	if user.VolatilityLowMult != nil {
		out.VolatilityLowMult = *user.VolatilityLowMult
	}
	if user.MomentumAdaptive != nil {
		out.MomentumAdaptive = *user.MomentumAdaptive
	}
	if user.MomentumWeakMult != nil {
		out.MomentumWeakMult = *user.MomentumWeakMult
	}
	if user.MomentumModerateMult != nil {
		out.MomentumModerateMult = *user.MomentumModerateMult
	}
	if user.MomentumStrongMult != nil {
		out.MomentumStrongMult = *user.MomentumStrongMult
	}
	if user.AdaptiveRR != nil {
		out.AdaptiveRR = *user.AdaptiveRR
	}
	if user.RRWeakMult != nil {
		out.RRWeakMult = *user.RRWeakMult
	}
	if user.RRStandardMult != nil {
		out.RRStandardMult = *user.RRStandardMult
	}
	if user.RRStrongMult != nil {
		out.RRStrongMult = *user.RRStrongMult
	}
	if user.RRVeryStrongMult != nil {
		out.RRVeryStrongMult = *user.RRVeryStrongMult
	}

	// Break-even group.
	if user.FeeAwareBreakEven != nil {
		out.FeeAwareBreakEven = *user.FeeAwareBreakEven
	}
	if user.FeeRatePct != nil {
		out.FeeRatePct = *user.FeeRatePct
	}

	// Risk limits group.
	if user.MaxOpenPositions != nil {
		out.MaxOpenPositions = *user.MaxOpenPositions
	}
	if user.DailyLossLimit != nil {
		out.DailyLossLimit = *user.DailyLossLimit
	}
	if user.DailyLossLimitPct != nil {
		out.DailyLossLimitPct = *user.DailyLossLimitPct
	}

	return out
}
