package domain

type SizingMode string

const (
	SizingFixed   SizingMode = "fixed"   // fixed notional in quote currency
	SizingPercent SizingMode = "percent" // percent of account equity
)

type StopLossMethod string

const (
	StopLossPercentEntry  StopLossMethod = "percent_entry"
	StopLossPercentMargin StopLossMethod = "percent_margin"
	StopLossFixedCurrency StopLossMethod = "fixed_currency"
	StopLossATR           StopLossMethod = "atr"
)

type TakeProfitStrategy string

const (
	TakeProfitPercent    TakeProfitStrategy = "percent"
	TakeProfitRiskReward TakeProfitStrategy = "risk_reward"
	TakeProfitATR        TakeProfitStrategy = "atr"
)

// TPLevelSetting configures one take-profit level. Value is interpreted by
// the active strategy: a percent of entry, a risk:reward ratio, or an ATR
// multiplier. CloseFraction is the share of the position closed at the level.
type TPLevelSetting struct {
	Value         float64 `json:"value" yaml:"value"`
	CloseFraction float64 `json:"close_fraction" yaml:"close_fraction"`
}

// EffectiveSettings is the fully resolved configuration used for one signal.
// Every field has exactly one source: the user's own record or the admin
// defaults. Percent parameters are percent units (1.5 means 1.5%).
type EffectiveSettings struct {
	SizingMode  SizingMode `json:"sizing_mode"`
	SizingValue float64    `json:"sizing_value"` // currency amount or percent of equity
	Leverage    int        `json:"leverage"`     // used when the signal carries no hint

	StopLossMethod StopLossMethod `json:"stop_loss_method"`
	StopLossValue  float64        `json:"stop_loss_value"`

	TPStrategy   TakeProfitStrategy `json:"tp_strategy"`
	TPLevels     []TPLevelSetting   `json:"tp_levels"` // 1..3
	PartialClose bool               `json:"partial_close"`

	// Adaptive overlays, applied in a fixed order: volatility, momentum,
	// adaptive risk:reward.
	VolatilityAdaptive  bool    `json:"volatility_adaptive"`
	VolatilityThreshold float64 `json:"volatility_threshold"` // volume-ratio cutoff for "high"
	VolatilityHighMult  float64 `json:"volatility_high_mult"`
	VolatilityLowMult   float64 `json:"volatility_low_mult"`

	MomentumAdaptive     bool    `json:"momentum_adaptive"`
	MomentumWeakMult     float64 `json:"momentum_weak_mult"`     // strength < 0.3
	MomentumModerateMult float64 `json:"momentum_moderate_mult"` // strength < 0.6
	MomentumStrongMult   float64 `json:"momentum_strong_mult"`

	AdaptiveRR           bool    `json:"adaptive_rr"`
	RRWeakMult           float64 `json:"rr_weak_mult"`
	RRStandardMult       float64 `json:"rr_standard_mult"`
	RRStrongMult         float64 `json:"rr_strong_mult"`
	RRVeryStrongMult     float64 `json:"rr_very_strong_mult"`

	FeeAwareBreakEven bool    `json:"fee_aware_break_even"`
	FeeRatePct        float64 `json:"fee_rate_pct"` // taker fee per fill, percent

	MaxOpenPositions  int     `json:"max_open_positions"`
	DailyLossLimit    float64 `json:"daily_loss_limit"`     // currency, 0 disables
	DailyLossLimitPct float64 `json:"daily_loss_limit_pct"` // percent of equity, 0 disables
}

// UserSettings is one user's stored record. Nil fields inherit the admin
// defaults during resolution.
type UserSettings struct {
	UserID string

	SizingMode  *SizingMode
	SizingValue *float64
	Leverage    *int

	StopLossMethod *StopLossMethod
	StopLossValue  *float64

	TPStrategy   *TakeProfitStrategy
	TPLevels     []TPLevelSetting // nil inherits, empty slice is invalid
	PartialClose *bool

	VolatilityAdaptive  *bool
	VolatilityThreshold *float64
	VolatilityHighMult  *float64
	VolatilityLowMult   *float64

	MomentumAdaptive     *bool
	MomentumWeakMult     *float64
	MomentumModerateMult *float64
	MomentumStrongMult   *float64

	AdaptiveRR       *bool
	RRWeakMult       *float64
	RRStandardMult   *float64
	RRStrongMult     *float64
	RRVeryStrongMult *float64

	FeeAwareBreakEven *bool
	FeeRatePct        *float64

	MaxOpenPositions  *int
	DailyLossLimit    *float64
	DailyLossLimitPct *float64
}
