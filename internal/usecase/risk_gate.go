package usecase

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

const (
	ReasonMaxOpenPositions = "max open positions reached"
	ReasonDailyLossLimit   = "daily loss limit reached"
)

// RiskGate decides whether a signal may open a position. Checks short-circuit
// on the first failure; a rejection is terminal for the signal.
type RiskGate struct {
	positions domain.PositionRepository
	logger    *zap.Logger
}

func NewRiskGate(positions domain.PositionRepository, logger *zap.Logger) *RiskGate {
	return &RiskGate{positions: positions, logger: logger}
}

// GateResult carries the admission decision. Equity is the account equity
// fetched during the checks, returned so the sizing stage does not have to
// call the exchange a second time; it is 0 when no check needed it.
type GateResult struct {
	Allowed bool
	Reason  string
	Equity  float64
}

// Admit runs the admission checks for one user. The exchange is only called
// when a check or the sizing mode actually needs equity.
func (g *RiskGate) Admit(ctx context.Context, exchange domain.Exchange, userID string, set domain.EffectiveSettings) (*GateResult, error) {
	// 1. Open-position count.
	if set.MaxOpenPositions > 0 {
		count, err := g.positions.CountOpenPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		if count >= set.MaxOpenPositions {
			g.logger.Info("signal rejected",
				zap.String("user", userID),
				zap.String("reason", ReasonMaxOpenPositions),
				zap.Int("open", count),
				zap.Int("max", set.MaxOpenPositions))
			return &GateResult{Reason: ReasonMaxOpenPositions}, nil
		}
	}

	var equity float64
	needEquity := set.SizingMode == domain.SizingPercent || set.DailyLossLimitPct > 0
	if needEquity {
		var err error
		equity, err = exchange.GetEquity(ctx)
		if err != nil {
			return nil, err
		}
	}

	// 2. Daily loss limit, fixed or percent-of-equity.
	if set.DailyLossLimit > 0 || set.DailyLossLimitPct > 0 {
		pnl, err := g.positions.DailyRealizedPnL(ctx, userID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		loss := math.Abs(math.Min(pnl, 0))

		limit := set.DailyLossLimit
		if set.DailyLossLimitPct > 0 {
			limit = equity * (set.DailyLossLimitPct / 100)
		}
		if limit > 0 && loss >= limit {
			g.logger.Info("signal rejected",
				zap.String("user", userID),
				zap.String("reason", ReasonDailyLossLimit),
				zap.Float64("today_pnl", pnl),
				zap.Float64("limit", limit))
			return &GateResult{Reason: ReasonDailyLossLimit, Equity: equity}, nil
		}
	}

	return &GateResult{Allowed: true, Equity: equity}, nil
}
