package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

// ExecutionResult is the outcome of admitting a signal. Duplicate marks
// outcomes that placed no new position: a replayed delivery or a signal
// resolved to an already-open position.
type ExecutionResult struct {
	Accepted        bool   `json:"accepted"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	PositionID      string `json:"position_id,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Orchestrator drives a signal through sizing, admission, entry placement,
// bracket placement and persistence. Bracket legs are independent: a failed
// take-profit leg never rolls back the entry, it leaves a gap on the record.
type Orchestrator struct {
	registry  domain.ExchangeRegistry
	positions domain.PositionRepository
	signals   domain.SignalRepository
	settings  domain.SettingsRepository
	rules     *domain.SymbolRules
	calc      *SLTPCalculator
	gate      *RiskGate
	adminSet  domain.EffectiveSettings
	logger    *zap.Logger
}

func NewOrchestrator(
	registry domain.ExchangeRegistry,
	positions domain.PositionRepository,
	signals domain.SignalRepository,
	settings domain.SettingsRepository,
	rules *domain.SymbolRules,
	adminSet domain.EffectiveSettings,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		positions: positions,
		signals:   signals,
		settings:  settings,
		rules:     rules,
		calc:      NewSLTPCalculator(),
		gate:      NewRiskGate(positions, logger),
		adminSet:  adminSet,
		logger:    logger,
	}
}

// AdmitAndExecute processes one signal end to end. The signal is persisted
// first so every outcome (rejected, failed, executed) leaves a record with a
// reason. A redelivered signal with a known idempotency key is a no-op.
func (o *Orchestrator) AdmitAndExecute(ctx context.Context, sig *domain.Signal) (*ExecutionResult, error) {
	// Duplicate delivery check before anything else touches the exchange.
	prev, err := o.signals.FindByIdempotencyKey(ctx, sig.UserID, sig.Symbol, sig.Side, sig.SignalTime)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if prev != nil && prev.Status != domain.SignalPending {
		o.logger.Info("duplicate signal delivery",
			zap.String("key", sig.IdempotencyKey()),
			zap.String("status", string(prev.Status)))
		return &ExecutionResult{
			Accepted:        prev.Status == domain.SignalExecuted,
			Duplicate:       true,
			PositionID:      prev.PositionID,
			RejectionReason: prev.Reason,
		}, nil
	}

	if prev != nil {
		// A pending row from a crashed or in-flight attempt. Adopt its ID
		// and run this attempt to completion under the same record; a fresh
		// insert would collide with the idempotency index.
		sig.ID = prev.ID
		sig.CreatedAt = prev.CreatedAt
		sig.Status = domain.SignalPending
		if err := o.signals.UpdateSignal(ctx, sig); err != nil {
			return nil, err
		}
	} else {
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		sig.Status = domain.SignalPending
		sig.CreatedAt = time.Now()
		if err := o.signals.SaveSignal(ctx, sig); err != nil {
			return nil, err
		}
	}

	exchange, err := o.registry.ForUser(sig.UserID)
	if err != nil {
		return nil, o.failSignal(ctx, sig, err)
	}

	userSet, err := o.settings.GetUserSettings(ctx, sig.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	set := ResolveSettings(userSet, o.adminSet)

	// Admission.
	gateRes, err := o.gate.Admit(ctx, exchange, sig.UserID, set)
	if err != nil {
		return nil, o.failSignal(ctx, sig, err)
	}
	if !gateRes.Allowed {
		sig.Status = domain.SignalRejected
		sig.Reason = gateRes.Reason
		if err := o.signals.UpdateSignal(ctx, sig); err != nil {
			return nil, err
		}
		return &ExecutionResult{RejectionReason: gateRes.Reason}, nil
	}

	// Sizing and levels.
	leverage := sig.Leverage
	if leverage == 0 {
		leverage = set.Leverage
	}
	leverage = o.rules.ClampLeverage(sig.Symbol, leverage)

	calcRes, err := o.calc.Compute(sig, set, gateRes.Equity, leverage)
	if err != nil {
		return nil, o.failSignal(ctx, sig, err)
	}
	adj := o.rules.AdjustToMinimum(calcRes.Quantity, sig.Symbol, sig.Price)
	if adj.WasAdjusted {
		o.logger.Info("quantity raised to minimum notional",
			zap.String("symbol", sig.Symbol),
			zap.Float64("quantity", adj.Quantity),
			zap.Float64("notional", adj.Notional))
		scale := adj.Quantity / calcRes.Quantity
		calcRes.Quantity = adj.Quantity
		for i := range calcRes.TakeProfits {
			calcRes.TakeProfits[i].Quantity *= scale
		}
	}

	// Entry. A failure here aborts the whole attempt.
	if err := exchange.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		o.logger.Warn("set leverage failed, continuing",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}
	entryID, err := exchange.PlaceMarketOrder(ctx, sig.Symbol, domain.OpenIntent(sig.Side), calcRes.Quantity)
	if err != nil {
		return nil, o.failSignal(ctx, sig, fmt.Errorf("entry order: %w", err))
	}

	pos := &domain.Position{
		ID:           uuid.NewString(),
		UserID:       sig.UserID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		EntryPrice:   sig.Price,
		Quantity:     calcRes.Quantity,
		Leverage:     leverage,
		EntryOrderID: entryID,
		StopLoss:     calcRes.StopLoss,
		Status:       domain.PositionOpen,
		SignalID:     sig.ID,
		OpenedAt:     time.Now(),
	}

	// Brackets. Each leg is attempted regardless of the others; a failed
	// leg is recorded as an empty order id for operator follow-up.
	closeIntent := domain.CloseIntent(sig.Side)
	stopID, err := exchange.PlaceBracketOrder(ctx, sig.Symbol, closeIntent, domain.BracketStop, calcRes.StopLoss, calcRes.Quantity)
	if err != nil {
		o.logger.Error("stop-loss leg failed",
			zap.String("symbol", sig.Symbol),
			zap.Float64("trigger", calcRes.StopLoss),
			zap.Error(err))
	}
	pos.StopOrderID = stopID

	for i, tp := range calcRes.TakeProfits {
		orderID, err := exchange.PlaceBracketOrder(ctx, sig.Symbol, closeIntent, domain.BracketProfit, tp.Price, tp.Quantity)
		if err != nil {
			o.logger.Error("take-profit leg failed",
				zap.String("symbol", sig.Symbol),
				zap.Int("level", i+1),
				zap.Float64("trigger", tp.Price),
				zap.Error(err))
		}
		tp.OrderID = orderID
		pos.TakeProfits = append(pos.TakeProfits, tp)
	}

	// Persist. A uniqueness violation means a concurrent signal already
	// opened this (user, symbol, side); that is a benign outcome.
	if snapshot, err := json.Marshal(set); err == nil {
		pos.SetMeta("settings_snapshot", string(snapshot))
	}
	if adj.WasAdjusted {
		pos.SetMeta("min_notional_adjusted", "true")
	}
	if err := o.positions.SavePosition(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrDuplicateOpenPosition) {
			o.logger.Warn("position already open, keeping existing record",
				zap.String("user", sig.UserID),
				zap.String("symbol", sig.Symbol),
				zap.String("side", string(sig.Side)))
			existing, ferr := o.positions.FindOpenPosition(ctx, sig.UserID, sig.Symbol, sig.Side)
			if ferr == nil && existing != nil {
				sig.Status = domain.SignalExecuted
				sig.PositionID = existing.ID
				_ = o.signals.UpdateSignal(ctx, sig)
				return &ExecutionResult{Accepted: true, Duplicate: true, PositionID: existing.ID}, nil
			}
			return &ExecutionResult{Accepted: true, Duplicate: true}, nil
		}
		return nil, o.failSignal(ctx, sig, fmt.Errorf("persist position: %w", err))
	}

	sig.Status = domain.SignalExecuted
	sig.PositionID = pos.ID
	if err := o.signals.UpdateSignal(ctx, sig); err != nil {
		return nil, err
	}

	o.logger.Info("position opened",
		zap.String("position", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("quantity", pos.Quantity),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.Int("tp_levels", len(pos.TakeProfits)))

	return &ExecutionResult{Accepted: true, PositionID: pos.ID}, nil
}

// failSignal marks the signal failed with the raw error message and hands the
// cause back for propagation. Retry policy, if any, belongs to the caller.
func (o *Orchestrator) failSignal(ctx context.Context, sig *domain.Signal, cause error) error {
	sig.Status = domain.SignalFailed
	sig.Reason = cause.Error()
	if err := o.signals.UpdateSignal(ctx, sig); err != nil {
		o.logger.Error("failed to record signal failure",
			zap.String("signal", sig.ID), zap.Error(err))
	}
	o.logger.Error("signal failed",
		zap.String("signal", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.Error(cause))
	return cause
}
