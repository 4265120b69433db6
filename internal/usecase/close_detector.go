package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

// CloseDetector applies out-of-band close events from the private stream to
// the internal ledger. It marks positions closed as soon as the exchange
// reports the fill; reconciliation later repairs any field the stream got
// wrong.
type CloseDetector struct {
	positions domain.PositionRepository
	logger    *zap.Logger
}

func NewCloseDetector(positions domain.PositionRepository, logger *zap.Logger) *CloseDetector {
	return &CloseDetector{positions: positions, logger: logger}
}

// HandleCloseEvent finds the open position matching the event and marks it
// closed. Events for unknown positions are logged and dropped; the history
// backfill picks them up on the next reconciliation run.
func (d *CloseDetector) HandleCloseEvent(ctx context.Context, userID string, ev domain.CloseEvent) {
	pos, err := d.positions.FindOpenPosition(ctx, userID, ev.Symbol, ev.Side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.Info("close event without open position",
				zap.String("user", userID),
				zap.String("symbol", ev.Symbol),
				zap.String("side", string(ev.Side)))
			return
		}
		d.logger.Error("close event lookup failed",
			zap.String("symbol", ev.Symbol), zap.Error(err))
		return
	}

	pos.Status = domain.PositionClosed
	pos.ClosePrice = ev.ClosePrice
	pos.RealizedPnL = ev.RealizedPnL
	pos.ClosedAt = ev.ClosedAt
	pos.CloseReason = deriveCloseReason(pos, ev.ClosePrice, ev.RealizedPnL, ev.CloseHint)
	pos.SetMeta("closed_by", "stream")

	if err := d.positions.UpdatePosition(ctx, pos); err != nil {
		d.logger.Error("failed to record stream close",
			zap.String("position", pos.ID), zap.Error(err))
		return
	}

	d.logger.Info("position closed from stream",
		zap.String("position", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(pos.CloseReason)),
		zap.Float64("pnl", pos.RealizedPnL))
}
