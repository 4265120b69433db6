package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

func TestHandleCloseEventMarksPositionClosed(t *testing.T) {
	ctx := context.Background()
	repo := newMemPositionRepo()
	detector := NewCloseDetector(repo, zap.NewNop())

	pos := &domain.Position{
		ID:         "p1",
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: 100000,
		Quantity:   0.001,
		StopLoss:   98500,
		Status:     domain.PositionOpen,
		OpenedAt:   time.Now().Add(-time.Hour),
	}
	if err := repo.SavePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	closedAt := time.Now().UTC()
	detector.HandleCloseEvent(ctx, "u1", domain.CloseEvent{
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		ClosePrice:  98490,
		ClosedQty:   0.001,
		RealizedPnL: -1.51,
		ClosedAt:    closedAt,
	})

	got, err := repo.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionClosed {
		t.Fatalf("Status = %q, want closed", got.Status)
	}
	if got.ClosePrice != 98490 {
		t.Errorf("ClosePrice = %v, want 98490", got.ClosePrice)
	}
	if got.CloseReason != domain.CloseReasonStopLoss {
		t.Errorf("CloseReason = %q, want stop_loss from price proximity", got.CloseReason)
	}
	if got.Metadata["closed_by"] != "stream" {
		t.Error("stream provenance missing")
	}
	if !got.ClosedAt.Equal(closedAt) {
		t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, closedAt)
	}
}

func TestHandleCloseEventUnknownPositionDropped(t *testing.T) {
	ctx := context.Background()
	repo := newMemPositionRepo()
	detector := NewCloseDetector(repo, zap.NewNop())

	// No open position exists; the event is logged and dropped.
	detector.HandleCloseEvent(ctx, "u1", domain.CloseEvent{
		Symbol:     "ETHUSDT",
		Side:       domain.SideShort,
		ClosePrice: 4200,
		ClosedAt:   time.Now(),
	})

	closed, err := repo.ListClosedPositions(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("ListClosedPositions: %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("closed positions = %d, want 0", len(closed))
	}
}

func TestHandleCloseEventLiquidationHint(t *testing.T) {
	ctx := context.Background()
	repo := newMemPositionRepo()
	detector := NewCloseDetector(repo, zap.NewNop())

	pos := openPosition("u1", "SOLUSDT")
	pos.EntryPrice = 200
	if err := repo.SavePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	detector.HandleCloseEvent(ctx, "u1", domain.CloseEvent{
		Symbol:      "SOLUSDT",
		Side:        domain.SideLong,
		ClosePrice:  180,
		RealizedPnL: -20,
		CloseHint:   "Liquidation",
		ClosedAt:    time.Now(),
	})

	got, _ := repo.GetPosition(ctx, pos.ID)
	if got.CloseReason != domain.CloseReasonLiquidation {
		t.Errorf("CloseReason = %q, want liquidation", got.CloseReason)
	}
}
