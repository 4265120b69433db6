package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

func orphanBTC(id string, openedAt time.Time, entryPrice float64) *domain.Position {
	return &domain.Position{
		ID:         id,
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: entryPrice,
		Quantity:   0.001,
		Status:     domain.PositionClosed,
		ClosePrice: 101000,
		OpenedAt:   openedAt,
		ClosedAt:   openedAt.Add(2 * time.Hour),
	}
}

func unlinkedSignal(id, symbol string, signalTime time.Time, price float64) *domain.Signal {
	return &domain.Signal{
		ID:         id,
		UserID:     "u1",
		Symbol:     symbol,
		Side:       domain.SideLong,
		Price:      price,
		Status:     domain.SignalExecuted,
		SignalTime: signalTime,
		CreatedAt:  signalTime,
	}
}

func TestLinkOrphansMatchesBySymbolTimeAndPrice(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositionRepo()
	signals := newMemSignalRepo()
	linker := NewAlertLinker(positions, signals, zap.NewNop())

	openedAt := time.Now().Add(-24 * time.Hour).UTC()
	if err := positions.SavePosition(ctx, orphanBTC("p1", openedAt, 100000)); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	// The signal carries a TradingView-style perp suffix and a slightly
	// different reference price.
	if err := signals.SaveSignal(ctx, unlinkedSignal("s1", "BTCUSDT.P", openedAt.Add(-4*time.Minute), 100800)); err != nil {
		t.Fatalf("seed signal: %v", err)
	}

	summary, err := linker.LinkOrphans(ctx, "u1")
	if err != nil {
		t.Fatalf("LinkOrphans: %v", err)
	}
	if summary.Updated != 1 {
		t.Fatalf("Updated = %d, want 1", summary.Updated)
	}

	pos, _ := positions.GetPosition(ctx, "p1")
	if pos.SignalID != "s1" {
		t.Errorf("SignalID = %q, want s1", pos.SignalID)
	}
	if pos.Metadata["linked_by"] != "alert_linker" {
		t.Error("link provenance missing")
	}
	sig, _ := signals.GetSignal(ctx, "s1")
	if sig.PositionID != "p1" {
		t.Errorf("PositionID = %q, want p1", sig.PositionID)
	}

	// Once linked, the position is no longer an orphan.
	second, err := linker.LinkOrphans(ctx, "u1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Checked != 0 {
		t.Errorf("second run Checked = %d, want 0", second.Checked)
	}
}

func TestLinkOrphansRejectsPriceMismatch(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositionRepo()
	signals := newMemSignalRepo()
	linker := NewAlertLinker(positions, signals, zap.NewNop())

	openedAt := time.Now().Add(-24 * time.Hour).UTC()
	if err := positions.SavePosition(ctx, orphanBTC("p1", openedAt, 100000)); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	// Right time, wrong price: 5% away is past the 2% tolerance.
	if err := signals.SaveSignal(ctx, unlinkedSignal("s1", "BTCUSDT", openedAt, 105000)); err != nil {
		t.Fatalf("seed signal: %v", err)
	}

	summary, err := linker.LinkOrphans(ctx, "u1")
	if err != nil {
		t.Fatalf("LinkOrphans: %v", err)
	}
	if summary.Updated != 0 || summary.Skipped != 1 {
		t.Errorf("summary = %+v, want skip on price mismatch", summary)
	}

	pos, _ := positions.GetPosition(ctx, "p1")
	if pos.SignalID != "" {
		t.Error("position must stay orphaned on price mismatch")
	}
}

func TestLinkOrphansEachSignalLinksOnce(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositionRepo()
	signals := newMemSignalRepo()
	linker := NewAlertLinker(positions, signals, zap.NewNop())

	openedAt := time.Now().Add(-24 * time.Hour).UTC()
	// Two orphans near one signal: only one may claim it.
	if err := positions.SavePosition(ctx, orphanBTC("p1", openedAt, 100000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := positions.SavePosition(ctx, orphanBTC("p2", openedAt.Add(6*time.Minute), 100000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := signals.SaveSignal(ctx, unlinkedSignal("s1", "BTCUSDT", openedAt, 100000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary, err := linker.LinkOrphans(ctx, "u1")
	if err != nil {
		t.Fatalf("LinkOrphans: %v", err)
	}
	if summary.Updated != 1 {
		t.Errorf("Updated = %d, want exactly 1", summary.Updated)
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"BTCUSDT.P", "BTCUSDT"},
		{"btcusdtperp", "BTCUSDT"},
		{"BTC/USDT", "BTCUSDT"},
		{"  ethusdt ", "ETHUSDT"},
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
