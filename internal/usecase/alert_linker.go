package usecase

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

const (
	// Signals may reference TradingView-style symbols with a perp suffix.
	linkPriceTolerancePct = 2.0
)

// AlertLinker re-attaches closed positions that lost their originating signal
// (typically reconciliation backfills) to the historical signal records that
// most plausibly produced them.
type AlertLinker struct {
	positions domain.PositionRepository
	signals   domain.SignalRepository
	logger    *zap.Logger
}

func NewAlertLinker(positions domain.PositionRepository, signals domain.SignalRepository, logger *zap.Logger) *AlertLinker {
	return &AlertLinker{positions: positions, signals: signals, logger: logger}
}

// LinkOrphans matches orphan closed positions to signals on normalized
// symbol, side, open time within tolerance and entry price within 2%. The
// smallest time delta wins; each signal links at most once.
func (l *AlertLinker) LinkOrphans(ctx context.Context, userID string) (*RepairSummary, error) {
	orphans, err := l.positions.ListOrphanClosedPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := &RepairSummary{}
	if len(orphans) == 0 {
		return summary, nil
	}

	var oldest time.Time
	for _, pos := range orphans {
		if oldest.IsZero() || pos.OpenedAt.Before(oldest) {
			oldest = pos.OpenedAt
		}
	}
	signals, err := l.signals.ListUnlinkedSignals(ctx, userID, oldest.Add(-matchTolerance))
	if err != nil {
		return nil, err
	}

	type group struct {
		set     *fuzzySet
		indices []int
	}
	groups := make(map[string]*group)
	key := func(symbol string, side domain.Side) string {
		return NormalizeSymbol(symbol) + "|" + string(side)
	}
	for i, sig := range signals {
		k := key(sig.Symbol, sig.Side)
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.indices = append(g.indices, i)
	}
	for _, g := range groups {
		times := make([]time.Time, len(g.indices))
		for i, si := range g.indices {
			times[i] = signals[si].SignalTime
		}
		g.set = newFuzzySet(times, matchTolerance)
	}

	for _, pos := range orphans {
		summary.Checked++
		g, ok := groups[key(pos.Symbol, pos.Side)]
		if !ok {
			summary.Skipped++
			continue
		}
		local := g.set.claim(pos.OpenedAt, func(i int) bool {
			sig := signals[g.indices[i]]
			return priceWithinPct(pos.EntryPrice, sig.Price, linkPriceTolerancePct)
		})
		if local < 0 {
			l.logger.Info("orphan position left unlinked",
				zap.String("position", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.String("side", string(pos.Side)),
				zap.Time("opened_at", pos.OpenedAt))
			summary.Skipped++
			continue
		}

		sig := signals[g.indices[local]]
		pos.SignalID = sig.ID
		pos.SetMeta("linked_by", "alert_linker")
		if err := l.positions.UpdatePosition(ctx, pos); err != nil {
			return nil, err
		}
		sig.PositionID = pos.ID
		if err := l.signals.UpdateSignal(ctx, sig); err != nil {
			return nil, err
		}
		summary.Updated++

		l.logger.Info("orphan position linked to signal",
			zap.String("position", pos.ID),
			zap.String("signal", sig.ID),
			zap.String("symbol", pos.Symbol))
	}

	return summary, nil
}

// NormalizeSymbol strips exchange-specific decoration so signal symbols and
// exchange symbols compare equal ("BTCUSDT.P" == "BTCUSDT").
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, ".P")
	s = strings.TrimSuffix(s, "PERP")
	s = strings.ReplaceAll(s, "/", "")
	return s
}

func priceWithinPct(a, b, pct float64) bool {
	if b <= 0 {
		return false
	}
	return math.Abs(a-b)/b*100 <= pct
}
