package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

const (
	// One tolerance for every fuzzy-match path. The source data never
	// needs more than 10 minutes of slack between an exchange close
	// timestamp and our own.
	matchTolerance = 10 * time.Minute

	// Band around a configured level within which a close price counts as
	// having hit that level.
	closeReasonTolerancePct = 0.5

	// An exchange-reported quantity outside [0.5x, 2x] of the stored value
	// is treated as corrupt and discarded.
	qtyPlausibilityMin = 0.5
	qtyPlausibilityMax = 2.0

	defaultLookback = 90 * 24 * time.Hour
)

// RepairSummary is the observable outcome of one repair job.
type RepairSummary struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Created int `json:"created"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Reconciler converges the internal position ledger to the exchange's
// closed-position history. The exchange is the single source of truth:
// matched records are repaired from it, missing ones are backfilled, and
// internal records it cannot vouch for are deleted.
type Reconciler struct {
	registry  domain.ExchangeRegistry
	positions domain.PositionRepository
	logger    *zap.Logger
	lookback  time.Duration
}

func NewReconciler(registry domain.ExchangeRegistry, positions domain.PositionRepository, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		registry:  registry,
		positions: positions,
		logger:    logger,
		lookback:  defaultLookback,
	}
}

// Reconcile runs a full pass for one user: repair matched positions, backfill
// unmatched exchange entries, delete unmatched internal records. Running it
// again with no new exchange data changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (*RepairSummary, error) {
	exchange, err := r.registry.ForUser(userID)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.Add(-r.lookback)

	entries, err := r.fetchHistory(ctx, exchange, start, end)
	if err != nil {
		return nil, err
	}
	internal, err := r.positions.ListClosedPositions(ctx, userID, start.Add(-matchTolerance))
	if err != nil {
		return nil, err
	}
	open, err := r.positions.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	openByKey := make(map[string]*domain.Position, len(open))
	for _, pos := range open {
		openByKey[pos.Symbol+"|"+string(pos.Side)] = pos
	}

	summary := &RepairSummary{}
	matched := matchHistory(entries, internal, matchTolerance)

	for ei, pi := range matched.pairs {
		summary.Checked++
		pos := internal[pi]
		if r.applyCorrection(pos, &entries[ei]) {
			if err := r.positions.UpdatePosition(ctx, pos); err != nil {
				return nil, err
			}
			summary.Updated++
		} else {
			summary.Skipped++
		}
	}

	for _, ei := range matched.unmatchedEntries {
		summary.Checked++
		entry := &entries[ei]

		// A record still marked open for the same instrument is a missed
		// close, not a new position. Close it from the entry instead of
		// backfilling a duplicate next to it.
		key := entry.Symbol + "|" + string(entry.Side)
		if pos, ok := openByKey[key]; ok && !entry.ClosedAt.Before(pos.OpenedAt) {
			delete(openByKey, key)
			r.logger.Info("closing stale open position from exchange history",
				zap.String("user", userID),
				zap.String("position", pos.ID),
				zap.String("symbol", pos.Symbol),
				zap.Time("closed_at", entry.ClosedAt))
			r.applyCorrection(pos, entry)
			if err := r.positions.UpdatePosition(ctx, pos); err != nil {
				return nil, err
			}
			summary.Updated++
			continue
		}

		if err := r.backfill(ctx, userID, entry); err != nil {
			return nil, err
		}
		summary.Created++
	}

	// Internal records the exchange does not know about are duplicates or
	// orphans. Deleting them is irreversible, so log enough to recover by
	// hand if this ever fires in error.
	for _, pi := range matched.unmatchedPositions {
		pos := internal[pi]
		r.logger.Warn("deleting unverified position",
			zap.String("user", userID),
			zap.String("position", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("close", pos.ClosePrice),
			zap.Time("closed_at", pos.ClosedAt))
		if err := r.positions.DeletePosition(ctx, pos.ID); err != nil {
			return nil, err
		}
		summary.Deleted++
	}

	r.logger.Info("reconciliation finished",
		zap.String("user", userID),
		zap.Int("checked", summary.Checked),
		zap.Int("updated", summary.Updated),
		zap.Int("created", summary.Created),
		zap.Int("deleted", summary.Deleted),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// RepairQuantityAndLeverage is the narrow operator job: it fixes only
// quantity and leverage on matched positions and never creates or deletes.
func (r *Reconciler) RepairQuantityAndLeverage(ctx context.Context, userID string) (*RepairSummary, error) {
	exchange, err := r.registry.ForUser(userID)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.Add(-r.lookback)

	entries, err := r.fetchHistory(ctx, exchange, start, end)
	if err != nil {
		return nil, err
	}
	internal, err := r.positions.ListClosedPositions(ctx, userID, start.Add(-matchTolerance))
	if err != nil {
		return nil, err
	}

	summary := &RepairSummary{}
	matched := matchHistory(entries, internal, matchTolerance)

	for ei, pi := range matched.pairs {
		summary.Checked++
		pos := internal[pi]
		entry := &entries[ei]

		changed := false
		if r.plausibleQuantity(pos, entry.ClosedQty) {
			if !floatEq(pos.Quantity, entry.ClosedQty) {
				pos.SetMeta("repair_quantity", fmt.Sprintf("%g->%g", pos.Quantity, entry.ClosedQty))
				pos.Quantity = entry.ClosedQty
				changed = true
			}
		}
		if entry.Leverage > 0 && pos.Leverage != entry.Leverage {
			pos.SetMeta("repair_leverage", fmt.Sprintf("%d->%d", pos.Leverage, entry.Leverage))
			pos.Leverage = entry.Leverage
			changed = true
		}

		if changed {
			if err := r.positions.UpdatePosition(ctx, pos); err != nil {
				return nil, err
			}
			summary.Updated++
		} else {
			summary.Skipped++
		}
	}
	summary.Skipped += len(matched.unmatchedEntries)

	return summary, nil
}

// fetchHistory drains the exchange's history pagination. Pages are strictly
// sequential: each cursor comes from the previous response.
func (r *Reconciler) fetchHistory(ctx context.Context, exchange domain.Exchange, start, end time.Time) ([]domain.HistoryEntry, error) {
	var entries []domain.HistoryEntry
	cursor := ""
	for {
		page, err := exchange.GetPositionHistory(ctx, "", start, end, cursor)
		if err != nil {
			return nil, fmt.Errorf("history fetch: %w", err)
		}
		entries = append(entries, page.Entries...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return entries, nil
}

// applyCorrection overwrites the position's fields from the exchange record,
// recording every change in metadata. Returns whether anything changed.
func (r *Reconciler) applyCorrection(pos *domain.Position, entry *domain.HistoryEntry) bool {
	changed := false

	repairFloat := func(name string, field *float64, value float64) {
		if value == 0 || floatEq(*field, value) {
			return
		}
		pos.SetMeta("repair_"+name, fmt.Sprintf("%g->%g", *field, value))
		*field = value
		changed = true
	}

	repairFloat("entry_price", &pos.EntryPrice, entry.AvgEntryPrice)
	repairFloat("close_price", &pos.ClosePrice, entry.AvgClosePrice)
	repairFloat("realized_pnl", &pos.RealizedPnL, entry.NetProfit)

	if r.plausibleQuantity(pos, entry.ClosedQty) {
		repairFloat("quantity", &pos.Quantity, entry.ClosedQty)
	}

	if entry.Leverage > 0 && pos.Leverage != entry.Leverage {
		pos.SetMeta("repair_leverage", fmt.Sprintf("%d->%d", pos.Leverage, entry.Leverage))
		pos.Leverage = entry.Leverage
		changed = true
	}

	if !entry.ClosedAt.IsZero() && !pos.ClosedAt.Equal(entry.ClosedAt) {
		pos.ClosedAt = entry.ClosedAt
		changed = true
	}

	if pos.Status != domain.PositionClosed {
		pos.Status = domain.PositionClosed
		changed = true
	}

	reason := deriveCloseReason(pos, entry.AvgClosePrice, entry.NetProfit, entry.CloseHint)
	if reason != pos.CloseReason {
		pos.CloseReason = reason
		changed = true
	}

	return changed
}

// plausibleQuantity guards against spurious exchange figures. Values outside
// the band keep the trusted prior value; both figures are logged.
func (r *Reconciler) plausibleQuantity(pos *domain.Position, reported float64) bool {
	if reported <= 0 {
		return false
	}
	if pos.Quantity <= 0 {
		return true
	}
	ratio := reported / pos.Quantity
	if ratio < qtyPlausibilityMin || ratio > qtyPlausibilityMax {
		r.logger.Warn("implausible exchange quantity discarded",
			zap.String("position", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.Float64("stored", pos.Quantity),
			zap.Float64("reported", reported))
		return false
	}
	return true
}

func (r *Reconciler) backfill(ctx context.Context, userID string, entry *domain.HistoryEntry) error {
	pos := &domain.Position{
		ID:          uuid.NewString(),
		UserID:      userID,
		Symbol:      entry.Symbol,
		Side:        entry.Side,
		EntryPrice:  entry.AvgEntryPrice,
		Quantity:    entry.ClosedQty,
		Leverage:    entry.Leverage,
		Status:      domain.PositionClosed,
		ClosePrice:  entry.AvgClosePrice,
		RealizedPnL: entry.NetProfit,
		CloseReason: deriveCloseReason(nil, entry.AvgClosePrice, entry.NetProfit, entry.CloseHint),
		OpenedAt:    entry.OpenedAt,
		ClosedAt:    entry.ClosedAt,
	}
	pos.SetMeta("source", "reconciliation_backfill")

	r.logger.Info("backfilling closed position from exchange history",
		zap.String("user", userID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Time("closed_at", pos.ClosedAt))
	return r.positions.SavePosition(ctx, pos)
}

// deriveCloseReason labels a close by price proximity to the configured
// levels, preferring the furthest profit target proven hit. pos may be nil
// for backfilled records with no known levels.
func deriveCloseReason(pos *domain.Position, closePrice, pnl float64, hint string) domain.CloseReason {
	if strings.Contains(strings.ToLower(hint), "liq") {
		return domain.CloseReasonLiquidation
	}

	if pos != nil && closePrice > 0 {
		tol := closeReasonTolerancePct / 100
		for n := len(pos.TakeProfits); n >= 1; n-- {
			if withinBand(closePrice, pos.TPPrice(n), tol) {
				switch n {
				case 3:
					return domain.CloseReasonTP3
				case 2:
					return domain.CloseReasonTP2
				default:
					return domain.CloseReasonTP1
				}
			}
		}
		if withinBand(closePrice, pos.StopLoss, tol) {
			return domain.CloseReasonStopLoss
		}
	}

	if strings.Contains(strings.ToLower(hint), "manual") {
		return domain.CloseReasonManual
	}
	if pnl >= 0 {
		return domain.CloseReasonProfit
	}
	return domain.CloseReasonLoss
}

func withinBand(price, level, tol float64) bool {
	if level <= 0 {
		return false
	}
	return math.Abs(price-level)/level <= tol
}

func floatEq(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff == 0 {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= scale*1e-9
}

// historyMatch pairs exchange entries with internal positions, one-to-one,
// greedy nearest-neighbor on close time within symbol and side.
type historyMatch struct {
	pairs              map[int]int // entry index -> position index
	unmatchedEntries   []int
	unmatchedPositions []int
}

func matchHistory(entries []domain.HistoryEntry, positions []*domain.Position, tolerance time.Duration) historyMatch {
	type group struct {
		set     *fuzzySet
		indices []int
	}

	groups := make(map[string]*group)
	key := func(symbol string, side domain.Side) string {
		return symbol + "|" + string(side)
	}

	for i, pos := range positions {
		k := key(pos.Symbol, pos.Side)
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.indices = append(g.indices, i)
	}
	for _, g := range groups {
		times := make([]time.Time, len(g.indices))
		for i, pi := range g.indices {
			times[i] = positions[pi].ClosedAt
		}
		g.set = newFuzzySet(times, tolerance)
	}

	result := historyMatch{pairs: make(map[int]int)}
	for ei, entry := range entries {
		g, ok := groups[key(entry.Symbol, entry.Side)]
		if !ok {
			result.unmatchedEntries = append(result.unmatchedEntries, ei)
			continue
		}
		local := g.set.claim(entry.ClosedAt, nil)
		if local < 0 {
			result.unmatchedEntries = append(result.unmatchedEntries, ei)
			continue
		}
		result.pairs[ei] = g.indices[local]
	}

	for _, g := range groups {
		for _, local := range g.set.unclaimed() {
			result.unmatchedPositions = append(result.unmatchedPositions, g.indices[local])
		}
	}
	return result
}
