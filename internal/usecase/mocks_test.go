package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

type MarketOrderCall struct {
	Symbol string
	Intent domain.OrderIntent
	Qty    float64
}

type BracketOrderCall struct {
	Symbol  string
	Intent  domain.OrderIntent
	Kind    domain.BracketKind
	Trigger float64
	Qty     float64
}

// MockExchange records every call and answers from canned data.
type MockExchange struct {
	Equity      float64
	EquityErr   error
	EquityCalls int

	EntryErr  error
	StopErr   error
	ProfitErr error

	HistoryPages []domain.HistoryPage
	HistoryErr   error

	LeverageSet   map[string]int
	MarketOrders  []MarketOrderCall
	BracketOrders []BracketOrderCall

	orderSeq int
	closeCb  func(domain.CloseEvent)
}

func (m *MockExchange) GetEquity(ctx context.Context) (float64, error) {
	m.EquityCalls++
	return m.Equity, m.EquityErr
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if m.LeverageSet == nil {
		m.LeverageSet = make(map[string]int)
	}
	m.LeverageSet[symbol] = leverage
	return nil
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, qty float64) (string, error) {
	if m.EntryErr != nil {
		return "", m.EntryErr
	}
	m.MarketOrders = append(m.MarketOrders, MarketOrderCall{Symbol: symbol, Intent: intent, Qty: qty})
	m.orderSeq++
	return fmt.Sprintf("order-%d", m.orderSeq), nil
}

func (m *MockExchange) PlaceBracketOrder(ctx context.Context, symbol string, intent domain.OrderIntent, kind domain.BracketKind, triggerPrice, qty float64) (string, error) {
	if kind == domain.BracketStop && m.StopErr != nil {
		return "", m.StopErr
	}
	if kind == domain.BracketProfit && m.ProfitErr != nil {
		return "", m.ProfitErr
	}
	m.BracketOrders = append(m.BracketOrders, BracketOrderCall{
		Symbol: symbol, Intent: intent, Kind: kind, Trigger: triggerPrice, Qty: qty,
	})
	m.orderSeq++
	return fmt.Sprintf("order-%d", m.orderSeq), nil
}

func (m *MockExchange) GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, cursor string) (*domain.HistoryPage, error) {
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	if len(m.HistoryPages) == 0 {
		return &domain.HistoryPage{}, nil
	}
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &idx)
	}
	if idx >= len(m.HistoryPages) {
		return &domain.HistoryPage{}, nil
	}
	page := m.HistoryPages[idx]
	if idx+1 < len(m.HistoryPages) {
		page.NextCursor = fmt.Sprintf("%d", idx+1)
	}
	return &page, nil
}

func (m *MockExchange) OnPositionClose(callback func(event domain.CloseEvent)) {
	m.closeCb = callback
}

func (m *MockExchange) ConnectPrivateStream() error { return nil }

type stubRegistry struct {
	exchanges map[string]domain.Exchange
}

func newStubRegistry(userID string, ex domain.Exchange) *stubRegistry {
	return &stubRegistry{exchanges: map[string]domain.Exchange{userID: ex}}
}

func (r *stubRegistry) ForUser(userID string) (domain.Exchange, error) {
	ex, ok := r.exchanges[userID]
	if !ok {
		return nil, fmt.Errorf("no adapter for user %s", userID)
	}
	return ex, nil
}

func (r *stubRegistry) UserIDs() []string {
	ids := make([]string, 0, len(r.exchanges))
	for id := range r.exchanges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// memPositionRepo is an in-memory PositionRepository with the same open-row
// uniqueness the sqlite store enforces.
type memPositionRepo struct {
	mu        sync.Mutex
	positions map[string]*domain.Position

	SaveErr error
}

func newMemPositionRepo() *memPositionRepo {
	return &memPositionRepo{positions: make(map[string]*domain.Position)}
}

func (r *memPositionRepo) SavePosition(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	if pos.Status == domain.PositionOpen {
		for _, p := range r.positions {
			if p.Status == domain.PositionOpen && p.UserID == pos.UserID &&
				p.Symbol == pos.Symbol && p.Side == pos.Side {
				return domain.ErrDuplicateOpenPosition
			}
		}
	}
	cp := *pos
	r.positions[pos.ID] = &cp
	return nil
}

func (r *memPositionRepo) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *pos
	r.positions[pos.ID] = &cp
	return nil
}

func (r *memPositionRepo) DeletePosition(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, id)
	return nil
}

func (r *memPositionRepo) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPositionRepo) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, p := range r.positions {
		if p.UserID == userID && p.Status == domain.PositionOpen {
			count++
		}
	}
	return count, nil
}

func (r *memPositionRepo) FindOpenPosition(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.UserID == userID && p.Symbol == symbol && p.Side == side && p.Status == domain.PositionOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPositionRepo) list(userID string, filter func(*domain.Position) bool) []*domain.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		if p.UserID == userID && filter(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}

func (r *memPositionRepo) ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	return r.list(userID, func(p *domain.Position) bool {
		return p.Status == domain.PositionOpen
	}), nil
}

func (r *memPositionRepo) ListClosedPositions(ctx context.Context, userID string, since time.Time) ([]*domain.Position, error) {
	return r.list(userID, func(p *domain.Position) bool {
		return p.Status == domain.PositionClosed && !p.ClosedAt.Before(since)
	}), nil
}

func (r *memPositionRepo) ListOrphanClosedPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	return r.list(userID, func(p *domain.Position) bool {
		return p.Status == domain.PositionClosed && p.SignalID == ""
	}), nil
}

func (r *memPositionRepo) DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	y, m, d := day.UTC().Date()
	var sum float64
	for _, p := range r.positions {
		if p.UserID != userID || p.Status != domain.PositionClosed {
			continue
		}
		py, pm, pd := p.ClosedAt.UTC().Date()
		if py == y && pm == m && pd == d {
			sum += p.RealizedPnL
		}
	}
	return sum, nil
}

type memSignalRepo struct {
	mu      sync.Mutex
	signals map[string]*domain.Signal
}

func newMemSignalRepo() *memSignalRepo {
	return &memSignalRepo{signals: make(map[string]*domain.Signal)}
}

func (r *memSignalRepo) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sig
	r.signals[sig.ID] = &cp
	return nil
}

func (r *memSignalRepo) UpdateSignal(ctx context.Context, sig *domain.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[sig.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *sig
	r.signals[sig.ID] = &cp
	return nil
}

func (r *memSignalRepo) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSignalRepo) FindByIdempotencyKey(ctx context.Context, userID, symbol string, side domain.Side, signalTime time.Time) (*domain.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signals {
		if s.UserID == userID && s.Symbol == symbol && s.Side == side && s.SignalTime.Equal(signalTime) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memSignalRepo) ListUnlinkedSignals(ctx context.Context, userID string, since time.Time) ([]*domain.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Signal
	for _, s := range r.signals {
		if s.UserID != userID || s.PositionID != "" {
			continue
		}
		if s.Status != domain.SignalPending && s.Status != domain.SignalExecuted {
			continue
		}
		if s.SignalTime.Before(since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalTime.After(out[j].SignalTime) })
	return out, nil
}

type memSettingsRepo struct {
	mu       sync.Mutex
	settings map[string]*domain.UserSettings
}

func newMemSettingsRepo() *memSettingsRepo {
	return &memSettingsRepo{settings: make(map[string]*domain.UserSettings)}
}

func (r *memSettingsRepo) GetUserSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSettingsRepo) SaveUserSettings(ctx context.Context, settings *domain.UserSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *settings
	r.settings[settings.UserID] = &cp
	return nil
}

var errBoom = errors.New("boom")
