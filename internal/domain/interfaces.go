package domain

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateOpenPosition is returned by SavePosition when an open position
// for the same (user, symbol, side) already exists. The orchestrator treats
// it as a benign "already open" outcome.
var ErrDuplicateOpenPosition = errors.New("open position already exists for user/symbol/side")

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("record not found")

// OrderIntent is the internal order vocabulary. Each exchange dialect
// translates it into its own side/position encoding.
type OrderIntent string

const (
	IntentOpenLong   OrderIntent = "open_long"
	IntentOpenShort  OrderIntent = "open_short"
	IntentCloseLong  OrderIntent = "close_long"
	IntentCloseShort OrderIntent = "close_short"
)

// OpenIntent returns the intent that opens a position on the given side.
func OpenIntent(side Side) OrderIntent {
	if side == SideShort {
		return IntentOpenShort
	}
	return IntentOpenLong
}

// CloseIntent returns the intent that closes a position on the given side.
func CloseIntent(side Side) OrderIntent {
	if side == SideShort {
		return IntentCloseShort
	}
	return IntentCloseLong
}

type BracketKind string

const (
	BracketStop   BracketKind = "stop"
	BracketProfit BracketKind = "profit"
)

// Exchange is the adapter over one user's exchange account.
type Exchange interface {
	GetEquity(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol string, intent OrderIntent, qty float64) (orderID string, err error)
	PlaceBracketOrder(ctx context.Context, symbol string, intent OrderIntent, kind BracketKind, triggerPrice, qty float64) (orderID string, err error)
	// GetPositionHistory pages through closed positions. symbol may be ""
	// for all symbols; cursor "" requests the first page.
	GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, cursor string) (*HistoryPage, error)
	// OnPositionClose registers a callback for out-of-band close events
	// from the private stream.
	OnPositionClose(callback func(event CloseEvent))
	ConnectPrivateStream() error
}

// ExchangeRegistry resolves the adapter for a user. Every user carries their
// own credentials, so adapters are per user, not global.
type ExchangeRegistry interface {
	ForUser(userID string) (Exchange, error)
	UserIDs() []string
}

// PositionRepository defines storage operations for positions.
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	UpdatePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, id string) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	CountOpenPositions(ctx context.Context, userID string) (int, error)
	FindOpenPosition(ctx context.Context, userID, symbol string, side Side) (*Position, error)
	ListOpenPositions(ctx context.Context, userID string) ([]*Position, error)
	// ListClosedPositions returns positions closed at or after since.
	ListClosedPositions(ctx context.Context, userID string, since time.Time) ([]*Position, error)
	// ListOrphanClosedPositions returns closed positions without a signal
	// reference.
	ListOrphanClosedPositions(ctx context.Context, userID string) ([]*Position, error)
	// DailyRealizedPnL sums realized pnl of positions closed on the given
	// UTC day.
	DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error)
}

// SignalRepository defines storage operations for signals.
type SignalRepository interface {
	SaveSignal(ctx context.Context, sig *Signal) error
	UpdateSignal(ctx context.Context, sig *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	// FindByIdempotencyKey looks up a previous delivery of the same signal.
	FindByIdempotencyKey(ctx context.Context, userID, symbol string, side Side, signalTime time.Time) (*Signal, error)
	// ListUnlinkedSignals returns executed or pending signals without a
	// position reference, newest first.
	ListUnlinkedSignals(ctx context.Context, userID string, since time.Time) ([]*Signal, error)
}

// SettingsRepository stores per-user settings records.
type SettingsRepository interface {
	GetUserSettings(ctx context.Context, userID string) (*UserSettings, error)
	SaveUserSettings(ctx context.Context, settings *UserSettings) error
}
