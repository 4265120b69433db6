package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

type CloseReason string

const (
	CloseReasonTP1         CloseReason = "tp1_hit"
	CloseReasonTP2         CloseReason = "tp2_hit"
	CloseReasonTP3         CloseReason = "tp3_hit"
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonProfit      CloseReason = "profit"
	CloseReasonLoss        CloseReason = "loss"
	CloseReasonManual      CloseReason = "manual"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonUnknown     CloseReason = "unknown"
)

// TakeProfitLeg is one take-profit bracket order. OrderID stays empty when the
// exchange rejected the leg; the position then carries a gap the operator has
// to resolve out-of-band.
type TakeProfitLeg struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	OrderID  string  `json:"order_id"`
}

// Position is the durable record of one copied trade. At most one open
// position may exist per (user, symbol, side); the storage layer enforces
// that with a partial unique index.
type Position struct {
	ID           string
	UserID       string
	Symbol       string
	Side         Side
	EntryPrice   float64
	Quantity     float64
	Leverage     int
	EntryOrderID string

	StopLoss    float64
	StopOrderID string
	TakeProfits []TakeProfitLeg // up to 3, ordered away from entry

	Status      PositionStatus
	ClosePrice  float64
	CloseReason CloseReason
	RealizedPnL float64

	SignalID string            // originating signal, empty for backfilled records
	Metadata map[string]string // settings snapshot, repair provenance

	OpenedAt time.Time
	ClosedAt time.Time
}

// SetMeta records a key/value on the position, allocating the map lazily.
func (p *Position) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[key] = value
}

// TPPrice returns the price of take-profit level n (1-based), or 0.
func (p *Position) TPPrice(n int) float64 {
	if n < 1 || n > len(p.TakeProfits) {
		return 0
	}
	return p.TakeProfits[n-1].Price
}
