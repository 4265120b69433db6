package domain

import "time"

// HistoryEntry is one closed position as reported by the exchange. It is the
// source of truth during reconciliation and is never persisted verbatim.
type HistoryEntry struct {
	Symbol        string
	Side          Side
	AvgEntryPrice float64
	AvgClosePrice float64
	ClosedQty     float64
	Leverage      int
	NetProfit     float64 // fee-inclusive realized pnl
	OpenedAt      time.Time
	ClosedAt      time.Time
	CloseHint     string // exchange close-type, "" when not reported
}

// HistoryPage is one page of the exchange's closed-position history. The next
// page can only be fetched with the cursor from the previous response.
type HistoryPage struct {
	Entries    []HistoryEntry
	NextCursor string
}

// CloseEvent is an out-of-band position close pushed on the private stream.
type CloseEvent struct {
	Symbol      string
	Side        Side
	ClosePrice  float64
	ClosedQty   float64
	RealizedPnL float64
	CloseHint   string
	ClosedAt    time.Time
}
