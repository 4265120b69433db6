package domain

import (
	"fmt"
	"time"
)

type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalRejected SignalStatus = "rejected"
	SignalFailed   SignalStatus = "failed"
)

// Signal is an immutable trading signal delivered by the ingestion side.
// Price levels carried by the source are suggestions; the calculator derives
// the levels actually placed.
type Signal struct {
	ID     string
	UserID string
	Symbol string
	Side   Side

	Price      float64 // reference price at signal time
	StopLoss   float64 // raw suggestion, may be 0
	TakeProfit float64 // raw suggestion, may be 0
	ATR        float64
	Strength   float64 // [0,1]
	Leverage   int     // hint, capped by symbol rules

	VolumeRatio float64 // current volume vs rolling average, 0 when unknown

	Status     SignalStatus
	Reason     string // rejection or failure reason
	PositionID string // back-reference once executed

	SignalTime time.Time
	CreatedAt  time.Time
}

// IdempotencyKey identifies a signal delivery. A retried webhook produces the
// same key, which lets admission detect "already executed".
func (s *Signal) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%d", s.Symbol, s.Side, s.SignalTime.Unix())
}
