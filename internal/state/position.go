package state

import "time"

// Side is the direction of a position.
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	default:
		return SideBuy, false
	}
}

// Sign returns +1 for BUY, -1 for SELL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Position is an open trade. While speculative, ID holds the locally-generated
// correlation id; promotion to confirmed swaps in the authoritative id.
type Position struct {
	ID          string
	Symbol      string
	Side        Side
	Volume      float64
	EntryPrice  float64
	StopLoss    *float64
	TakeProfit  *float64
	OpenedAt    time.Time
	Speculative bool
}

// Close reasons reported by the ledger's trade log.
const (
	CloseReasonManual     = "MANUAL"
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonTakeProfit = "TAKE_PROFIT"
	CloseReasonViolation  = "RULE_VIOLATION"
)

// BreachSnapshot records the drawdown captured when a closure was forced by a
// rule breach.
type BreachSnapshot struct {
	Kind            ViolationKind
	DrawdownPercent float64
	CapturedAt      time.Time
}

// ClosedTrade is an append-only record of a closed position.
type ClosedTrade struct {
	Position
	ClosePrice  float64
	ClosedAt    time.Time
	RealizedPnL float64
	CloseReason string
	Breach      *BreachSnapshot
}

// ViolationKind distinguishes which rule was breached.
type ViolationKind int32

const (
	ViolationDaily ViolationKind = iota
	ViolationOverall
)

func (k ViolationKind) String() string {
	if k == ViolationOverall {
		return "OVERALL"
	}
	return "DAILY"
}

func ParseViolationKind(s string) (ViolationKind, bool) {
	switch s {
	case "DAILY":
		return ViolationDaily, true
	case "OVERALL":
		return ViolationOverall, true
	default:
		return ViolationDaily, false
	}
}

// ViolationSnapshot is the drawdown captured at the instant of a breach.
// Immutable once written for a given (account, episode); cleared only when the
// account transitions back to ACTIVE.
type ViolationSnapshot struct {
	AccountID       string
	EpisodeID       string
	Kind            ViolationKind
	DrawdownPercent float64
	CapturedAt      time.Time
}

// PendingOrder is a resting limit order held client-side until the quote feed
// crosses its price or the user cancels it.
type PendingOrder struct {
	ID         string
	Symbol     string
	Side       Side
	Volume     float64
	LimitPrice float64
	StopLoss   *float64
	TakeProfit *float64
	PlacedAt   time.Time
}
