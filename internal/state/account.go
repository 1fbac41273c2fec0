package state

import "time"

// RiskStatus is the account's risk standing as reported by the authoritative
// ledger. The client mirrors it; it never decides a lock on its own.
type RiskStatus int32

const (
	StatusActive RiskStatus = iota
	StatusDailyLocked
	StatusDisqualified
	StatusPaused
	StatusClosed
)

func (s RiskStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusDailyLocked:
		return "DAILY_LOCKED"
	case StatusDisqualified:
		return "DISQUALIFIED"
	case StatusPaused:
		return "PAUSED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskStatus maps the ledger's wire string to a RiskStatus.
func ParseRiskStatus(s string) (RiskStatus, bool) {
	switch s {
	case "ACTIVE":
		return StatusActive, true
	case "DAILY_LOCKED":
		return StatusDailyLocked, true
	case "DISQUALIFIED":
		return StatusDisqualified, true
	case "PAUSED":
		return StatusPaused, true
	case "CLOSED":
		return StatusClosed, true
	default:
		return StatusActive, false
	}
}

// Locked reports whether trading is frozen in this status.
func (s RiskStatus) Locked() bool {
	return s == StatusDailyLocked || s == StatusDisqualified
}

// Terminal reports whether the account can never return to ACTIVE.
func (s RiskStatus) Terminal() bool {
	return s == StatusDisqualified || s == StatusClosed
}

// CanTransitionTo validates status transitions. The authoritative service may
// still force a transition outside this table; such transitions are accepted
// and logged, never blocked.
func (s RiskStatus) CanTransitionTo(next RiskStatus) bool {
	validTransitions := map[RiskStatus][]RiskStatus{
		StatusActive: {
			StatusDailyLocked,
			StatusDisqualified,
			StatusPaused,
			StatusClosed,
		},
		StatusDailyLocked: {
			StatusActive, // next trading day, authoritative-only
			StatusDisqualified,
		},
		StatusPaused: {
			StatusActive,
			StatusClosed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// Phase is the evaluation stage of the account.
type Phase int32

const (
	PhaseOne Phase = iota
	PhaseTwo
	PhaseFunded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseOne:
		return "PHASE1"
	case PhaseTwo:
		return "PHASE2"
	case PhaseFunded:
		return "FUNDED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func ParsePhase(s string) (Phase, bool) {
	switch s {
	case "PHASE1":
		return PhaseOne, true
	case "PHASE2":
		return PhaseTwo, true
	case "FUNDED":
		return PhaseFunded, true
	case "FAILED":
		return PhaseFailed, true
	default:
		return PhaseOne, false
	}
}

// RuleSet holds the account's evaluation rules. The thresholds are enforced
// remotely; the client only carries them for display and local approximation.
type RuleSet struct {
	ProfitTargetPct       float64
	MaxDailyDrawdownPct   float64
	MaxOverallDrawdownPct float64
	MinTradingDays        int
	MaxTradingDays        int
	Leverage              float64
}

// DefaultLeverage is used when the ledger does not report one.
const DefaultLeverage = 100.0

// Account is the mirrored account state. Owned exclusively by the
// reconciliation engine; mutated only through valuation outputs and
// authoritative sync responses.
type Account struct {
	ID                 string
	Balance            float64
	Equity             float64
	InitialBalance     float64
	TodayOpeningEquity float64
	PeakEquityToDate   float64
	RiskStatus         RiskStatus
	Phase              Phase
	Rules              RuleSet

	// Metrics mirrored from the ledger's last snapshot.
	TradingDaysCompleted int
	DaysRemaining        int
	LastSyncedAt         time.Time
}
