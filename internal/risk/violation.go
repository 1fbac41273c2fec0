package risk

import (
	"context"
	"time"

	"RiskWatch/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transition is the outcome of applying an authoritative status change.
type Transition struct {
	From     state.RiskStatus
	To       state.RiskStatus
	Breached bool // entered a locked state this step
	Unlocked bool // returned to ACTIVE this step
	Snapshot *state.ViolationSnapshot
}

// Changed reports whether the status actually moved.
func (t Transition) Changed() bool { return t.From != t.To }

// StateMachine owns the mirrored risk status and the snapshot captured at
// breach time. Transitions to a locked state are driven exclusively by the
// authoritative service; the client never decides a lock on its own.
//
// Not thread-safe; only accessed from the reconciliation loop.
type StateMachine struct {
	log   zerolog.Logger
	store SnapshotStore
	now   func() time.Time

	status    state.RiskStatus
	episodeID string
	snapshot  *state.ViolationSnapshot
}

func NewStateMachine(log zerolog.Logger, store SnapshotStore) *StateMachine {
	return &StateMachine{
		log:    log,
		store:  store,
		now:    time.Now,
		status: state.StatusActive,
	}
}

// Status returns the current mirrored risk status.
func (m *StateMachine) Status() state.RiskStatus { return m.status }

// EpisodeID returns the current lock episode id, or "".
func (m *StateMachine) EpisodeID() string { return m.episodeID }

// ActiveSnapshot returns the violation snapshot of the current lock episode,
// or nil.
func (m *StateMachine) ActiveSnapshot() *state.ViolationSnapshot { return m.snapshot }

// bestAvailable selects the breach drawdown figure by named priority tier:
// the value supplied by the breach response, then the currently tracked value,
// then a derivation from the reference equity. Returns false when no tier is
// positive, in which case no snapshot is written and the last authoritative
// metric is retained instead.
func bestAvailable(breach *float64, tracked, derived float64) (float64, bool) {
	if breach != nil && *breach > 0 {
		return *breach, true
	}
	if tracked > 0 {
		return tracked, true
	}
	if derived > 0 {
		return derived, true
	}
	return 0, false
}

// ApplyAuthoritative folds in the ledger-reported status. On a transition
// into a locked state it captures and persists the violation snapshot in the
// same step; on return to ACTIVE it clears the snapshot of the ended episode.
//
// breachDrawdown is the figure supplied directly by the breach response, if
// any. tracked is the locally tracked drawdown; equity with the matching
// reference point provides the derivation fallback.
func (m *StateMachine) ApplyAuthoritative(
	ctx context.Context,
	accountID string,
	next state.RiskStatus,
	breachDrawdown *float64,
	tracked Drawdown,
	equity, todayOpeningEquity, peakEquityToDate float64,
) Transition {
	tr := Transition{From: m.status, To: next}
	if next == m.status {
		return tr
	}

	if !m.status.CanTransitionTo(next) {
		// The ledger is authoritative even off the expected path.
		m.log.Warn().
			Stringer("from", m.status).
			Stringer("to", next).
			Msg("unexpected status transition accepted from authoritative service")
	}

	if next.Locked() && !m.status.Locked() {
		tr.Breached = true
		m.beginEpisode(ctx, accountID, next, breachDrawdown, tracked, equity, todayOpeningEquity, peakEquityToDate)
		tr.Snapshot = m.snapshot
	}

	if next == state.StatusActive && m.status.Locked() {
		tr.Unlocked = true
		m.endEpisode(ctx, accountID)
	}

	m.status = next
	return tr
}

func (m *StateMachine) beginEpisode(
	ctx context.Context,
	accountID string,
	next state.RiskStatus,
	breachDrawdown *float64,
	tracked Drawdown,
	equity, todayOpeningEquity, peakEquityToDate float64,
) {
	m.episodeID = uuid.NewString()

	kind := state.ViolationOverall
	trackedValue := tracked.OverallPercent
	derived := dd(peakEquityToDate, equity)
	if next == state.StatusDailyLocked {
		kind = state.ViolationDaily
		trackedValue = tracked.DailyPercent
		derived = dd(todayOpeningEquity, equity)
	}

	value, ok := bestAvailable(breachDrawdown, trackedValue, derived)
	if !ok {
		m.log.Warn().
			Str("account_id", accountID).
			Str("episode_id", m.episodeID).
			Msg("no positive drawdown available at breach, retaining last authoritative metric")
		m.snapshot = nil
		return
	}

	snap := state.ViolationSnapshot{
		AccountID:       accountID,
		EpisodeID:       m.episodeID,
		Kind:            kind,
		DrawdownPercent: value,
		CapturedAt:      m.now(),
	}
	m.snapshot = &snap

	if err := m.store.Put(ctx, snap); err != nil {
		// The in-memory snapshot still freezes the value; persistence only
		// extends it across restarts.
		m.log.Error().Err(err).
			Str("account_id", accountID).
			Str("episode_id", m.episodeID).
			Msg("persist violation snapshot failed")
	}

	m.log.Info().
		Str("account_id", accountID).
		Str("episode_id", m.episodeID).
		Stringer("kind", kind).
		Float64("drawdown_percent", value).
		Msg("violation snapshot captured")
}

func (m *StateMachine) endEpisode(ctx context.Context, accountID string) {
	if m.episodeID != "" {
		if err := m.store.Delete(ctx, accountID, m.episodeID); err != nil {
			m.log.Error().Err(err).
				Str("account_id", accountID).
				Str("episode_id", m.episodeID).
				Msg("clear violation snapshot failed")
		}
	}
	m.episodeID = ""
	m.snapshot = nil
}

// Reset clears all state for an account switch. The store is untouched: the
// old account's episode snapshot must survive until its own unlock.
func (m *StateMachine) Reset() {
	m.status = state.StatusActive
	m.episodeID = ""
	m.snapshot = nil
}
