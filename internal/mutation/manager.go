// Package mutation applies trade intents optimistically and tracks them until
// the authoritative service confirms, rejects, or times them out.
package mutation

import (
	"errors"
	"time"

	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind is the mutation intent type.
type Kind int32

const (
	KindOpen Kind = iota
	KindModify
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindModify:
		return "MODIFY"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// State is the lifecycle state of a pending mutation. Every mutation
// eventually leaves InFlight: confirmed, rejected, or timed out.
type State int32

const (
	StateInFlight State = iota
	StateConfirmed
	StateRejected
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "IN_FLIGHT"
	case StateConfirmed:
		return "CONFIRMED"
	case StateRejected:
		return "REJECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	}
	return "UNKNOWN"
}

// ErrIntentInFlight: a second intent arrived for a position that already has
// one in flight. Surfaced as retryable, never silently dropped or overwritten.
var ErrIntentInFlight = errors.New("a mutation is already in flight for this position")

// OpenIntent is a request to open a new position.
type OpenIntent struct {
	Symbol     string
	Side       state.Side
	Volume     float64
	StopLoss   *float64
	TakeProfit *float64
}

// Changes carries optional stop-loss/take-profit updates; nil leaves a field
// unchanged.
type Changes struct {
	StopLoss   *float64
	TakeProfit *float64
}

// Pending tracks one optimistic mutation until reconciliation.
type Pending struct {
	CorrelationID string
	Kind          Kind
	PositionID    string
	Symbol        string
	Side          state.Side
	SubmittedAt   time.Time
	State         State

	// Rollback stash.
	removed        *state.Position
	prevStopLoss   *float64
	prevTakeProfit *float64
}

// DefaultDuplicateWindow guards against double-submitting the same OPEN.
const DefaultDuplicateWindow = time.Second

// Manager owns the pending-mutation registry and the optimistic apply /
// rollback of the position book. Not thread-safe; only accessed from the
// reconciliation loop.
type Manager struct {
	log       zerolog.Logger
	book      *state.PositionBook
	now       func() time.Time
	dupWindow time.Duration

	pending    map[string]*Pending
	byPosition map[string]string // position id -> in-flight correlation id
}

func NewManager(log zerolog.Logger, book *state.PositionBook, dupWindow time.Duration) *Manager {
	if dupWindow <= 0 {
		dupWindow = DefaultDuplicateWindow
	}
	return &Manager{
		log:        log,
		book:       book,
		now:        time.Now,
		dupWindow:  dupWindow,
		pending:    make(map[string]*Pending),
		byPosition: make(map[string]string),
	}
}

// BeginOpen creates a speculative position and registers the pending
// mutation. A second OPEN for the same symbol+side within the duplicate
// window of an in-flight one is rejected client-side.
func (m *Manager) BeginOpen(intent OpenIntent) (*Pending, *state.Position, error) {
	now := m.now()
	for _, p := range m.pending {
		if p.State != StateInFlight || p.Kind != KindOpen {
			continue
		}
		if p.Symbol == intent.Symbol && p.Side == intent.Side &&
			now.Sub(p.SubmittedAt) < m.dupWindow {
			return nil, nil, &ledgerapi.RejectedError{
				Reason:  ledgerapi.ReasonDuplicate,
				Message: "open intent duplicates one already in flight",
			}
		}
	}

	correlationID := uuid.NewString()
	pos := &state.Position{
		ID:          correlationID,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Volume:      intent.Volume,
		StopLoss:    intent.StopLoss,
		TakeProfit:  intent.TakeProfit,
		OpenedAt:    now,
		Speculative: true,
	}
	m.book.Add(pos)

	p := &Pending{
		CorrelationID: correlationID,
		Kind:          KindOpen,
		PositionID:    correlationID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		SubmittedAt:   now,
		State:         StateInFlight,
	}
	m.register(p)
	return p, pos, nil
}

// BeginClose removes the position speculatively and registers the pending
// mutation. The removed position is stashed for rollback.
func (m *Manager) BeginClose(positionID string) (*Pending, error) {
	if err := m.checkNotBusy(positionID); err != nil {
		return nil, err
	}
	pos := m.book.Remove(positionID)
	if pos == nil {
		return nil, &ledgerapi.RejectedError{
			Reason:  ledgerapi.ReasonUnknown,
			Message: "position not found",
		}
	}

	p := &Pending{
		CorrelationID: uuid.NewString(),
		Kind:          KindClose,
		PositionID:    positionID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		SubmittedAt:   m.now(),
		State:         StateInFlight,
		removed:       pos,
	}
	m.register(p)
	return p, nil
}

// BeginModify applies the changes optimistically, stashing prior values.
func (m *Manager) BeginModify(positionID string, changes Changes) (*Pending, error) {
	if err := m.checkNotBusy(positionID); err != nil {
		return nil, err
	}
	pos := m.book.Get(positionID)
	if pos == nil {
		return nil, &ledgerapi.RejectedError{
			Reason:  ledgerapi.ReasonUnknown,
			Message: "position not found",
		}
	}

	p := &Pending{
		CorrelationID:  uuid.NewString(),
		Kind:           KindModify,
		PositionID:     positionID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		SubmittedAt:    m.now(),
		State:          StateInFlight,
		prevStopLoss:   pos.StopLoss,
		prevTakeProfit: pos.TakeProfit,
	}
	if changes.StopLoss != nil {
		pos.StopLoss = changes.StopLoss
	}
	if changes.TakeProfit != nil {
		pos.TakeProfit = changes.TakeProfit
	}
	m.register(p)
	return p, nil
}

// ConfirmOpen promotes the speculative position to the authoritative id.
func (m *Manager) ConfirmOpen(correlationID string, ack ledgerapi.TradeAck) *Pending {
	p := m.resolve(correlationID, StateConfirmed)
	if p == nil {
		return nil
	}
	pos := m.book.Promote(correlationID, ack.ID)
	if pos != nil {
		if ack.EntryPrice > 0 {
			pos.EntryPrice = ack.EntryPrice
		}
		if !ack.OpenedAt.IsZero() {
			pos.OpenedAt = ack.OpenedAt
		}
	}
	return p
}

// ConfirmClose records the authoritative close. ack may be nil for a
// conflict ("already closed"): the removal stands and the trade-history entry
// is left for the authoritative log to deliver, so no duplicate appears.
func (m *Manager) ConfirmClose(correlationID string, ack *ledgerapi.CloseAck) *Pending {
	p := m.resolve(correlationID, StateConfirmed)
	if p == nil {
		return nil
	}
	if ack != nil && p.removed != nil {
		closed := state.ClosedTrade{
			Position:    *p.removed,
			ClosePrice:  ack.ClosePrice,
			ClosedAt:    ack.ClosedAt,
			RealizedPnL: ack.RealizedPnL,
		}
		closed.Speculative = false
		m.book.AppendClosed(closed)
	}
	return p
}

// ConfirmModify finalizes an optimistic modify.
func (m *Manager) ConfirmModify(correlationID string) *Pending {
	return m.resolve(correlationID, StateConfirmed)
}

// Fail rolls back the optimistic entity. timedOut selects TIMED_OUT over
// REJECTED; both roll back, only the surfaced error differs.
func (m *Manager) Fail(correlationID string, timedOut bool) *Pending {
	final := StateRejected
	if timedOut {
		final = StateTimedOut
	}
	p := m.resolve(correlationID, final)
	if p == nil {
		return nil
	}

	switch p.Kind {
	case KindOpen:
		m.book.Remove(p.PositionID)
	case KindClose:
		if p.removed != nil {
			m.book.Add(p.removed)
		}
	case KindModify:
		if pos := m.book.Get(p.PositionID); pos != nil {
			pos.StopLoss = p.prevStopLoss
			pos.TakeProfit = p.prevTakeProfit
		}
	}

	m.log.Debug().
		Str("correlation_id", p.CorrelationID).
		Stringer("kind", p.Kind).
		Stringer("state", p.State).
		Msg("optimistic mutation rolled back")
	return p
}

// InFlight returns the mutations still awaiting reconciliation.
func (m *Manager) InFlight() []Pending {
	var out []Pending
	for _, p := range m.pending {
		if p.State == StateInFlight {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns the pending mutation for a correlation id, or nil.
func (m *Manager) Get(correlationID string) *Pending {
	return m.pending[correlationID]
}

// Reset discards all pending state on account switch.
func (m *Manager) Reset() {
	m.pending = make(map[string]*Pending)
	m.byPosition = make(map[string]string)
}

func (m *Manager) register(p *Pending) {
	m.pending[p.CorrelationID] = p
	m.byPosition[p.PositionID] = p.CorrelationID
}

func (m *Manager) checkNotBusy(positionID string) error {
	if corr, ok := m.byPosition[positionID]; ok {
		if p := m.pending[corr]; p != nil && p.State == StateInFlight {
			return &ledgerapi.TransientError{Err: ErrIntentInFlight}
		}
	}
	return nil
}

// resolve moves a pending mutation out of IN_FLIGHT and drops it from the
// registry; the caller holds the returned Pending for final bookkeeping.
func (m *Manager) resolve(correlationID string, final State) *Pending {
	p := m.pending[correlationID]
	if p == nil || p.State != StateInFlight {
		return nil
	}
	p.State = final
	delete(m.pending, correlationID)
	delete(m.byPosition, p.PositionID)
	return p
}
