package state

import (
	"sort"
	"time"
)

// PositionBook holds the open position set and the append-only trade history
// for the selected account. Not thread-safe; only accessed from the
// single-threaded reconciliation loop.
type PositionBook struct {
	positions map[string]*Position
	closed    []ClosedTrade
	closedIDs map[string]bool
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
		closedIDs: make(map[string]bool),
	}
}

// Get returns the position with the given id, or nil.
func (b *PositionBook) Get(id string) *Position {
	return b.positions[id]
}

// Add inserts a position. An existing position with the same id is replaced.
func (b *PositionBook) Add(pos *Position) {
	b.positions[pos.ID] = pos
}

// Remove deletes a position and returns it, or nil if absent.
func (b *PositionBook) Remove(id string) *Position {
	pos := b.positions[id]
	delete(b.positions, id)
	return pos
}

// Promote swaps a speculative position's correlation id for the authoritative
// id and marks it confirmed. Returns the promoted position, or nil.
func (b *PositionBook) Promote(correlationID, authoritativeID string) *Position {
	pos := b.positions[correlationID]
	if pos == nil {
		return nil
	}
	delete(b.positions, correlationID)
	pos.ID = authoritativeID
	pos.Speculative = false
	b.positions[authoritativeID] = pos
	return pos
}

// Positions returns the open positions ordered by open time, then id.
func (b *PositionBook) Positions() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Speculative returns the ids of all speculative positions.
func (b *PositionBook) Speculative() []string {
	var ids []string
	for id, pos := range b.positions {
		if pos.Speculative {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ClearSpeculative removes all speculative positions and returns their ids.
func (b *PositionBook) ClearSpeculative() []string {
	ids := b.Speculative()
	for _, id := range ids {
		delete(b.positions, id)
	}
	return ids
}

// AppendClosed appends a closed trade. Duplicates (same trade id) are dropped
// so a speculative close and its authoritative confirmation never both land.
func (b *PositionBook) AppendClosed(trade ClosedTrade) bool {
	if trade.ID != "" && b.closedIDs[trade.ID] {
		return false
	}
	if trade.ID != "" {
		b.closedIDs[trade.ID] = true
	}
	b.closed = append(b.closed, trade)
	return true
}

// ClosedTrades returns the trade history, oldest first.
func (b *PositionBook) ClosedTrades() []ClosedTrade {
	out := make([]ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

// ClosedMarker summarizes the known trade history for settlement polling.
func (b *PositionBook) ClosedMarker() (count int, latest time.Time) {
	for _, t := range b.closed {
		if t.ClosedAt.After(latest) {
			latest = t.ClosedAt
		}
	}
	return len(b.closed), latest
}

// ReconcileConfirmed replaces the confirmed position set with the
// authoritative one, leaving speculative positions untouched.
func (b *PositionBook) ReconcileConfirmed(authoritative []Position) {
	for id, pos := range b.positions {
		if !pos.Speculative {
			delete(b.positions, id)
		}
	}
	for i := range authoritative {
		pos := authoritative[i]
		pos.Speculative = false
		b.positions[pos.ID] = &pos
	}
}

// ReplaceClosed replaces the trade history with the authoritative log,
// re-deduplicating by trade id.
func (b *PositionBook) ReplaceClosed(trades []ClosedTrade) {
	b.closed = b.closed[:0]
	b.closedIDs = make(map[string]bool)
	for _, t := range trades {
		b.AppendClosed(t)
	}
}

// Reset discards everything. Used on account switch: speculative positions of
// the old account are dropped, not persisted.
func (b *PositionBook) Reset() {
	b.positions = make(map[string]*Position)
	b.closed = nil
	b.closedIDs = make(map[string]bool)
}
