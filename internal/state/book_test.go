package state

import (
	"testing"
	"time"
)

func pos(id, symbol string, side Side, volume, entry float64) *Position {
	return &Position{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		EntryPrice: entry,
		OpenedAt:   time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestPositionBookPromote(t *testing.T) {
	b := NewPositionBook()

	spec := pos("corr-1", "EURUSD", SideBuy, 1.0, 1.1)
	spec.Speculative = true
	b.Add(spec)

	if got := len(b.Speculative()); got != 1 {
		t.Fatalf("speculative count = %d, want 1", got)
	}

	promoted := b.Promote("corr-1", "trade-42")
	if promoted == nil {
		t.Fatal("Promote returned nil")
	}
	if promoted.ID != "trade-42" {
		t.Errorf("promoted ID = %q, want trade-42", promoted.ID)
	}
	if promoted.Speculative {
		t.Error("promoted position still speculative")
	}
	if b.Get("corr-1") != nil {
		t.Error("correlation id still resolvable after promotion")
	}
	if b.Get("trade-42") == nil {
		t.Error("authoritative id not resolvable after promotion")
	}
}

func TestPositionBookPromoteUnknown(t *testing.T) {
	b := NewPositionBook()
	if got := b.Promote("nope", "trade-1"); got != nil {
		t.Errorf("Promote unknown = %+v, want nil", got)
	}
}

func TestPositionBookReconcileKeepsSpeculative(t *testing.T) {
	b := NewPositionBook()

	confirmed := pos("trade-1", "EURUSD", SideBuy, 1.0, 1.1)
	b.Add(confirmed)
	stale := pos("trade-2", "GBPUSD", SideSell, 0.5, 1.27)
	b.Add(stale)
	spec := pos("corr-9", "USDJPY", SideBuy, 0.1, 155.0)
	spec.Speculative = true
	b.Add(spec)

	// Authoritative view no longer contains trade-2.
	b.ReconcileConfirmed([]Position{*confirmed})

	if b.Get("trade-2") != nil {
		t.Error("stale confirmed position survived reconcile")
	}
	if b.Get("trade-1") == nil {
		t.Error("confirmed position lost in reconcile")
	}
	if b.Get("corr-9") == nil {
		t.Error("speculative position lost in reconcile")
	}
}

func TestPositionBookClosedDedupe(t *testing.T) {
	b := NewPositionBook()

	trade := ClosedTrade{
		Position:    *pos("trade-1", "EURUSD", SideBuy, 1.0, 1.1),
		ClosePrice:  1.105,
		ClosedAt:    time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		RealizedPnL: 500,
	}
	if !b.AppendClosed(trade) {
		t.Fatal("first append rejected")
	}
	if b.AppendClosed(trade) {
		t.Error("duplicate append accepted")
	}
	if got := len(b.ClosedTrades()); got != 1 {
		t.Errorf("closed trades = %d, want 1", got)
	}

	count, latest := b.ClosedMarker()
	if count != 1 {
		t.Errorf("marker count = %d, want 1", count)
	}
	if !latest.Equal(trade.ClosedAt) {
		t.Errorf("marker latest = %v, want %v", latest, trade.ClosedAt)
	}
}

func TestPositionBookReset(t *testing.T) {
	b := NewPositionBook()
	b.Add(pos("trade-1", "EURUSD", SideBuy, 1.0, 1.1))
	b.AppendClosed(ClosedTrade{Position: *pos("trade-2", "EURUSD", SideBuy, 1.0, 1.1)})

	b.Reset()

	if len(b.Positions()) != 0 || len(b.ClosedTrades()) != 0 {
		t.Error("Reset left residual state")
	}
	// A trade id seen before the reset is appendable again.
	if !b.AppendClosed(ClosedTrade{Position: *pos("trade-2", "EURUSD", SideBuy, 1.0, 1.1)}) {
		t.Error("append after reset rejected as duplicate")
	}
}

func TestClearSpeculative(t *testing.T) {
	b := NewPositionBook()
	b.Add(pos("trade-1", "EURUSD", SideBuy, 1.0, 1.1))
	spec := pos("corr-1", "GBPUSD", SideSell, 0.5, 1.27)
	spec.Speculative = true
	b.Add(spec)

	cleared := b.ClearSpeculative()
	if len(cleared) != 1 || cleared[0] != "corr-1" {
		t.Errorf("cleared = %v, want [corr-1]", cleared)
	}
	if len(b.Positions()) != 1 {
		t.Errorf("positions = %d, want 1", len(b.Positions()))
	}
}
