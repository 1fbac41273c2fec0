package publish

import (
	"testing"
	"time"

	"RiskWatch/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newScheduler() *Scheduler {
	return NewScheduler(zerolog.Nop(), time.Hour, nil, nil, nil) // ticker never fires in tests
}

func snapWithEquity(equity float64) Snapshot {
	return Snapshot{
		Account: state.Account{ID: "acct", Balance: 100_000, Equity: equity},
	}
}

func TestFirstStageFlushesImmediately(t *testing.T) {
	s := newScheduler()
	sub := s.Subscribe()

	s.Stage(snapWithEquity(100_000), false)

	select {
	case got := <-sub:
		if got.Account.Equity != 100_000 {
			t.Errorf("equity = %v", got.Account.Equity)
		}
	default:
		t.Fatal("first stage did not publish")
	}
}

func TestSubThresholdChangeSuppressed(t *testing.T) {
	suppressed := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_suppressed"})
	s := NewScheduler(zerolog.Nop(), time.Hour, nil, nil, suppressed)
	s.Stage(snapWithEquity(100_000), false)

	// Equity moves by less than a cent.
	s.Stage(snapWithEquity(100_000.004), false)
	s.flush()

	got := s.Current()
	if got.Account.Equity != 100_000 {
		t.Errorf("equity = %v, want retained 100000", got.Account.Equity)
	}
	if n := promtestutil.ToFloat64(suppressed); n != 1 {
		t.Errorf("suppressed = %v, want 1", n)
	}
}

func TestThresholdChangePublishes(t *testing.T) {
	s := newScheduler()
	s.Stage(snapWithEquity(100_000), false)

	s.Stage(snapWithEquity(100_000.02), false)
	s.flush()

	if got := s.Current().Account.Equity; got != 100_000.02 {
		t.Errorf("equity = %v, want 100000.02", got)
	}
}

func TestStructuralChangeBypassesHysteresis(t *testing.T) {
	s := newScheduler()
	s.Stage(snapWithEquity(100_000), false)

	// Numerically identical but a position appeared.
	snap := snapWithEquity(100_000)
	snap.Positions = []state.Position{{ID: "t1", Symbol: "EURUSD", Side: state.SideBuy, Volume: 1}}
	s.Stage(snap, true)
	s.flush()

	if got := s.Current(); len(got.Positions) != 1 {
		t.Error("structural change not published")
	}
}

func TestFirstNonZeroFieldFlushesImmediately(t *testing.T) {
	publishes := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_publishes"})
	s := NewScheduler(zerolog.Nop(), time.Hour, nil, publishes, nil)

	// First publish with zero drawdown.
	s.Stage(snapWithEquity(100_000), false)
	before := promtestutil.ToFloat64(publishes)

	// Drawdown becomes non-zero for the first time: immediate flush, no tick.
	snap := snapWithEquity(100_000)
	snap.DailyDrawdownPercent = 0.003 // below threshold, still first non-zero
	s.Stage(snap, false)

	if after := promtestutil.ToFloat64(publishes); after != before+1 {
		t.Fatalf("publishes = %v, want %v", after, before+1)
	}
	if got := s.Current().DailyDrawdownPercent; got != 0.003 {
		t.Errorf("daily drawdown = %v, want 0.003", got)
	}
}

func TestRetainedValuesWrittenBack(t *testing.T) {
	s := newScheduler()
	s.Stage(snapWithEquity(100_000), false)

	// Structural publish with a sub-threshold equity wiggle: the published
	// snapshot must carry the retained equity, not the wiggle.
	snap := snapWithEquity(100_000.004)
	snap.RiskStatus = state.StatusPaused
	s.Stage(snap, true)
	s.flush()

	got := s.Current()
	if got.RiskStatus != state.StatusPaused {
		t.Error("structural field lost")
	}
	if got.Account.Equity != 100_000 {
		t.Errorf("equity = %v, want retained 100000", got.Account.Equity)
	}
}

func TestSlowSubscriberNeverBlocks(t *testing.T) {
	s := newScheduler()
	s.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Stage(snapWithEquity(100_000+float64(i)), true)
			s.flush()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("staging blocked on a slow subscriber")
	}
}

// flush runs one flush cycle without the ticker.
func (s *Scheduler) flush() {
	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()
}
