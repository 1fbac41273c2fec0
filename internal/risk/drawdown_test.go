package risk

import (
	"math/rand"
	"testing"

	"RiskWatch/internal/testutil"

	"github.com/rs/zerolog"
)

func newTracker() *DrawdownTracker {
	return NewDrawdownTracker(zerolog.Nop())
}

func TestTickBasicDerivation(t *testing.T) {
	tr := newTracker()

	// Equity 94k against a 100k opening and 105k peak.
	got := tr.Tick(94_000, 100_000, 105_000)

	testutil.AssertApprox(t, "daily", got.DailyPercent, 6.0)
	testutil.AssertApprox(t, "overall", got.OverallPercent, (105_000.0-94_000.0)/105_000.0*100)
}

func TestTickClampsProfitToZero(t *testing.T) {
	tr := newTracker()
	got := tr.Tick(101_000, 100_000, 100_000)
	if got.DailyPercent != 0 {
		t.Errorf("daily = %v, want 0 when in profit", got.DailyPercent)
	}
}

func TestTickZeroReference(t *testing.T) {
	tr := newTracker()
	got := tr.Tick(100_000, 0, 0)
	if got.DailyPercent != 0 || got.OverallPercent != 0 {
		t.Errorf("drawdown with zero references = %+v, want zeros", got)
	}
}

func TestPeakRegressionDiscarded(t *testing.T) {
	tr := newTracker()

	tr.Tick(100_000, 100_000, 105_000)
	// A lower peak arrives; the retained peak must keep driving the overall figure.
	got := tr.Tick(100_000, 100_000, 101_000)

	testutil.AssertApprox(t, "overall", got.OverallPercent, (105_000.0-100_000.0)/105_000.0*100)
}

func TestEpisodeFloorHoldsThroughRecovery(t *testing.T) {
	tr := newTracker()

	tr.Tick(94_000, 100_000, 100_000) // 6% daily
	tr.BeginEpisode()

	// Price recovers after the breach. Published drawdown must not shrink.
	got := tr.Tick(97_000, 100_000, 100_000)
	testutil.AssertApprox(t, "daily", got.DailyPercent, 6.0)

	// A deeper excursion still moves it up.
	got = tr.Tick(92_000, 100_000, 100_000)
	testutil.AssertApprox(t, "daily", got.DailyPercent, 8.0)
}

func TestAuthoritativeRegressionDiscardedInEpisode(t *testing.T) {
	tr := newTracker()

	tr.Tick(94_000, 100_000, 100_000)
	tr.BeginEpisode()

	got := tr.SetAuthoritative(Drawdown{DailyPercent: 5.2, OverallPercent: 5.2})
	testutil.AssertApprox(t, "daily", got.DailyPercent, 6.0)

	// A higher authoritative value is accepted.
	got = tr.SetAuthoritative(Drawdown{DailyPercent: 6.4, OverallPercent: 6.4})
	testutil.AssertApprox(t, "daily", got.DailyPercent, 6.4)
}

func TestAuthoritativeReplacesOutsideEpisode(t *testing.T) {
	tr := newTracker()

	tr.Tick(94_000, 100_000, 100_000)
	got := tr.SetAuthoritative(Drawdown{DailyPercent: 2.5, OverallPercent: 1.0})

	// Outside an episode the ledger's figure simply wins, even downward.
	testutil.AssertApprox(t, "daily", got.DailyPercent, 2.5)
	testutil.AssertApprox(t, "overall", got.OverallPercent, 1.0)
}

func TestEndEpisodeReleasesFloor(t *testing.T) {
	tr := newTracker()

	tr.Tick(94_000, 100_000, 100_000)
	tr.BeginEpisode()
	tr.EndEpisode()

	got := tr.Tick(99_000, 100_000, 100_000)
	testutil.AssertApprox(t, "daily", got.DailyPercent, 1.0)
}

// Interleave local recomputation and authoritative updates in random order
// during an episode; the published value must never decrease.
func TestEpisodeMonotonicityRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		tr := newTracker()
		tr.Tick(94_000, 100_000, 100_000)
		tr.BeginEpisode()

		prev := tr.Published()
		for i := 0; i < 200; i++ {
			var got Drawdown
			if rng.Intn(2) == 0 {
				equity := 90_000 + rng.Float64()*12_000
				got = tr.Tick(equity, 100_000, 100_000)
			} else {
				got = tr.SetAuthoritative(Drawdown{
					DailyPercent:   rng.Float64() * 12,
					OverallPercent: rng.Float64() * 12,
				})
			}
			if got.DailyPercent < prev.DailyPercent-1e-9 {
				t.Fatalf("trial %d step %d: daily regressed %v -> %v", trial, i, prev.DailyPercent, got.DailyPercent)
			}
			if got.OverallPercent < prev.OverallPercent-1e-9 {
				t.Fatalf("trial %d step %d: overall regressed %v -> %v", trial, i, prev.OverallPercent, got.OverallPercent)
			}
			prev = got
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	tr := newTracker()
	tr.Tick(94_000, 100_000, 105_000)
	tr.BeginEpisode()

	tr.Reset()

	if got := tr.Published(); got.DailyPercent != 0 || got.OverallPercent != 0 {
		t.Errorf("published after reset = %+v", got)
	}
	// The old peak must not carry into the next account.
	got := tr.Tick(100_000, 100_000, 101_000)
	if got.OverallPercent != dd(101_000, 100_000) {
		t.Errorf("overall after reset = %v", got.OverallPercent)
	}
}
