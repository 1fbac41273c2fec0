// Package risk derives drawdown from equity and mirrors the ledger's risk
// status, freezing the breach snapshot at the instant of violation.
package risk

import (
	"math"

	"github.com/rs/zerolog"
)

// Drawdown is a published daily/overall drawdown pair, in percent.
type Drawdown struct {
	DailyPercent   float64
	OverallPercent float64
}

// DrawdownTracker derives daily and overall drawdown. Within a lock episode
// the published values are monotonically non-decreasing: recomputation may
// race ahead of, or fall behind, authoritative confirmation, and the max of
// (computed, previously published, last authoritative) converges regardless
// of arrival order.
//
// Not thread-safe; only accessed from the reconciliation loop.
type DrawdownTracker struct {
	log zerolog.Logger

	published Drawdown
	lastAuth  Drawdown
	inEpisode bool
	lastPeak  float64
}

func NewDrawdownTracker(log zerolog.Logger) *DrawdownTracker {
	return &DrawdownTracker{log: log}
}

// dd computes max(0, (reference - equity) / reference * 100).
func dd(reference, equity float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Max(0, (reference-equity)/reference*100)
}

// Tick recomputes drawdown from the current equity and reference points.
// peakEquityToDate is advanced only by the authoritative service; a regressing
// peak is discarded and the prior one retained.
func (t *DrawdownTracker) Tick(equity, todayOpeningEquity, peakEquityToDate float64) Drawdown {
	if peakEquityToDate < t.lastPeak {
		t.log.Error().
			Float64("peak", peakEquityToDate).
			Float64("retained", t.lastPeak).
			Msg("peak equity regression discarded")
		peakEquityToDate = t.lastPeak
	} else {
		t.lastPeak = peakEquityToDate
	}

	computed := Drawdown{
		DailyPercent:   dd(todayOpeningEquity, equity),
		OverallPercent: dd(peakEquityToDate, equity),
	}

	if t.inEpisode {
		computed.DailyPercent = max3(computed.DailyPercent, t.published.DailyPercent, t.lastAuth.DailyPercent)
		computed.OverallPercent = max3(computed.OverallPercent, t.published.OverallPercent, t.lastAuth.OverallPercent)
	}

	t.published = computed
	return computed
}

// SetAuthoritative folds in the drawdown metrics reported by the ledger.
// During a lock episode a lower authoritative value cannot pull the published
// value back down; the offending input is discarded and logged.
func (t *DrawdownTracker) SetAuthoritative(d Drawdown) Drawdown {
	if t.inEpisode {
		if d.DailyPercent < t.published.DailyPercent {
			t.log.Error().
				Float64("reported", d.DailyPercent).
				Float64("retained", t.published.DailyPercent).
				Msg("daily drawdown regression during lock episode discarded")
			d.DailyPercent = t.published.DailyPercent
		}
		if d.OverallPercent < t.published.OverallPercent {
			t.log.Error().
				Float64("reported", d.OverallPercent).
				Float64("retained", t.published.OverallPercent).
				Msg("overall drawdown regression during lock episode discarded")
			d.OverallPercent = t.published.OverallPercent
		}
	}

	t.lastAuth = d
	t.published = Drawdown{
		DailyPercent:   math.Max(t.published.DailyPercent, d.DailyPercent),
		OverallPercent: math.Max(t.published.OverallPercent, d.OverallPercent),
	}
	if !t.inEpisode {
		t.published = d
	}
	return t.published
}

// BeginEpisode starts the monotonic floor. Called when the account enters a
// locked status.
func (t *DrawdownTracker) BeginEpisode() {
	t.inEpisode = true
}

// EndEpisode releases the floor. Called when the account returns to ACTIVE or
// the authoritative service confirms a new peak equity.
func (t *DrawdownTracker) EndEpisode() {
	t.inEpisode = false
	t.published = Drawdown{}
	t.lastAuth = Drawdown{}
}

// Published returns the last published drawdown pair.
func (t *DrawdownTracker) Published() Drawdown {
	return t.published
}

// Reset clears all state. Used on account switch so stale reference points
// never carry over.
func (t *DrawdownTracker) Reset() {
	t.published = Drawdown{}
	t.lastAuth = Drawdown{}
	t.inEpisode = false
	t.lastPeak = 0
}

func max3(a, b, c float64) float64 {
	return math.Max(a, math.Max(b, c))
}
