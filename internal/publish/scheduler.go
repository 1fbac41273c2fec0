// Package publish coalesces concurrent writes into one consistent snapshot
// per tick, suppressing sub-significant jitter so observers never see
// transient, self-correcting states.
package publish

import (
	"context"
	"math"
	"sync"
	"time"

	"RiskWatch/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Field identifies a numeric snapshot field with its own hysteresis threshold.
type Field string

const (
	FieldBalance         Field = "balance"
	FieldEquity          Field = "equity"
	FieldFloatingPnL     Field = "floating_pnl"
	FieldMarginUsed      Field = "margin_used"
	FieldFreeMargin      Field = "free_margin"
	FieldDailyDrawdown   Field = "daily_drawdown"
	FieldOverallDrawdown Field = "overall_drawdown"
)

// Snapshot is the single read-only view published to observers.
type Snapshot struct {
	Account                state.Account
	Positions              []state.Position
	PendingOrders          []state.PendingOrder
	TradeHistory           []state.ClosedTrade
	RiskStatus             state.RiskStatus
	LastViolation          *state.ViolationSnapshot
	FloatingPnL            float64
	MarginUsed             float64
	FreeMargin             float64
	DailyDrawdownPercent   float64
	OverallDrawdownPercent float64
	PublishedAt            time.Time
}

// DefaultThresholds: currency fields move in cents, percentage fields in
// basis points.
func DefaultThresholds() map[Field]float64 {
	return map[Field]float64{
		FieldBalance:         0.01,
		FieldEquity:          0.01,
		FieldFloatingPnL:     0.01,
		FieldMarginUsed:      0.01,
		FieldFreeMargin:      0.01,
		FieldDailyDrawdown:   0.01,
		FieldOverallDrawdown: 0.01,
	}
}

// DefaultFlushInterval is the bounded tick between flushes.
const DefaultFlushInterval = 250 * time.Millisecond

// Scheduler buffers staged snapshots and flushes once per tick.
type Scheduler struct {
	log        zerolog.Logger
	interval   time.Duration
	thresholds map[Field]float64

	// Counters may be nil.
	publishes  prometheus.Counter
	suppressed prometheus.Counter

	mu           sync.Mutex
	staged       *Snapshot
	structural   bool
	published    Snapshot
	hasPublished bool
	accepted     map[Field]float64
	everNonzero  map[Field]bool
	subs         []chan Snapshot
}

func NewScheduler(log zerolog.Logger, interval time.Duration, thresholds map[Field]float64, publishes, suppressed prometheus.Counter) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Scheduler{
		log:         log,
		interval:    interval,
		thresholds:  thresholds,
		publishes:   publishes,
		suppressed:  suppressed,
		accepted:    make(map[Field]float64),
		everNonzero: make(map[Field]bool),
	}
}

// fieldValues maps numeric fields into the snapshot, for both reading staged
// candidates and writing retained values back.
func fieldValues(snap *Snapshot) map[Field]*float64 {
	return map[Field]*float64{
		FieldBalance:         &snap.Account.Balance,
		FieldEquity:          &snap.Account.Equity,
		FieldFloatingPnL:     &snap.FloatingPnL,
		FieldMarginUsed:      &snap.MarginUsed,
		FieldFreeMargin:      &snap.FreeMargin,
		FieldDailyDrawdown:   &snap.DailyDrawdownPercent,
		FieldOverallDrawdown: &snap.OverallDrawdownPercent,
	}
}

// Stage buffers a candidate snapshot. structural marks a change that must
// publish regardless of numeric hysteresis (positions, status, violation).
// The very first non-zero value for any field flushes immediately so a field
// never sits in an indefinite "not yet known" state.
func (s *Scheduler) Stage(snap Snapshot, structural bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := snap
	s.staged = &copied
	s.structural = s.structural || structural

	if !s.hasPublished {
		s.flushLocked()
		return
	}
	for f, v := range fieldValues(&copied) {
		if !s.everNonzero[f] && *v != 0 {
			s.flushLocked()
			return
		}
	}
}

// Subscribe registers an observer. Sends are non-blocking; a slow observer
// misses intermediate snapshots, never blocks the engine.
func (s *Scheduler) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Current returns the last published snapshot.
func (s *Scheduler) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Run flushes staged writes once per tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) flushLocked() {
	if s.staged == nil {
		return
	}
	candidate := *s.staged
	s.staged = nil
	structural := s.structural
	s.structural = false

	changed := structural || !s.hasPublished

	for f, v := range fieldValues(&candidate) {
		prev := s.accepted[f]
		threshold := s.thresholds[f]

		accept := !s.hasPublished ||
			(!s.everNonzero[f] && *v != 0) ||
			math.Abs(*v-prev) >= threshold

		if !accept {
			// Below the hysteresis threshold: the published value stands.
			*v = prev
			continue
		}
		if *v != prev {
			changed = true
		}
		s.accepted[f] = *v
		if *v != 0 {
			s.everNonzero[f] = true
		}
	}

	if !changed {
		if s.suppressed != nil {
			s.suppressed.Inc()
		}
		return
	}

	candidate.PublishedAt = time.Now()
	s.published = candidate
	s.hasPublished = true
	if s.publishes != nil {
		s.publishes.Inc()
	}

	for _, ch := range s.subs {
		select {
		case ch <- candidate:
		default:
		}
	}
}
