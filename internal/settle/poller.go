// Package settle confirms that an optimistic mutation has landed in the
// authoritative trade log, for when the push channel is unavailable or racy.
package settle

import (
	"context"
	"sync"
	"time"

	"RiskWatch/internal/state"

	"github.com/rs/zerolog"
)

// TradeLog is the slice of the ledger client the poller needs.
type TradeLog interface {
	ClosedTrades(ctx context.Context, accountID string) ([]state.ClosedTrade, error)
}

// Marker is the closed-trade count and latest close timestamp known at
// submission time. Settlement is observed when either advances.
type Marker struct {
	Count  int
	Latest time.Time
}

// Result reports the outcome of one poll generation. Settled == false means
// "settlement not yet observed", never failure.
type Result struct {
	AccountID  string
	Generation uint64
	Settled    bool
	Trades     []state.ClosedTrade
}

// Poller runs bounded, cancellable polling loops against the trade log.
// Each poll carries a monotonically increasing generation; starting a new
// poll for an account invalidates any earlier generation in flight, and a
// cancelled generation emits nothing.
type Poller struct {
	log      zerolog.Logger
	source   TradeLog
	interval time.Duration
	attempts int
	maxTotal time.Duration

	mu      sync.Mutex
	gen     uint64
	current map[string]uint64
	cancels map[string]context.CancelFunc
}

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 10
	DefaultMaxDuration = 30 * time.Second
)

func NewPoller(log zerolog.Logger, source TradeLog, interval time.Duration, attempts int, maxTotal time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxDuration
	}
	return &Poller{
		log:      log,
		source:   source,
		interval: interval,
		attempts: attempts,
		maxTotal: maxTotal,
		current:  make(map[string]uint64),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins a new poll generation for the account, cancelling any earlier
// one. The result (settled or timed out) arrives on the returned channel;
// a cancelled generation delivers nothing.
func (p *Poller) Start(ctx context.Context, accountID string, before Marker) <-chan Result {
	p.mu.Lock()
	if cancel, ok := p.cancels[accountID]; ok {
		cancel()
	}
	p.gen++
	gen := p.gen
	p.current[accountID] = gen

	pollCtx, cancel := context.WithTimeout(ctx, p.maxTotal)
	p.cancels[accountID] = cancel
	p.mu.Unlock()

	out := make(chan Result, 1)
	go p.run(pollCtx, accountID, gen, before, out)
	return out
}

// CancelAccount invalidates all outstanding polls for an account. Used when
// the selected account changes.
func (p *Poller) CancelAccount(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[accountID]; ok {
		cancel()
		delete(p.cancels, accountID)
	}
	delete(p.current, accountID)
}

func (p *Poller) run(ctx context.Context, accountID string, gen uint64, before Marker, out chan<- Result) {
	defer p.release(accountID, gen)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.attempts; attempt++ {
		trades, err := p.source.ClosedTrades(ctx, accountID)
		if err != nil {
			// Background consistency operation: degrade silently and retry.
			p.log.Debug().Err(err).
				Str("account_id", accountID).
				Uint64("generation", gen).
				Msg("settlement poll attempt failed")
		} else if settled(before, trades) {
			p.emit(accountID, gen, out, Result{
				AccountID:  accountID,
				Generation: gen,
				Settled:    true,
				Trades:     trades,
			})
			return
		}

		select {
		case <-ctx.Done():
			// Cancelled or out of time budget: a superseded generation must
			// leave no observable effect.
			if ctx.Err() == context.DeadlineExceeded {
				p.emit(accountID, gen, out, Result{AccountID: accountID, Generation: gen})
			}
			return
		case <-ticker.C:
		}
	}

	p.emit(accountID, gen, out, Result{AccountID: accountID, Generation: gen})
}

// settled reports whether the marker advanced: new trade count, or a close
// timestamp newer than the marker.
func settled(before Marker, trades []state.ClosedTrade) bool {
	if len(trades) > before.Count {
		return true
	}
	for _, t := range trades {
		if t.ClosedAt.After(before.Latest) {
			return true
		}
	}
	return false
}

// emit delivers a result only if the generation is still current.
func (p *Poller) emit(accountID string, gen uint64, out chan<- Result, res Result) {
	p.mu.Lock()
	stale := p.current[accountID] != gen
	p.mu.Unlock()
	if stale {
		return
	}
	out <- res
}

func (p *Poller) release(accountID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current[accountID] == gen {
		delete(p.current, accountID)
		if cancel, ok := p.cancels[accountID]; ok {
			cancel()
			delete(p.cancels, accountID)
		}
	}
}
