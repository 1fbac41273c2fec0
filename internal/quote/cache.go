// Package quote holds the latest bid/ask per instrument from the periodic
// price feed and fans out throttled change notifications.
package quote

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quote is the latest observed bid/ask for a symbol. Replaced wholesale per
// feed tick; only the previous tick is retained, for crossing detection.
type Quote struct {
	Symbol     string
	Bid        float64
	Ask        float64
	ObservedAt time.Time
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Change notifies downstream consumers that a symbol's quote moved.
type Change struct {
	AccountID string
	Quote     Quote
	Previous  *Quote
}

// Outcome classifies how Update handled a feed tick, so the caller can count
// drops and throttles.
type Outcome int

const (
	// Applied: stored, change notification emitted.
	Applied Outcome = iota
	// Stale: dropped, older than the stored quote.
	Stale
	// Throttled: stored, notification suppressed by the per-symbol limiter.
	Throttled
)

// Cache stores quotes and emits at most one Change per (account, symbol) per
// throttle interval. Out-of-order feed ticks are dropped.
type Cache struct {
	mu       sync.RWMutex
	quotes   map[string]Quote
	previous map[string]Quote
	limiters map[string]*rate.Limiter
	interval time.Duration
	changes  chan Change
}

// DefaultThrottleInterval limits downstream recomputation to once per second
// per symbol.
const DefaultThrottleInterval = time.Second

func NewCache(interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Cache{
		quotes:   make(map[string]Quote),
		previous: make(map[string]Quote),
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		changes:  make(chan Change, 256),
	}
}

// Changes is the throttled change-notification stream.
func (c *Cache) Changes() <-chan Change {
	return c.changes
}

// Update replaces the stored quote for a symbol unless the tick is older than
// the stored one.
func (c *Cache) Update(accountID, symbol string, bid, ask float64, observedAt time.Time) Outcome {
	c.mu.Lock()

	stored, ok := c.quotes[symbol]
	if ok && observedAt.Before(stored.ObservedAt) {
		c.mu.Unlock()
		return Stale
	}

	q := Quote{Symbol: symbol, Bid: bid, Ask: ask, ObservedAt: observedAt}
	var prev *Quote
	if ok {
		c.previous[symbol] = stored
		p := stored
		prev = &p
	}
	c.quotes[symbol] = q

	allow := c.limiterLocked(accountID, symbol).Allow()
	c.mu.Unlock()

	if !allow {
		return Throttled
	}
	select {
	case c.changes <- Change{AccountID: accountID, Quote: q, Previous: prev}:
	default:
		// Consumer is behind; the next tick carries the fresh quote anyway.
	}
	return Applied
}

// limiterLocked returns the leaky-bucket limiter keyed by (account, symbol).
func (c *Cache) limiterLocked(accountID, symbol string) *rate.Limiter {
	key := accountID + "|" + symbol
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.interval), 1)
		c.limiters[key] = lim
	}
	return lim
}

// Get returns the stored quote for a symbol, if any.
func (c *Cache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// Previous returns the quote that preceded the current one, if any.
func (c *Cache) Previous(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.previous[symbol]
	return q, ok
}
