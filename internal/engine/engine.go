// Package engine is the reconciliation core: it values open positions against
// the quote feed, mirrors the ledger's risk status, applies optimistic trade
// mutations, and coalesces every source into one consistent published
// snapshot.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"RiskWatch/internal/ingestion"
	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/mutation"
	"RiskWatch/internal/observability"
	"RiskWatch/internal/publish"
	"RiskWatch/internal/quote"
	"RiskWatch/internal/risk"
	"RiskWatch/internal/settle"
	"RiskWatch/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LedgerClient is the slice of the authoritative ledger service the engine
// consumes. Satisfied by *ledgerapi.Client.
type LedgerClient interface {
	AccountSnapshot(ctx context.Context, accountID string) (*ledgerapi.AccountSnapshot, error)
	OpenTrades(ctx context.Context, accountID string) ([]state.Position, error)
	ClosedTrades(ctx context.Context, accountID string) ([]state.ClosedTrade, error)
	SubmitTrade(ctx context.Context, intent ledgerapi.TradeIntentPayload) (*ledgerapi.TradeAck, error)
	ModifyTrade(ctx context.Context, tradeID string, stopLoss, takeProfit *float64) error
	CloseTrade(ctx context.Context, tradeID string, closePrice float64) (*ledgerapi.CloseAck, error)
	EvaluateTick(ctx context.Context, accountID, symbol string, bid, ask float64, ts time.Time) (*ledgerapi.TickEvaluation, error)
}

// Config holds engine tunables. Zero values select defaults.
type Config struct {
	AccountID            string
	MutationTimeout      time.Duration
	SyncInterval         time.Duration
	DegradedSyncInterval time.Duration
	DuplicateWindow      time.Duration
	FlushInterval        time.Duration

	// OnAccountSelected lets the host re-point push subscriptions when the
	// selected account changes. Called outside the engine loop.
	OnAccountSelected func(accountID string)
}

func (c *Config) applyDefaults() {
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 5 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DegradedSyncInterval <= 0 {
		c.DegradedSyncInterval = 5 * time.Second
	}
}

// MutationError is surfaced to the UI when an optimistic mutation fails.
type MutationError struct {
	CorrelationID string
	Kind          mutation.Kind
	Message       string
	Retryable     bool
	Err           error
}

// ErrEngineStopped is returned by API calls after the engine loop exits.
var ErrEngineStopped = errors.New("engine stopped")

// Engine owns all mirrored account state. All state is touched only by the
// single loop goroutine; the public API communicates with it over channels.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.ChannelHealth

	ledger     LedgerClient
	quotes     *quote.Cache
	book       *state.PositionBook
	tracker    *risk.DrawdownTracker
	violations *risk.StateMachine
	mutations  *mutation.Manager
	poller     *settle.Poller
	scheduler  *publish.Scheduler

	account *state.Account
	orders  map[string]*state.PendingOrder

	// currentID mirrors account.ID for goroutines outside the loop (the sync
	// loop and tick evaluators).
	idMu      sync.Mutex
	currentID string

	in      chan any
	push    <-chan ingestion.PushEvent
	settled chan settle.Result
	errs    chan MutationError
	done    chan struct{}
}

func New(
	cfg Config,
	log zerolog.Logger,
	metrics *observability.Metrics,
	health *observability.ChannelHealth,
	ledger LedgerClient,
	quotes *quote.Cache,
	store risk.SnapshotStore,
	push <-chan ingestion.PushEvent,
) *Engine {
	cfg.applyDefaults()

	book := state.NewPositionBook()
	e := &Engine{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		health:     health,
		ledger:     ledger,
		quotes:     quotes,
		book:       book,
		tracker:    risk.NewDrawdownTracker(log.With().Str("component", "drawdown").Logger()),
		violations: risk.NewStateMachine(log.With().Str("component", "violation").Logger(), store),
		mutations:  mutation.NewManager(log.With().Str("component", "mutation").Logger(), book, cfg.DuplicateWindow),
		scheduler:  publish.NewScheduler(log.With().Str("component", "publish").Logger(), cfg.FlushInterval, nil, metrics.SnapshotPublishes, metrics.SnapshotSuppressed),
		account:    &state.Account{ID: cfg.AccountID},
		orders:     make(map[string]*state.PendingOrder),
		in:         make(chan any, 256),
		push:       push,
		settled:    make(chan settle.Result, 16),
		errs:       make(chan MutationError, 16),
		done:       make(chan struct{}),
	}
	e.poller = settle.NewPoller(log.With().Str("component", "settle").Logger(), ledger, 0, 0, 0)
	e.currentID = cfg.AccountID
	return e
}

func (e *Engine) setCurrentID(id string) {
	e.idMu.Lock()
	e.currentID = id
	e.idMu.Unlock()
}

func (e *Engine) getCurrentID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.currentID
}

// Snapshot returns the last published read-only snapshot.
func (e *Engine) Snapshot() publish.Snapshot {
	return e.scheduler.Current()
}

// Subscribe registers an observer of coalesced snapshots.
func (e *Engine) Subscribe() <-chan publish.Snapshot {
	return e.scheduler.Subscribe()
}

// Errors delivers user-visible mutation failures.
func (e *Engine) Errors() <-chan MutationError {
	return e.errs
}

// SubmitTrade applies an OPEN intent optimistically and returns its
// correlation id. Rejections that can be decided client-side (duplicate,
// account locked) return immediately.
func (e *Engine) SubmitTrade(ctx context.Context, intent mutation.OpenIntent) (string, error) {
	reply := make(chan submitReply, 1)
	if err := e.send(ctx, submitCmd{intent: intent, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.correlationID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
		return "", ErrEngineStopped
	}
}

// ClosePosition applies a CLOSE intent optimistically.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) error {
	return e.roundTrip(ctx, func(reply chan error) any {
		return closeCmd{positionID: positionID, reply: reply}
	})
}

// ModifyPosition applies stop-loss/take-profit changes optimistically.
func (e *Engine) ModifyPosition(ctx context.Context, positionID string, changes mutation.Changes) error {
	return e.roundTrip(ctx, func(reply chan error) any {
		return modifyCmd{positionID: positionID, changes: changes, reply: reply}
	})
}

// PlaceOrder registers a client-held limit order that converts to an OPEN
// intent when the feed crosses its price.
func (e *Engine) PlaceOrder(ctx context.Context, order state.PendingOrder) (string, error) {
	order.ID = uuid.NewString()
	order.PlacedAt = time.Now()
	err := e.roundTrip(ctx, func(reply chan error) any {
		return placeOrderCmd{order: order, reply: reply}
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

// CancelPending removes a resting limit order.
func (e *Engine) CancelPending(ctx context.Context, orderID string) error {
	return e.roundTrip(ctx, func(reply chan error) any {
		return cancelOrderCmd{orderID: orderID, reply: reply}
	})
}

// SelectAccount switches the monitored account. This is a cancellation
// boundary: outstanding polls for the old account are invalidated, its
// unreconciled speculative positions discarded, and all reference points
// reloaded from the new account's authoritative state.
func (e *Engine) SelectAccount(ctx context.Context, accountID string) error {
	return e.roundTrip(ctx, func(reply chan error) any {
		return selectCmd{accountID: accountID, reply: reply}
	})
}

func (e *Engine) send(ctx context.Context, cmd any) error {
	select {
	case e.in <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

func (e *Engine) roundTrip(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

func (e *Engine) surfaceError(correlationID string, kind mutation.Kind, err error) {
	me := MutationError{
		CorrelationID: correlationID,
		Kind:          kind,
		Message:       ledgerapi.UserMessage(err),
		Retryable:     ledgerapi.IsTransient(err),
		Err:           err,
	}
	select {
	case e.errs <- me:
	default:
	}
}
