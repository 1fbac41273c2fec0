package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"RiskWatch/internal/ingestion"
	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/mutation"
	"RiskWatch/internal/observability"
	"RiskWatch/internal/publish"
	"RiskWatch/internal/quote"
	"RiskWatch/internal/risk"
	"RiskWatch/internal/state"
	"RiskWatch/internal/testutil"

	"github.com/rs/zerolog"
)

// Prometheus collectors register once per test binary.
var testMetrics = observability.NewMetrics()

// fakeLedger is an in-memory ledger service.
type fakeLedger struct {
	mu     sync.Mutex
	snaps  map[string]*ledgerapi.AccountSnapshot
	open   map[string][]state.Position
	closed map[string][]state.ClosedTrade

	submitAck *ledgerapi.TradeAck
	submitErr error
	closeAck  *ledgerapi.CloseAck
	closeErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		snaps:  make(map[string]*ledgerapi.AccountSnapshot),
		open:   make(map[string][]state.Position),
		closed: make(map[string][]state.ClosedTrade),
	}
}

func (f *fakeLedger) setAccount(id string, balance float64, open []state.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[id] = &ledgerapi.AccountSnapshot{
		AccountID:          id,
		Balance:            balance,
		Equity:             balance,
		TodayOpeningEquity: balance,
		PeakEquityToDate:   balance,
		RiskStatus:         "ACTIVE",
		Phase:              "FUNDED",
		Rules:              ledgerapi.RuleSetPayload{MaxDailyDrawdownPct: 5, MaxOverallDrawdownPct: 10, Leverage: 100},
	}
	f.open[id] = open
}

func (f *fakeLedger) AccountSnapshot(ctx context.Context, accountID string) (*ledgerapi.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.snaps[accountID]; ok {
		copied := *snap
		return &copied, nil
	}
	return nil, &ledgerapi.RejectedError{Reason: ledgerapi.ReasonUnknown, Message: "no such account"}
}

func (f *fakeLedger) OpenTrades(ctx context.Context, accountID string) ([]state.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.Position, len(f.open[accountID]))
	copy(out, f.open[accountID])
	return out, nil
}

func (f *fakeLedger) ClosedTrades(ctx context.Context, accountID string) ([]state.ClosedTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.ClosedTrade, len(f.closed[accountID]))
	copy(out, f.closed[accountID])
	return out, nil
}

func (f *fakeLedger) SubmitTrade(ctx context.Context, intent ledgerapi.TradeIntentPayload) (*ledgerapi.TradeAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitAck != nil {
		return f.submitAck, nil
	}
	return &ledgerapi.TradeAck{ID: "srv-1", EntryPrice: 1.10010, OpenedAt: time.Now()}, nil
}

func (f *fakeLedger) ModifyTrade(ctx context.Context, tradeID string, stopLoss, takeProfit *float64) error {
	return nil
}

func (f *fakeLedger) CloseTrade(ctx context.Context, tradeID string, closePrice float64) (*ledgerapi.CloseAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	if f.closeAck != nil {
		return f.closeAck, nil
	}
	return &ledgerapi.CloseAck{ID: tradeID, ClosePrice: closePrice, ClosedAt: time.Now()}, nil
}

func (f *fakeLedger) EvaluateTick(ctx context.Context, accountID, symbol string, bid, ask float64, ts time.Time) (*ledgerapi.TickEvaluation, error) {
	return &ledgerapi.TickEvaluation{}, nil
}

type engineFixture struct {
	eng    *Engine
	ledger *fakeLedger
	push   chan ingestion.PushEvent
	cancel context.CancelFunc
}

func startEngine(t *testing.T, accountID string) *engineFixture {
	t.Helper()

	ledger := newFakeLedger()
	ledger.setAccount(accountID, 100_000, []state.Position{
		testutil.OpenPosition("t1", "EURUSD", state.SideBuy, 1.0, 1.10000),
	})

	push := make(chan ingestion.PushEvent, 64)
	eng := New(
		Config{
			AccountID:       accountID,
			MutationTimeout: time.Second,
			SyncInterval:    time.Hour, // initial fetch only
			FlushInterval:   10 * time.Millisecond,
		},
		zerolog.Nop(),
		testMetrics,
		observability.NewChannelHealth(0),
		ledger,
		quote.NewCache(time.Millisecond),
		risk.NewMemoryStore(),
		push,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(cancel)

	return &engineFixture{eng: eng, ledger: ledger, push: push, cancel: cancel}
}

// waitSnapshot polls the published snapshot until cond holds.
func waitSnapshot(t *testing.T, eng *Engine, what string, cond func(publish.Snapshot) bool) publish.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := eng.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot: %+v", what, eng.Snapshot())
	return publish.Snapshot{}
}

func TestEngineInitialSync(t *testing.T) {
	fx := startEngine(t, "acct-1")

	snap := waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return s.Account.Balance == 100_000 && len(s.Positions) == 1
	})
	if snap.Positions[0].ID != "t1" {
		t.Errorf("positions = %+v", snap.Positions)
	}
	if snap.RiskStatus != state.StatusActive {
		t.Errorf("status = %v", snap.RiskStatus)
	}
}

func TestEngineQuoteMovesEquity(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	// Bid +50 pips on a 1-lot BUY: equity 100,050.
	fx.push <- &ingestion.QuoteTick{Symbol: "EURUSD", Bid: 1.10050, Ask: 1.10070, ObservedAt: time.Now()}

	snap := waitSnapshot(t, fx.eng, "equity update", func(s publish.Snapshot) bool {
		return testutil.ApproxEqual(s.Account.Equity, 100_050)
	})
	if !testutil.ApproxEqual(snap.FloatingPnL, 50) {
		t.Errorf("floating = %v", snap.FloatingPnL)
	}
}

func TestEngineSubmitTradeConfirms(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	corr, err := fx.eng.SubmitTrade(context.Background(), mutation.OpenIntent{
		Symbol: "GBPUSD", Side: state.SideBuy, Volume: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if corr == "" {
		t.Fatal("empty correlation id")
	}

	// Confirmation promotes the speculative position to the server's id.
	waitSnapshot(t, fx.eng, "open confirmation", func(s publish.Snapshot) bool {
		for _, p := range s.Positions {
			if p.ID == "srv-1" && !p.Speculative {
				return true
			}
		}
		return false
	})
}

func TestEngineSubmitRejectionRollsBack(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	fx.ledger.mu.Lock()
	fx.ledger.submitErr = &ledgerapi.RejectedError{Reason: ledgerapi.ReasonInvalidVolume, Message: "volume too large"}
	fx.ledger.mu.Unlock()

	if _, err := fx.eng.SubmitTrade(context.Background(), mutation.OpenIntent{
		Symbol: "GBPUSD", Side: state.SideBuy, Volume: 999,
	}); err != nil {
		t.Fatal(err) // optimistic submission itself succeeds
	}

	select {
	case me := <-fx.eng.Errors():
		if me.Retryable {
			t.Error("rejection surfaced as retryable")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rejection never surfaced")
	}

	waitSnapshot(t, fx.eng, "rollback", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1 && s.Positions[0].ID == "t1"
	})
}

func TestEngineCloseConflictIsSuccess(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	fx.ledger.mu.Lock()
	fx.ledger.closeErr = ledgerapi.ErrConflict
	fx.ledger.mu.Unlock()

	if err := fx.eng.ClosePosition(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	waitSnapshot(t, fx.eng, "close", func(s publish.Snapshot) bool {
		return len(s.Positions) == 0
	})

	select {
	case me := <-fx.eng.Errors():
		t.Fatalf("conflict surfaced as error: %+v", me)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineBreachLocksAndFreezes(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	dd := 6.2
	fx.push <- &ingestion.AccountStatusChanged{
		AccountID:         "acct-1",
		Status:            "DAILY_LOCKED",
		Reason:            "daily drawdown breached",
		ViolationDrawdown: &dd,
	}

	snap := waitSnapshot(t, fx.eng, "lock", func(s publish.Snapshot) bool {
		return s.RiskStatus == state.StatusDailyLocked && s.LastViolation != nil
	})
	testutil.AssertApprox(t, "violation drawdown", snap.LastViolation.DrawdownPercent, 6.2)
	if snap.LastViolation.Kind != state.ViolationDaily {
		t.Errorf("kind = %v", snap.LastViolation.Kind)
	}

	// Locked account refuses new intents client-side.
	_, err := fx.eng.SubmitTrade(context.Background(), mutation.OpenIntent{
		Symbol: "EURUSD", Side: state.SideBuy, Volume: 1,
	})
	reason, ok := ledgerapi.IsRejected(err)
	if !ok || reason != ledgerapi.ReasonAccountLocked {
		t.Fatalf("err = %v, want account_locked", err)
	}

	// The frozen snapshot survives a later quote recovery.
	fx.push <- &ingestion.QuoteTick{Symbol: "EURUSD", Bid: 1.10100, Ask: 1.10120, ObservedAt: time.Now()}
	time.Sleep(50 * time.Millisecond)
	after := fx.eng.Snapshot()
	if after.LastViolation == nil {
		t.Fatal("violation snapshot lost after recovery tick")
	}
	testutil.AssertApprox(t, "frozen drawdown", after.LastViolation.DrawdownPercent, 6.2)
}

func TestEnginePositionClosedPush(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	fx.push <- &ingestion.PositionClosed{
		AccountID:   "acct-1",
		TradeID:     "t1",
		ClosePrice:  1.09500,
		Profit:      -500,
		CloseReason: state.CloseReasonStopLoss,
		ClosedAt:    time.Now(),
	}

	snap := waitSnapshot(t, fx.eng, "out-of-band close", func(s publish.Snapshot) bool {
		return len(s.Positions) == 0 && len(s.TradeHistory) == 1
	})
	testutil.AssertApprox(t, "realized", snap.TradeHistory[0].RealizedPnL, -500)
}

func TestEnginePushForOtherAccountIgnored(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	fx.push <- &ingestion.PositionClosed{
		AccountID: "acct-2",
		TradeID:   "t1",
		ClosedAt:  time.Now(),
	}
	time.Sleep(50 * time.Millisecond)

	if got := fx.eng.Snapshot(); len(got.Positions) != 1 {
		t.Errorf("foreign account event mutated position set: %+v", got.Positions)
	}
}

func TestEngineSelectAccountResets(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	fx.ledger.setAccount("acct-2", 50_000, nil)

	if err := fx.eng.SelectAccount(context.Background(), "acct-2"); err != nil {
		t.Fatal(err)
	}

	snap := waitSnapshot(t, fx.eng, "account switch", func(s publish.Snapshot) bool {
		return s.Account.ID == "acct-2" && s.Account.Balance == 50_000
	})
	if len(snap.Positions) != 0 || len(snap.TradeHistory) != 0 {
		t.Errorf("old account state leaked: %+v", snap)
	}
}

func TestTransientFailureMarksTimedOut(t *testing.T) {
	eng := New(
		Config{AccountID: "acct-1"},
		zerolog.Nop(), testMetrics, observability.NewChannelHealth(0),
		newFakeLedger(), quote.NewCache(time.Millisecond), risk.NewMemoryStore(),
		make(chan ingestion.PushEvent),
	)

	p, _, err := eng.mutations.BeginOpen(mutation.OpenIntent{Symbol: "EURUSD", Side: state.SideBuy, Volume: 1})
	if err != nil {
		t.Fatal(err)
	}

	// A connection failure carries no definitive response: the mutation ends
	// TIMED_OUT and retryable, not REJECTED.
	eng.failMutation(p, &ledgerapi.TransientError{Err: errors.New("connection refused")})
	if p.State != mutation.StateTimedOut {
		t.Errorf("state = %v, want TIMED_OUT", p.State)
	}
	select {
	case me := <-eng.Errors():
		if !me.Retryable {
			t.Error("transient failure surfaced as non-retryable")
		}
	default:
		t.Fatal("no error surfaced")
	}

	// An explicit refusal still ends REJECTED.
	r, _, err := eng.mutations.BeginOpen(mutation.OpenIntent{Symbol: "GBPUSD", Side: state.SideBuy, Volume: 1})
	if err != nil {
		t.Fatal(err)
	}
	eng.failMutation(r, &ledgerapi.RejectedError{Reason: ledgerapi.ReasonInvalidVolume})
	if r.State != mutation.StateRejected {
		t.Errorf("state = %v, want REJECTED", r.State)
	}
}

func TestEnginePendingOrderCrossing(t *testing.T) {
	fx := startEngine(t, "acct-1")
	waitSnapshot(t, fx.eng, "initial sync", func(s publish.Snapshot) bool {
		return len(s.Positions) == 1
	})

	orderID, err := fx.eng.PlaceOrder(context.Background(), state.PendingOrder{
		Symbol: "GBPUSD", Side: state.SideBuy, Volume: 0.5, LimitPrice: 1.26900,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Ask above the limit: order rests.
	fx.push <- &ingestion.QuoteTick{Symbol: "GBPUSD", Bid: 1.26980, Ask: 1.27000, ObservedAt: time.Now()}
	waitSnapshot(t, fx.eng, "resting order", func(s publish.Snapshot) bool {
		return len(s.PendingOrders) == 1 && s.PendingOrders[0].ID == orderID
	})

	// Ask crosses down through the limit: order converts to an open intent.
	time.Sleep(5 * time.Millisecond) // let the quote throttle refill
	fx.push <- &ingestion.QuoteTick{Symbol: "GBPUSD", Bid: 1.26850, Ask: 1.26870, ObservedAt: time.Now().Add(time.Second)}

	waitSnapshot(t, fx.eng, "order conversion", func(s publish.Snapshot) bool {
		if len(s.PendingOrders) != 0 {
			return false
		}
		for _, p := range s.Positions {
			if p.Symbol == "GBPUSD" {
				return true
			}
		}
		return false
	})
}
