package engine

import (
	"context"
	"time"

	"RiskWatch/internal/ingestion"
	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/mutation"
	"RiskWatch/internal/publish"
	"RiskWatch/internal/quote"
	"RiskWatch/internal/risk"
	"RiskWatch/internal/settle"
	"RiskWatch/internal/state"
	"RiskWatch/internal/valuation"
)

// Internal loop messages.
type (
	submitReply struct {
		correlationID string
		err           error
	}
	submitCmd struct {
		intent mutation.OpenIntent
		reply  chan submitReply
	}
	closeCmd struct {
		positionID string
		reply      chan error
	}
	modifyCmd struct {
		positionID string
		changes    mutation.Changes
		reply      chan error
	}
	placeOrderCmd struct {
		order state.PendingOrder
		reply chan error
	}
	cancelOrderCmd struct {
		orderID string
		reply   chan error
	}
	selectCmd struct {
		accountID string
		reply     chan error
	}
	evalMsg struct {
		accountID string
		eval      *ledgerapi.TickEvaluation
	}
	syncMsg struct {
		snap    *ledgerapi.AccountSnapshot
		open    []state.Position
		closed  []state.ClosedTrade
		initial bool
	}
	mutationResult struct {
		correlationID string
		kind          mutation.Kind
		openAck       *ledgerapi.TradeAck
		closeAck      *ledgerapi.CloseAck
		err           error
		// Trade-log marker captured when the close was submitted.
		marker *settle.Marker
	}
)

// Run drives the reconciliation loop until ctx is cancelled. All mirrored
// state is touched only from this goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	go e.scheduler.Run(ctx)
	go e.syncLoop(ctx)
	if e.account.ID != "" {
		go e.fetchSync(ctx, e.account.ID, true)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.push:
			e.handlePush(ctx, evt)
		case ch := <-e.quotes.Changes():
			e.handleQuoteChange(ctx, ch)
		case res := <-e.settled:
			e.handleSettled(res)
		case msg := <-e.in:
			e.dispatch(ctx, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case submitCmd:
		corr, err := e.beginOpen(ctx, m.intent)
		m.reply <- submitReply{correlationID: corr, err: err}
	case closeCmd:
		m.reply <- e.beginClose(ctx, m.positionID)
	case modifyCmd:
		m.reply <- e.beginModify(ctx, m.positionID, m.changes)
	case placeOrderCmd:
		m.reply <- e.placeOrder(m.order)
	case cancelOrderCmd:
		m.reply <- e.cancelOrder(m.orderID)
	case selectCmd:
		e.selectAccount(ctx, m.accountID)
		m.reply <- nil
	case evalMsg:
		e.handleEval(ctx, m)
	case syncMsg:
		e.handleSync(ctx, m)
	case mutationResult:
		e.handleMutationResult(ctx, m)
	}
}

func (e *Engine) handlePush(ctx context.Context, evt ingestion.PushEvent) {
	e.metrics.PushEvents.WithLabelValues(evt.Type()).Inc()

	switch ev := evt.(type) {
	case *ingestion.QuoteTick:
		switch e.quotes.Update(e.account.ID, ev.Symbol, ev.Bid, ev.Ask, ev.ObservedAt) {
		case quote.Stale:
			e.metrics.QuoteTicksDropped.Inc()
		case quote.Throttled:
			e.metrics.QuoteThrottled.Inc()
		}
	case *ingestion.PositionClosed:
		if ev.AccountID != e.account.ID {
			return
		}
		e.handlePositionClosed(ev)
	case *ingestion.AccountStatusChanged:
		if ev.AccountID != e.account.ID {
			return
		}
		next, ok := state.ParseRiskStatus(ev.Status)
		if !ok {
			e.log.Error().Str("status", ev.Status).Msg("unknown risk status in push event")
			return
		}
		e.applyStatus(ctx, next, ev.ViolationDrawdown)
		e.recomputeAndStage(true)
	}
}

func (e *Engine) handleQuoteChange(ctx context.Context, ch quote.Change) {
	if ch.AccountID != e.account.ID {
		return
	}
	e.metrics.QuoteTicksApplied.Inc()
	e.checkPendingOrders(ctx, ch)
	e.recomputeAndStage(false)
	e.evaluateTick(ctx, ch)
}

// evaluateTick submits the tick to the ledger for authoritative breach and
// stop evaluation. Best effort; the verdict is folded back into the loop.
func (e *Engine) evaluateTick(ctx context.Context, ch quote.Change) {
	accountID := e.account.ID
	go func() {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.MutationTimeout)
		defer cancel()
		eval, err := e.ledger.EvaluateTick(cctx, accountID, ch.Quote.Symbol, ch.Quote.Bid, ch.Quote.Ask, ch.Quote.ObservedAt)
		if err != nil {
			e.log.Debug().Err(err).Str("symbol", ch.Quote.Symbol).Msg("tick evaluation failed")
			return
		}
		if !eval.StatusChanged && len(eval.PositionsClosed) == 0 {
			return
		}
		select {
		case e.in <- evalMsg{accountID: accountID, eval: eval}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleEval(ctx context.Context, m evalMsg) {
	if m.accountID != e.account.ID {
		return
	}
	changed := false
	for _, id := range m.eval.PositionsClosed {
		if e.book.Remove(id) != nil {
			changed = true
		}
	}
	if len(m.eval.PositionsClosed) > 0 {
		// Authoritative close details arrive via the trade log.
		e.startSettlement(ctx)
	}
	if m.eval.StatusChanged {
		next, ok := state.ParseRiskStatus(m.eval.NewStatus)
		if !ok {
			e.log.Error().Str("status", m.eval.NewStatus).Msg("unknown risk status in tick evaluation")
		} else {
			e.applyStatus(ctx, next, m.eval.ViolationDrawdown)
			changed = true
		}
	}
	if changed {
		e.recomputeAndStage(true)
	}
}

func (e *Engine) handlePositionClosed(ev *ingestion.PositionClosed) {
	pos := e.book.Remove(ev.TradeID)
	if pos == nil {
		// Already reconciled, or closed before we mirrored it. The trade log
		// sync will pick it up.
		e.log.Debug().Str("trade_id", ev.TradeID).Msg("close event for unknown position")
		return
	}

	trade := state.ClosedTrade{
		Position:    *pos,
		ClosePrice:  ev.ClosePrice,
		ClosedAt:    ev.ClosedAt,
		RealizedPnL: ev.Profit,
		CloseReason: ev.CloseReason,
	}
	if snap := e.violations.ActiveSnapshot(); snap != nil && ev.CloseReason == state.CloseReasonViolation {
		trade.Breach = &state.BreachSnapshot{
			Kind:            snap.Kind,
			DrawdownPercent: snap.DrawdownPercent,
			CapturedAt:      snap.CapturedAt,
		}
	}
	e.book.AppendClosed(trade)
	e.recomputeAndStage(true)
}

// applyStatus folds an authoritative status transition through the violation
// state machine and reacts to breach/unlock edges.
func (e *Engine) applyStatus(ctx context.Context, next state.RiskStatus, breachDrawdown *float64) {
	tr := e.violations.ApplyAuthoritative(
		ctx,
		e.account.ID,
		next,
		breachDrawdown,
		e.tracker.Published(),
		e.account.Equity,
		e.account.TodayOpeningEquity,
		e.account.PeakEquityToDate,
	)
	if !tr.Changed() {
		return
	}

	e.account.RiskStatus = next

	if tr.Breached {
		e.tracker.BeginEpisode()
		if tr.Snapshot != nil {
			e.metrics.ViolationBreaches.WithLabelValues(tr.Snapshot.Kind.String()).Inc()
		}
		if cleared := e.book.ClearSpeculative(); len(cleared) > 0 {
			e.log.Info().Int("count", len(cleared)).Msg("speculative positions discarded on breach")
		}
		// The ledger force-closes open positions on a breach; poll the trade
		// log until they land.
		e.startSettlement(ctx)
	}
	if tr.Unlocked {
		e.tracker.EndEpisode()
	}
	e.log.Info().
		Stringer("from", tr.From).
		Stringer("to", tr.To).
		Msg("risk status transition applied")
}

func (e *Engine) startSettlement(ctx context.Context) {
	count, latest := e.book.ClosedMarker()
	e.startSettlementAt(ctx, settle.Marker{Count: count, Latest: latest})
}

func (e *Engine) startSettlementAt(ctx context.Context, marker settle.Marker) {
	accountID := e.account.ID
	ch := e.poller.Start(ctx, accountID, marker)
	e.metrics.SettlementPolls.Inc()
	go func() {
		select {
		case res, ok := <-ch:
			if !ok {
				return
			}
			select {
			case e.settled <- res:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleSettled(res settle.Result) {
	if res.AccountID != e.account.ID {
		e.metrics.SettlementCancelled.Inc()
		return
	}
	if !res.Settled {
		e.metrics.SettlementTimeouts.Inc()
		e.log.Warn().Uint64("generation", res.Generation).Msg("settlement not observed within poll budget")
		return
	}
	e.metrics.SettlementSettled.Inc()
	for _, trade := range res.Trades {
		e.book.Remove(trade.ID)
		e.book.AppendClosed(trade)
	}
	e.recomputeAndStage(true)
}

func (e *Engine) handleSync(ctx context.Context, m syncMsg) {
	if m.snap.AccountID != e.account.ID {
		return
	}
	e.metrics.SyncRuns.Inc()

	acct := e.account
	acct.Balance = m.snap.Balance
	acct.TodayOpeningEquity = m.snap.TodayOpeningEquity
	if m.snap.PeakEquityToDate < acct.PeakEquityToDate {
		e.metrics.InvariantRejects.WithLabelValues("peak_regression").Inc()
		e.log.Error().
			Float64("reported", m.snap.PeakEquityToDate).
			Float64("retained", acct.PeakEquityToDate).
			Msg("authoritative peak equity regressed")
	} else {
		acct.PeakEquityToDate = m.snap.PeakEquityToDate
	}
	if acct.InitialBalance == 0 {
		acct.InitialBalance = m.snap.Balance
	}
	if phase, ok := state.ParsePhase(m.snap.Phase); ok {
		acct.Phase = phase
	}
	acct.Rules = state.RuleSet{
		ProfitTargetPct:       m.snap.Rules.ProfitTargetPct,
		MaxDailyDrawdownPct:   m.snap.Rules.MaxDailyDrawdownPct,
		MaxOverallDrawdownPct: m.snap.Rules.MaxOverallDrawdownPct,
		MinTradingDays:        m.snap.Rules.MinTradingDays,
		MaxTradingDays:        m.snap.Rules.MaxTradingDays,
		Leverage:              m.snap.Rules.Leverage,
	}
	acct.TradingDaysCompleted = m.snap.Metrics.TradingDaysCompleted
	acct.DaysRemaining = m.snap.Metrics.DaysRemaining
	acct.LastSyncedAt = time.Now()

	e.tracker.SetAuthoritative(risk.Drawdown{
		DailyPercent:   m.snap.Metrics.DailyDrawdownPercent,
		OverallPercent: m.snap.Metrics.OverallDrawdownPercent,
	})

	if next, ok := state.ParseRiskStatus(m.snap.RiskStatus); ok {
		e.applyStatus(ctx, next, nil)
	} else {
		e.log.Error().Str("status", m.snap.RiskStatus).Msg("unknown risk status in account snapshot")
	}

	e.book.ReconcileConfirmed(m.open)
	if m.initial {
		e.book.ReplaceClosed(m.closed)
	} else {
		for _, trade := range m.closed {
			e.book.AppendClosed(trade)
		}
	}

	e.recomputeAndStage(true)
}

// recomputeAndStage revalues the account against the quote cache, advances
// the drawdown tracker, and stages a snapshot for coalesced publishing.
func (e *Engine) recomputeAndStage(structural bool) {
	start := time.Now()

	res := valuation.Value(e.account.Balance, e.leverage(), e.book.Positions(), e.quotes)
	e.account.Equity = res.Equity

	dd := e.tracker.Tick(res.Equity, e.account.TodayOpeningEquity, e.account.PeakEquityToDate)

	e.metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	e.metrics.Equity.Set(res.Equity)
	e.metrics.DailyDrawdownPct.Set(dd.DailyPercent)
	e.metrics.OverallDrawdownPct.Set(dd.OverallPercent)

	e.scheduler.Stage(publish.Snapshot{
		Account:                *e.account,
		Positions:              e.book.Positions(),
		PendingOrders:          e.pendingOrders(),
		TradeHistory:           e.book.ClosedTrades(),
		RiskStatus:             e.violations.Status(),
		LastViolation:          e.violations.ActiveSnapshot(),
		FloatingPnL:            res.FloatingPnL,
		MarginUsed:             res.MarginUsed,
		FreeMargin:             res.FreeMargin,
		DailyDrawdownPercent:   dd.DailyPercent,
		OverallDrawdownPercent: dd.OverallPercent,
	}, structural)
}

func (e *Engine) leverage() float64 {
	if e.account.Rules.Leverage > 0 {
		return e.account.Rules.Leverage
	}
	return state.DefaultLeverage
}

func (e *Engine) selectAccount(ctx context.Context, accountID string) {
	old := e.account.ID
	if old == accountID {
		return
	}
	e.log.Info().Str("from", old).Str("to", accountID).Msg("selected account changed")

	e.poller.CancelAccount(old)
	e.mutations.Reset()
	e.book.Reset()
	e.tracker.Reset()
	e.violations.Reset()
	e.orders = make(map[string]*state.PendingOrder)
	e.account = &state.Account{ID: accountID}
	e.setCurrentID(accountID)

	go e.fetchSync(ctx, accountID, true)
	if e.cfg.OnAccountSelected != nil {
		go e.cfg.OnAccountSelected(accountID)
	}
	e.recomputeAndStage(true)
}

// syncLoop periodically reconciles against the authoritative snapshot and
// trade log. The cadence tightens while the push channel is degraded.
func (e *Engine) syncLoop(ctx context.Context) {
	timer := time.NewTimer(e.cfg.SyncInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		degraded := e.health.Degraded()
		if degraded {
			e.metrics.PushDegraded.Set(1)
		} else {
			e.metrics.PushDegraded.Set(0)
		}

		if id := e.getCurrentID(); id != "" {
			e.fetchSync(ctx, id, false)
		}

		if degraded {
			timer.Reset(e.cfg.DegradedSyncInterval)
		} else {
			timer.Reset(e.cfg.SyncInterval)
		}
	}
}

func (e *Engine) fetchSync(ctx context.Context, accountID string, initial bool) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.MutationTimeout*2)
	defer cancel()

	snap, err := e.ledger.AccountSnapshot(cctx, accountID)
	if err != nil {
		e.metrics.SyncFailures.Inc()
		e.log.Warn().Err(err).Str("account_id", accountID).Msg("account snapshot sync failed")
		return
	}
	open, err := e.ledger.OpenTrades(cctx, accountID)
	if err != nil {
		e.metrics.SyncFailures.Inc()
		e.log.Warn().Err(err).Str("account_id", accountID).Msg("open trades sync failed")
		return
	}
	closed, err := e.ledger.ClosedTrades(cctx, accountID)
	if err != nil {
		e.metrics.SyncFailures.Inc()
		e.log.Warn().Err(err).Str("account_id", accountID).Msg("closed trades sync failed")
		return
	}

	select {
	case e.in <- syncMsg{snap: snap, open: open, closed: closed, initial: initial}:
	case <-ctx.Done():
	}
}
