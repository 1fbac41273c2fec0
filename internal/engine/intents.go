package engine

import (
	"context"
	"fmt"
	"sort"

	"RiskWatch/internal/ledgerapi"
	"RiskWatch/internal/mutation"
	"RiskWatch/internal/quote"
	"RiskWatch/internal/settle"
	"RiskWatch/internal/state"
)

// beginOpen applies an OPEN intent optimistically and dispatches the remote
// submission. Runs on the loop goroutine.
func (e *Engine) beginOpen(ctx context.Context, intent mutation.OpenIntent) (string, error) {
	if e.violations.Status().Locked() {
		return "", &ledgerapi.RejectedError{Reason: ledgerapi.ReasonAccountLocked}
	}

	p, _, err := e.mutations.BeginOpen(intent)
	if err != nil {
		return "", err
	}
	e.metrics.MutationsSubmitted.WithLabelValues(p.Kind.String()).Inc()
	e.recomputeAndStage(true)

	go func(corr string) {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.MutationTimeout)
		defer cancel()
		ack, err := e.ledger.SubmitTrade(cctx, ledgerapi.TradeIntentPayload{
			AccountID:  e.getCurrentID(),
			Symbol:     intent.Symbol,
			Side:       intent.Side.String(),
			Volume:     intent.Volume,
			StopLoss:   intent.StopLoss,
			TakeProfit: intent.TakeProfit,
		})
		e.postResult(ctx, mutationResult{
			correlationID: corr,
			kind:          mutation.KindOpen,
			openAck:       ack,
			err:           err,
		})
	}(p.CorrelationID)

	return p.CorrelationID, nil
}

// beginClose applies a CLOSE intent optimistically, dispatches the remote
// close, and starts a settlement poll against the marker captured before the
// optimistic removal.
func (e *Engine) beginClose(ctx context.Context, positionID string) error {
	if e.violations.Status().Locked() {
		return &ledgerapi.RejectedError{Reason: ledgerapi.ReasonAccountLocked}
	}

	// Marker captured before the optimistic removal and append, so settlement
	// is judged against the log as it stood at submission time.
	count, latest := e.book.ClosedMarker()
	marker := settle.Marker{Count: count, Latest: latest}

	p, err := e.mutations.BeginClose(positionID)
	if err != nil {
		return err
	}
	e.metrics.MutationsSubmitted.WithLabelValues(p.Kind.String()).Inc()
	e.recomputeAndStage(true)

	var closePrice float64
	if q, ok := e.quotes.Get(p.Symbol); ok {
		closePrice = closeAgainst(p.Side, q)
	}

	go func(corr string) {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.MutationTimeout)
		defer cancel()
		ack, err := e.ledger.CloseTrade(cctx, positionID, closePrice)
		e.postResult(ctx, mutationResult{
			correlationID: corr,
			kind:          mutation.KindClose,
			closeAck:      ack,
			err:           err,
			marker:        &marker,
		})
	}(p.CorrelationID)

	return nil
}

// beginModify applies stop-loss/take-profit changes optimistically.
func (e *Engine) beginModify(ctx context.Context, positionID string, changes mutation.Changes) error {
	if e.violations.Status().Locked() {
		return &ledgerapi.RejectedError{Reason: ledgerapi.ReasonAccountLocked}
	}

	p, err := e.mutations.BeginModify(positionID, changes)
	if err != nil {
		return err
	}
	e.metrics.MutationsSubmitted.WithLabelValues(p.Kind.String()).Inc()
	e.recomputeAndStage(true)

	go func(corr string) {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.MutationTimeout)
		defer cancel()
		err := e.ledger.ModifyTrade(cctx, positionID, changes.StopLoss, changes.TakeProfit)
		e.postResult(ctx, mutationResult{
			correlationID: corr,
			kind:          mutation.KindModify,
			err:           err,
		})
	}(p.CorrelationID)

	return nil
}

func (e *Engine) postResult(ctx context.Context, res mutationResult) {
	select {
	case e.in <- res:
	case <-ctx.Done():
	}
}

// handleMutationResult reconciles a remote acknowledgement or failure with
// the optimistic local state.
func (e *Engine) handleMutationResult(ctx context.Context, m mutationResult) {
	p := e.mutations.Get(m.correlationID)
	if p == nil || p.State != mutation.StateInFlight {
		// Superseded by an account switch or already resolved.
		return
	}

	switch m.kind {
	case mutation.KindOpen:
		if m.err == nil && m.openAck != nil {
			e.mutations.ConfirmOpen(m.correlationID, *m.openAck)
			e.resolved(m.kind, mutation.StateConfirmed)
		} else {
			e.failMutation(p, m.err)
		}
	case mutation.KindClose:
		switch {
		case m.err == nil:
			e.mutations.ConfirmClose(m.correlationID, m.closeAck)
			e.resolved(m.kind, mutation.StateConfirmed)
			e.closeSettlement(ctx, m.marker)
		case ledgerapi.IsConflict(m.err):
			// Already closed server-side. Idempotent success; the trade log
			// carries the authoritative close record.
			e.mutations.ConfirmClose(m.correlationID, nil)
			e.resolved(m.kind, mutation.StateConfirmed)
			e.closeSettlement(ctx, m.marker)
		default:
			e.failMutation(p, m.err)
		}
	case mutation.KindModify:
		if m.err == nil || ledgerapi.IsConflict(m.err) {
			e.mutations.ConfirmModify(m.correlationID)
			e.resolved(m.kind, mutation.StateConfirmed)
		} else {
			e.failMutation(p, m.err)
		}
	}

	e.recomputeAndStage(true)
}

func (e *Engine) failMutation(p *mutation.Pending, err error) {
	// No definitive response (timeout, connection failure) is TIMED_OUT and
	// retryable; only an explicit refusal is REJECTED.
	timedOut := ledgerapi.IsTransient(err)
	e.mutations.Fail(p.CorrelationID, timedOut)
	if timedOut {
		e.resolved(p.Kind, mutation.StateTimedOut)
	} else {
		e.resolved(p.Kind, mutation.StateRejected)
	}
	e.surfaceError(p.CorrelationID, p.Kind, err)
}

func (e *Engine) closeSettlement(ctx context.Context, marker *settle.Marker) {
	if marker != nil {
		e.startSettlementAt(ctx, *marker)
		return
	}
	e.startSettlement(ctx)
}

func (e *Engine) resolved(kind mutation.Kind, final mutation.State) {
	e.metrics.MutationsResolved.WithLabelValues(kind.String(), final.String()).Inc()
}

// closeAgainst is the side of the spread a position closes on.
func closeAgainst(side state.Side, q quote.Quote) float64 {
	if side == state.SideBuy {
		return q.Bid
	}
	return q.Ask
}

// --- pending limit orders ---

func (e *Engine) placeOrder(order state.PendingOrder) error {
	if e.violations.Status().Locked() {
		return &ledgerapi.RejectedError{Reason: ledgerapi.ReasonAccountLocked}
	}
	if order.Symbol == "" || order.Volume <= 0 || order.LimitPrice <= 0 {
		return &ledgerapi.RejectedError{Reason: ledgerapi.ReasonInvalidVolume}
	}
	o := order
	e.orders[o.ID] = &o
	e.log.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Stringer("side", o.Side).
		Float64("limit", o.LimitPrice).
		Msg("pending order placed")
	e.recomputeAndStage(true)
	return nil
}

func (e *Engine) cancelOrder(orderID string) error {
	if _, ok := e.orders[orderID]; !ok {
		return fmt.Errorf("unknown pending order %s", orderID)
	}
	delete(e.orders, orderID)
	e.recomputeAndStage(true)
	return nil
}

// checkPendingOrders converts resting limit orders whose price the feed just
// crossed into OPEN intents. The previous quote disambiguates a crossing from
// a price that was already through the limit when the order was placed.
func (e *Engine) checkPendingOrders(ctx context.Context, ch quote.Change) {
	for id, order := range e.orders {
		if order.Symbol != ch.Quote.Symbol {
			continue
		}
		if !crossed(order, ch.Previous, ch.Quote) {
			continue
		}
		delete(e.orders, id)
		e.log.Info().
			Str("order_id", id).
			Str("symbol", order.Symbol).
			Float64("limit", order.LimitPrice).
			Msg("limit price crossed, converting to open intent")

		if _, err := e.beginOpen(ctx, mutation.OpenIntent{
			Symbol:     order.Symbol,
			Side:       order.Side,
			Volume:     order.Volume,
			StopLoss:   order.StopLoss,
			TakeProfit: order.TakeProfit,
		}); err != nil {
			e.surfaceError(id, mutation.KindOpen, err)
		}
	}
}

// crossed reports whether the tick moved the executable price through the
// order's limit. A BUY fills when the ask comes down to the limit, a SELL
// when the bid comes up to it.
func crossed(o *state.PendingOrder, prev *quote.Quote, q quote.Quote) bool {
	if o.Side == state.SideBuy {
		if q.Ask > o.LimitPrice {
			return false
		}
		return prev == nil || prev.Ask > o.LimitPrice
	}
	if q.Bid < o.LimitPrice {
		return false
	}
	return prev == nil || prev.Bid < o.LimitPrice
}

func (e *Engine) pendingOrders() []state.PendingOrder {
	if len(e.orders) == 0 {
		return nil
	}
	out := make([]state.PendingOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}
