// Package valuation computes floating P&L, margin, and equity for a position
// set against the quote cache. Pure functions only; no state.
package valuation

import (
	"RiskWatch/internal/quote"
	"RiskWatch/internal/state"
)

// Result is the account valuation at a point in time.
type Result struct {
	Equity      float64
	FloatingPnL float64
	MarginUsed  float64
	FreeMargin  float64
}

// QuoteSource is a point-in-time quote lookup, satisfied by *quote.Cache.
type QuoteSource interface {
	Get(symbol string) (quote.Quote, bool)
}

// StandardLotSize is the contract size of a standard currency-pair lot.
const StandardLotSize = 100_000.0

var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SEK": true, "NOK": true,
	"SGD": true, "HKD": true, "MXN": true, "ZAR": true, "PLN": true,
}

// ContractSize returns the instrument's contract size: 100,000 per lot for
// standard currency pairs, 1 for direct-unit instruments such as crypto.
func ContractSize(symbol string) float64 {
	if len(symbol) == 6 && currencyCodes[symbol[:3]] && currencyCodes[symbol[3:]] {
		return StandardLotSize
	}
	return 1
}

// exitPrice selects the side of the spread the position would close against:
// a BUY closes by selling into the bid, a SELL closes by buying at the ask.
func exitPrice(side state.Side, q quote.Quote) float64 {
	if side == state.SideBuy {
		return q.Bid
	}
	return q.Ask
}

// UnrealizedPnL values a single open position against a quote.
func UnrealizedPnL(pos state.Position, q quote.Quote) float64 {
	exit := exitPrice(pos.Side, q)
	return (exit - pos.EntryPrice) * pos.Side.Sign() * pos.Volume * ContractSize(pos.Symbol)
}

// Notional is the position's exposure at its entry price.
func Notional(pos state.Position) float64 {
	return pos.Volume * ContractSize(pos.Symbol) * pos.EntryPrice
}

// Value computes equity, floating P&L, and margin for the position set.
// Positions whose symbol has no quote yet contribute zero floating P&L:
// a missing quote degrades the valuation, it does not fail it.
func Value(balance, leverage float64, positions []state.Position, quotes QuoteSource) Result {
	if leverage <= 0 {
		leverage = state.DefaultLeverage
	}

	var floating, marginUsed float64
	for _, pos := range positions {
		marginUsed += Notional(pos) / leverage
		q, ok := quotes.Get(pos.Symbol)
		if !ok {
			continue
		}
		floating += UnrealizedPnL(pos, q)
	}

	equity := balance + floating
	return Result{
		Equity:      equity,
		FloatingPnL: floating,
		MarginUsed:  marginUsed,
		FreeMargin:  equity - marginUsed,
	}
}
