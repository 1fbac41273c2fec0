package ledgerapi

import (
	"time"

	"RiskWatch/internal/state"
)

// AccountSnapshot is the ledger's authoritative account view.
type AccountSnapshot struct {
	AccountID          string         `json:"accountId"`
	Balance            float64        `json:"balance"`
	Equity             float64        `json:"equity"`
	TodayOpeningEquity float64        `json:"todayOpeningEquity"`
	PeakEquityToDate   float64        `json:"peakEquityToDate"`
	RiskStatus         string         `json:"riskStatus"`
	Phase              string         `json:"phase"`
	Rules              RuleSetPayload `json:"ruleSet"`
	Metrics            MetricsPayload `json:"metrics"`
}

type RuleSetPayload struct {
	ProfitTargetPct       float64 `json:"profitTargetPercent"`
	MaxDailyDrawdownPct   float64 `json:"maxDailyDrawdownPercent"`
	MaxOverallDrawdownPct float64 `json:"maxOverallDrawdownPercent"`
	MinTradingDays        int     `json:"minTradingDays"`
	MaxTradingDays        int     `json:"maxTradingDays"`
	Leverage              float64 `json:"leverage"`
}

type MetricsPayload struct {
	DailyDrawdownPercent   float64 `json:"dailyDrawdownPercent"`
	OverallDrawdownPercent float64 `json:"overallDrawdownPercent"`
	TradingDaysCompleted   int     `json:"tradingDaysCompleted"`
	DaysRemaining          int     `json:"daysRemaining"`
}

// OpenTradePayload is one open position in the ledger's trade log.
type OpenTradePayload struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entryPrice"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	OpenedAt   time.Time `json:"openedAt"`
}

// ClosedTradePayload is one closed trade in the ledger's trade log.
type ClosedTradePayload struct {
	OpenTradePayload
	ClosePrice  float64   `json:"closePrice"`
	ClosedAt    time.Time `json:"closedAt"`
	RealizedPnL float64   `json:"realizedPnl"`
	CloseReason string    `json:"closeReason,omitempty"`
}

// TradeIntentPayload is the request body for submitting or modifying a trade.
type TradeIntentPayload struct {
	AccountID  string   `json:"accountId"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Volume     float64  `json:"volume"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// TradeAck is the ledger's acknowledgement of a submitted trade.
type TradeAck struct {
	ID         string    `json:"id"`
	EntryPrice float64   `json:"entryPrice"`
	OpenedAt   time.Time `json:"openedAt"`
}

// CloseAck is the ledger's acknowledgement of a close.
type CloseAck struct {
	ID          string    `json:"id"`
	ClosePrice  float64   `json:"closePrice"`
	ClosedAt    time.Time `json:"closedAt"`
	RealizedPnL float64   `json:"realizedPnl"`
}

// TickEvaluation is the ledger's verdict on a submitted price tick.
type TickEvaluation struct {
	StatusChanged     bool     `json:"statusChanged"`
	PositionsClosed   []string `json:"positionsClosed"`
	NewStatus         string   `json:"newStatus,omitempty"`
	ViolationDrawdown *float64 `json:"violationDrawdown,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Position converts the wire open trade to the domain type.
func (p OpenTradePayload) Position() state.Position {
	side, _ := state.ParseSide(p.Side)
	return state.Position{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Side:       side,
		Volume:     p.Volume,
		EntryPrice: p.EntryPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		OpenedAt:   p.OpenedAt,
	}
}

// ClosedTrade converts the wire closed trade to the domain type.
func (p ClosedTradePayload) ClosedTrade() state.ClosedTrade {
	return state.ClosedTrade{
		Position:    p.OpenTradePayload.Position(),
		ClosePrice:  p.ClosePrice,
		ClosedAt:    p.ClosedAt,
		RealizedPnL: p.RealizedPnL,
		CloseReason: p.CloseReason,
	}
}
