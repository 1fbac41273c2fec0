package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
)

// PushEvent is a typed event from the pushed channel.
type PushEvent interface {
	pushEvent()
	Type() string
}

// PositionClosed: the ledger closed a trade, possibly out-of-band
// (stop-loss, take-profit, or a forced closure after a breach).
type PositionClosed struct {
	AccountID   string
	TradeID     string
	ClosePrice  float64
	Profit      float64
	CloseReason string
	ClosedAt    time.Time
}

func (*PositionClosed) pushEvent()   {}
func (*PositionClosed) Type() string { return "position_closed" }

// AccountStatusChanged: the ledger moved the account's risk status.
type AccountStatusChanged struct {
	AccountID string
	Status    string
	Reason    string
	// Drawdown figure supplied directly by a breach notification, if any.
	ViolationDrawdown *float64
}

func (*AccountStatusChanged) pushEvent()   {}
func (*AccountStatusChanged) Type() string { return "status_changed" }

// QuoteTick: one feed tick for a symbol.
type QuoteTick struct {
	Symbol     string
	Bid        float64
	Ask        float64
	ObservedAt time.Time
}

func (*QuoteTick) pushEvent()   {}
func (*QuoteTick) Type() string { return "quote" }

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type positionClosedJSON struct {
	AccountID   string  `json:"account_id"`
	TradeID     string  `json:"trade_id"`
	ClosePrice  float64 `json:"close_price"`
	Profit      float64 `json:"profit"`
	CloseReason string  `json:"close_reason"`
	TimestampUs int64   `json:"timestamp_us"`
}

func parsePositionClosed(data []byte) (*PositionClosed, error) {
	var j positionClosedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse position_closed: %w", err)
	}
	if j.TradeID == "" {
		return nil, fmt.Errorf("parse position_closed: missing trade_id")
	}
	if j.AccountID == "" {
		return nil, fmt.Errorf("parse position_closed: missing account_id")
	}
	return &PositionClosed{
		AccountID:   j.AccountID,
		TradeID:     j.TradeID,
		ClosePrice:  j.ClosePrice,
		Profit:      j.Profit,
		CloseReason: j.CloseReason,
		ClosedAt:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type statusChangedJSON struct {
	AccountID string   `json:"account_id"`
	Status    string   `json:"status"`
	Reason    string   `json:"reason"`
	Drawdown  *float64 `json:"violation_drawdown,omitempty"`
}

func parseStatusChanged(data []byte) (*AccountStatusChanged, error) {
	var j statusChangedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse status_changed: %w", err)
	}
	if j.AccountID == "" {
		return nil, fmt.Errorf("parse status_changed: missing account_id")
	}
	if j.Status == "" {
		return nil, fmt.Errorf("parse status_changed: missing status")
	}
	return &AccountStatusChanged{
		AccountID:         j.AccountID,
		Status:            j.Status,
		Reason:            j.Reason,
		ViolationDrawdown: j.Drawdown,
	}, nil
}

type quoteTickJSON struct {
	Symbol      string  `json:"symbol"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	TimestampUs int64   `json:"timestamp_us"`
}

func parseQuoteTick(data []byte) (*QuoteTick, error) {
	var j quoteTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("parse quote: missing symbol")
	}
	if j.Bid <= 0 || j.Ask <= 0 {
		return nil, fmt.Errorf("parse quote: non-positive bid/ask for %s", j.Symbol)
	}
	return &QuoteTick{
		Symbol:     j.Symbol,
		Bid:        j.Bid,
		Ask:        j.Ask,
		ObservedAt: time.UnixMicro(j.TimestampUs),
	}, nil
}
