// Package ledgerapi consumes the authoritative ledger service's REST API and
// maps its responses onto the client's error taxonomy.
package ledgerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"RiskWatch/internal/state"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultRequestTimeout bounds every remote call. A hung call must never
// freeze the locally-visible snapshot.
const DefaultRequestTimeout = 5 * time.Second

// Client is the HTTP client for the ledger service.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient swaps the underlying transport, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		base:    baseURL,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		timeout: DefaultRequestTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccountSnapshot fetches the authoritative account view.
func (c *Client) AccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	path := fmt.Sprintf("/accounts/%s/snapshot", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// OpenTrades fetches the authoritative open position set.
func (c *Client) OpenTrades(ctx context.Context, accountID string) ([]state.Position, error) {
	var payload []OpenTradePayload
	path := fmt.Sprintf("/accounts/%s/open-trades", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]state.Position, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.Position())
	}
	return out, nil
}

// ClosedTrades fetches the authoritative trade log.
func (c *Client) ClosedTrades(ctx context.Context, accountID string) ([]state.ClosedTrade, error) {
	var payload []ClosedTradePayload
	path := fmt.Sprintf("/accounts/%s/closed-trades", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]state.ClosedTrade, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.ClosedTrade())
	}
	return out, nil
}

// SubmitTrade submits an open intent and returns the authoritative trade id.
func (c *Client) SubmitTrade(ctx context.Context, intent TradeIntentPayload) (*TradeAck, error) {
	var ack TradeAck
	if err := c.do(ctx, http.MethodPost, "/trades", intent, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ModifyTrade updates stop-loss/take-profit on an open trade.
func (c *Client) ModifyTrade(ctx context.Context, tradeID string, stopLoss, takeProfit *float64) error {
	body := map[string]any{}
	if stopLoss != nil {
		body["stopLoss"] = *stopLoss
	}
	if takeProfit != nil {
		body["takeProfit"] = *takeProfit
	}
	path := fmt.Sprintf("/trades/%s", url.PathEscape(tradeID))
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// CloseTrade closes an open trade. A ledger-side "already closed" surfaces as
// ErrConflict, which callers treat as success.
func (c *Client) CloseTrade(ctx context.Context, tradeID string, closePrice float64) (*CloseAck, error) {
	var ack CloseAck
	body := map[string]float64{"closePrice": closePrice}
	path := fmt.Sprintf("/trades/%s/close", url.PathEscape(tradeID))
	if err := c.do(ctx, http.MethodPost, path, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// EvaluateTick submits a price tick for remote risk evaluation.
func (c *Client) EvaluateTick(ctx context.Context, accountID, symbol string, bid, ask float64, ts time.Time) (*TickEvaluation, error) {
	var eval TickEvaluation
	body := map[string]any{
		"accountId": accountID,
		"symbol":    symbol,
		"bid":       bid,
		"ask":       ask,
		"ts":        ts,
	}
	if err := c.do(ctx, http.MethodPost, "/evaluate-tick", body, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Err: err}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil

	case resp.StatusCode == http.StatusConflict:
		return ErrConflict

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return c.rejection(resp)

	default:
		return &TransientError{Err: fmt.Errorf("ledger returned %s", resp.Status)}
	}
}

// rejection decodes a 4xx body into a RejectedError.
func (c *Client) rejection(resp *http.Response) error {
	var payload errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &RejectedError{Reason: ReasonUnknown, Message: resp.Status}
	}

	reason := ReasonUnknown
	switch payload.Code {
	case "account_locked":
		reason = ReasonAccountLocked
	case "invalid_instrument":
		reason = ReasonInvalidInstrument
	case "invalid_volume":
		reason = ReasonInvalidVolume
	case "duplicate":
		reason = ReasonDuplicate
	}
	return &RejectedError{Reason: reason, Message: payload.Message}
}
