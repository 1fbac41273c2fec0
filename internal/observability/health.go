package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ChannelHealth tracks the push channel's connectivity and recency. When the
// channel is degraded the polled-snapshot fallback becomes the primary source
// of authoritative state.
type ChannelHealth struct {
	mu          sync.Mutex
	connected   bool
	lastEventAt time.Time
	staleAfter  time.Duration
	startTime   time.Time
}

// DefaultStaleAfter marks the push channel degraded when nothing (not even a
// heartbeat) arrives within this window while connected.
const DefaultStaleAfter = 30 * time.Second

func NewChannelHealth(staleAfter time.Duration) *ChannelHealth {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &ChannelHealth{
		staleAfter: staleAfter,
		startTime:  time.Now(),
	}
}

// MarkConnected records a (re)connect.
func (h *ChannelHealth) MarkConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.lastEventAt = time.Now()
}

// MarkDisconnected records a drop.
func (h *ChannelHealth) MarkDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
}

// MarkEvent records traffic on the channel.
func (h *ChannelHealth) MarkEvent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastEventAt = time.Now()
}

// Degraded reports whether the push channel cannot currently be trusted.
func (h *ChannelHealth) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return true
	}
	return time.Since(h.lastEventAt) > h.staleAfter
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *ChannelHealth) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler reports degraded push-channel state as 503 so operators
// can see when the client runs on the polling fallback.
func (h *ChannelHealth) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.Degraded() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{"status": "push_degraded"})
}
