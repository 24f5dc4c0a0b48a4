// Package ws implements the live-update surface: authenticated long-lived
// WebSocket connections with per-user and per-event fan-out.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velivolant/gateway/internal/observability"
)

const defaultReapInterval = 30 * time.Second

// Hub owns every open connection and the two routing indices. All index
// mutation happens under one mutex; socket writes never do.
type Hub struct {
	verifier     *JWTVerifier
	reapInterval time.Duration

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	byUser  map[string]map[*Conn]struct{}
	byEvent map[string]map[*Conn]struct{}

	done chan struct{}
}

// Option tweaks hub construction.
type Option func(*Hub)

// WithReapInterval overrides the liveness sweep period.
func WithReapInterval(d time.Duration) Option {
	return func(h *Hub) { h.reapInterval = d }
}

// NewHub constructs a Hub. Call Start before serving connections.
func NewHub(verifier *JWTVerifier, opts ...Option) *Hub {
	h := &Hub{
		verifier:     verifier,
		reapInterval: defaultReapInterval,
		conns:        make(map[*Conn]struct{}),
		byUser:       make(map[string]map[*Conn]struct{}),
		byEvent:      make(map[string]map[*Conn]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the liveness reaper.
func (h *Hub) Start() {
	go h.reapLoop()
}

// Shutdown stops the reaper and closes every connection.
func (h *Hub) Shutdown(_ context.Context) error {
	close(h.done)

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
	return nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}

	c := newConn(h, sock)
	h.register(c)

	go c.writePump()
	c.sendJSON(map[string]any{"type": "connected"})
	c.readPump()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	observability.WSConnections.Set(float64(n))
	slog.Info("ws connected", slog.String("conn_id", c.id), slog.Int("connections", n))
}

// unregister removes the connection from every index, dropping index keys
// whose set became empty, and closes the send channel exactly once.
func (h *Hub) unregister(c *Conn) {
	c.mu.Lock()
	userID := c.userID
	subscribed := make([]string, 0, len(c.subscribed))
	for eventID := range c.subscribed {
		subscribed = append(subscribed, eventID)
	}
	c.mu.Unlock()

	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	if userID != "" {
		h.removeFromIndexLocked(h.byUser, userID, c)
	}
	for _, eventID := range subscribed {
		h.removeFromIndexLocked(h.byEvent, eventID, c)
	}
	n := len(h.conns)
	h.mu.Unlock()

	c.closeSend()
	c.sock.Close()
	observability.WSConnections.Set(float64(n))
	slog.Info("ws disconnected", slog.String("conn_id", c.id), slog.Int("connections", n))
}

func (h *Hub) removeFromIndexLocked(index map[string]map[*Conn]struct{}, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (h *Hub) bindUser(c *Conn, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.byUser[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) subscribeEvent(c *Conn, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	set, ok := h.byEvent[eventID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.byEvent[eventID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribeEvent(c *Conn, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromIndexLocked(h.byEvent, eventID, c)
}

// BroadcastToUser sends the payload to every connection bound to userID.
func (h *Hub) BroadcastToUser(userID string, payload any) {
	h.mu.Lock()
	targets := connSet(h.byUser[userID])
	h.mu.Unlock()
	h.deliver(targets, payload, "user")
}

// BroadcastToEvent sends the payload to every connection subscribed to eventID.
func (h *Hub) BroadcastToEvent(eventID string, payload any) {
	h.mu.Lock()
	targets := connSet(h.byEvent[eventID])
	h.mu.Unlock()
	h.deliver(targets, payload, "event")
}

// Broadcast sends the payload to every open connection.
func (h *Hub) Broadcast(payload any) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	h.deliver(targets, payload, "all")
}

func connSet(set map[*Conn]struct{}) []*Conn {
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	return targets
}

// deliver marshals once and enqueues to each target. Slow consumers drop.
func (h *Hub) deliver(targets []*Conn, payload any, kind string) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("ws broadcast marshal failed", slog.Any("error", err))
		return
	}
	for _, c := range targets {
		if c.enqueue(data) {
			observability.WSMessagesSentTotal.WithLabelValues(kind).Inc()
		}
	}
}

// ConnCount reports the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// reapLoop detects dead peers. On each tick a connection that never answered
// the previous ping is closed; every survivor has its flag cleared and gets a
// new ping. Detection window is one to two intervals.
func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.reapOnce()
		}
	}
}

func (h *Hub) reapOnce() {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.alive.Load() {
			slog.Info("ws peer unresponsive, closing", slog.String("conn_id", c.id))
			c.sock.Close()
			h.unregister(c)
			continue
		}
		c.alive.Store(false)
		// WriteControl is safe to call concurrently with writePump.
		if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			c.sock.Close()
			h.unregister(c)
		}
	}
}
