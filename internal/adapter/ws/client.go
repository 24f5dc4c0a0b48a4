package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Read deadline. Extended on every inbound frame and pong; kept well
	// above the reaper interval so the reaper, not the deadline, decides
	// liveness.
	readWait = 90 * time.Second

	// Maximum inbound frame size.
	maxMessageSize = 4096

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin through the public gateway
		// host; the bearer token is the access control, not the Origin.
		return true
	},
}

// inboundMessage is the envelope of every client-to-server frame.
type inboundMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	EventID string `json:"eventId,omitempty"`
}

// Conn is one WebSocket connection tracked by the hub. Frames going out pass
// through the buffered send channel so that only writePump touches the socket
// for data frames; the reaper uses WriteControl, which is safe concurrently.
type Conn struct {
	id   string
	hub  *Hub
	sock *websocket.Conn
	send chan []byte

	alive atomic.Bool

	mu         sync.Mutex
	closed     bool
	userID     string
	email      string
	subscribed map[string]struct{}
}

func newConn(hub *Hub, sock *websocket.Conn) *Conn {
	c := &Conn{
		id:         uuid.New().String(),
		hub:        hub,
		sock:       sock,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

// UserID returns the bound user id, or "" before authenticate.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// enqueue hands a marshaled frame to writePump. A full buffer means the peer
// is not draining; the frame is dropped rather than blocking the hub. The
// mutex serializes against close so a late broadcast cannot hit a closed
// channel.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("ws send buffer full, dropping frame", slog.String("conn_id", c.id))
		return false
	}
}

// closeSend marks the connection closed and wakes writePump. Safe to call at
// most once; the hub guarantees that via its registration check.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	close(c.send)
}

func (c *Conn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws frame marshal failed", slog.String("conn_id", c.id), slog.Any("error", err))
		return
	}
	c.enqueue(data)
}

func (c *Conn) sendError(msg string) {
	c.sendJSON(map[string]any{"type": "error", "message": msg})
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(readWait))
	c.sock.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.sock.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("ws read failed", slog.String("conn_id", c.id), slog.Any("error", err))
			}
			return
		}
		c.alive.Store(true)
		c.sock.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(message)
	}
}

func (c *Conn) writePump() {
	defer c.sock.Close()
	for message := range c.send {
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Conn) handleMessage(message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendError("Invalid message")
		return
	}

	switch msg.Type {
	case "authenticate":
		c.handleAuthenticate(msg.Token)
	case "subscribe_event":
		c.handleSubscribe(msg.EventID)
	case "unsubscribe_event":
		c.handleUnsubscribe(msg.EventID)
	case "ping":
		c.sendJSON(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
	default:
		c.sendError("Unknown message type")
	}
}

func (c *Conn) handleAuthenticate(token string) {
	claims, err := c.hub.verifier.Verify(token)
	if err != nil {
		slog.Warn("ws authenticate rejected", slog.String("conn_id", c.id), slog.Any("error", err))
		c.sendJSON(map[string]any{"type": "auth_error", "message": "Authentication failed"})
		return
	}

	c.mu.Lock()
	c.userID = claims.UserID
	c.email = claims.Email
	c.mu.Unlock()

	c.hub.bindUser(c, claims.UserID)
	c.sendJSON(map[string]any{
		"type":   "authenticated",
		"userId": claims.UserID,
		"email":  claims.Email,
	})
}

func (c *Conn) handleSubscribe(eventID string) {
	if eventID == "" {
		c.sendError("Missing eventId")
		return
	}
	if c.UserID() == "" {
		c.sendError("Authentication required")
		return
	}

	c.mu.Lock()
	c.subscribed[eventID] = struct{}{}
	c.mu.Unlock()

	c.hub.subscribeEvent(c, eventID)
	c.sendJSON(map[string]any{"type": "subscribed", "eventId": eventID})
}

func (c *Conn) handleUnsubscribe(eventID string) {
	if eventID == "" {
		c.sendError("Missing eventId")
		return
	}

	c.mu.Lock()
	delete(c.subscribed, eventID)
	c.mu.Unlock()

	c.hub.unsubscribeEvent(c, eventID)
	c.sendJSON(map[string]any{"type": "unsubscribed", "eventId": eventID})
}
