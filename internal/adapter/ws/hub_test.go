package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velivolant/gateway/internal/adapter/ws"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID, email string) string {
	t.Helper()
	claims := ws.Claims{
		UserID: userID,
		Email:  email,
		Roles:  []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestHub(t *testing.T) (*ws.Hub, *httptest.Server) {
	t.Helper()
	hub := ws.NewHub(ws.NewJWTVerifier(testSecret), ws.WithReapInterval(time.Hour))
	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

// authenticate drives a connection past the connected frame and the
// authenticate exchange.
func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	require.Equal(t, "connected", readFrame(t, conn)["type"])
	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": signToken(t, userID, userID+"@example.com")})
	frame := readFrame(t, conn)
	require.Equal(t, "authenticated", frame["type"])
	require.Equal(t, userID, frame["userId"])
}

func TestHub_ConnectedFrameOnConnect(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	assert.Equal(t, "connected", readFrame(t, conn)["type"])
}

func TestHub_AuthenticateSuccess(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": signToken(t, "u-1", "u1@example.com")})
	frame := readFrame(t, conn)
	assert.Equal(t, "authenticated", frame["type"])
	assert.Equal(t, "u-1", frame["userId"])
	assert.Equal(t, "u1@example.com", frame["email"])
}

func TestHub_AuthenticateRejectsBadToken(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": "garbage"})
	assert.Equal(t, "auth_error", readFrame(t, conn)["type"])

	// Connection stays open and can retry.
	sendFrame(t, conn, map[string]any{"type": "authenticate", "token": signToken(t, "u-1", "u1@example.com")})
	assert.Equal(t, "authenticated", readFrame(t, conn)["type"])
}

func TestHub_SubscribeRequiresAuth(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "subscribe_event", "eventId": "e-1"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Authentication required", frame["message"])
}

func TestHub_PingPong(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "ping"})
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
	assert.NotZero(t, frame["timestamp"])
}

func TestHub_UnknownMessageType(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "frobnicate"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown message type", frame["message"])
}

func TestHub_BroadcastToEventSelectivity(t *testing.T) {
	hub, srv := newTestHub(t)

	subscriber := dial(t, srv)
	authenticate(t, subscriber, "u-1")
	sendFrame(t, subscriber, map[string]any{"type": "subscribe_event", "eventId": "e-1"})
	require.Equal(t, "subscribed", readFrame(t, subscriber)["type"])

	bystander := dial(t, srv)
	authenticate(t, bystander, "u-2")

	hub.BroadcastToEvent("e-1", map[string]any{"type": "event_update", "eventId": "e-1"})

	frame := readFrame(t, subscriber)
	assert.Equal(t, "event_update", frame["type"])
	expectNoFrame(t, bystander)
}

func TestHub_BroadcastToUserSelectivity(t *testing.T) {
	hub, srv := newTestHub(t)

	target := dial(t, srv)
	authenticate(t, target, "u-1")

	other := dial(t, srv)
	authenticate(t, other, "u-2")

	hub.BroadcastToUser("u-1", map[string]any{"type": "score_update"})

	assert.Equal(t, "score_update", readFrame(t, target)["type"])
	expectNoFrame(t, other)
}

func TestHub_BroadcastReachesAll(t *testing.T) {
	hub, srv := newTestHub(t)

	a := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, a)["type"])
	b := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, b)["type"])

	hub.Broadcast(map[string]any{"type": "computation_result", "requestId": "r-1"})

	assert.Equal(t, "computation_result", readFrame(t, a)["type"])
	assert.Equal(t, "computation_result", readFrame(t, b)["type"])
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dial(t, srv)
	authenticate(t, conn, "u-1")
	sendFrame(t, conn, map[string]any{"type": "subscribe_event", "eventId": "e-1"})
	require.Equal(t, "subscribed", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]any{"type": "unsubscribe_event", "eventId": "e-1"})
	frame := readFrame(t, conn)
	require.Equal(t, "unsubscribed", frame["type"])
	require.Equal(t, "e-1", frame["eventId"])

	hub.BroadcastToEvent("e-1", map[string]any{"type": "event_update"})
	expectNoFrame(t, conn)
}

func TestHub_DisconnectPrunesIndices(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dial(t, srv)
	authenticate(t, conn, "u-1")
	require.Equal(t, 1, hub.ConnCount())

	conn.Close()
	require.Eventually(t, func() bool { return hub.ConnCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// No-op once the connection and its user key are gone.
	hub.BroadcastToUser("u-1", map[string]any{"type": "score_update"})
}

func TestHub_ReaperClosesUnresponsivePeer(t *testing.T) {
	hub := ws.NewHub(ws.NewJWTVerifier(testSecret), ws.WithReapInterval(50*time.Millisecond))
	hub.Start()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Suppress the default pong responder so the peer looks dead.
	conn.SetPingHandler(func(string) error { return nil })
	require.Equal(t, "connected", readFrame(t, conn)["type"])

	require.Eventually(t, func() bool { return hub.ConnCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	hub, srv := newTestHub(t)

	conn := dial(t, srv)
	require.Equal(t, "connected", readFrame(t, conn)["type"])
	require.Equal(t, 1, hub.ConnCount())

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.Equal(t, 0, hub.ConnCount())
}

var _ http.Handler = (*ws.Hub)(nil)
