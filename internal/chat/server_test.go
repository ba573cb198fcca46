package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-ai/charla/internal/auth"
	"github.com/charla-ai/charla/internal/config"
	"github.com/charla-ai/charla/internal/reply"
)

const testSecret = "integration-secret"

type testServer struct {
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T, replyDelay time.Duration) *testServer {
	t.Helper()
	return newTestServerWith(t, reply.NewDelayedResponder(replyDelay))
}

func newTestServerWith(t *testing.T, responder reply.Responder) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	store := config.NewStore(cfg, "")
	verifier := auth.NewVerifier(testSecret)
	t.Cleanup(verifier.Close)

	srv := NewServer(store, verifier, responder)
	go srv.hub.Run()
	t.Cleanup(srv.hub.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts}
}

// responderFunc adapts a function to the reply.Responder interface.
type responderFunc func(ctx context.Context, userID, text string) (string, error)

func (f responderFunc) Reply(ctx context.Context, userID, text string) (string, error) {
	return f(ctx, userID, text)
}

func (s *testServer) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func dial(t *testing.T, s *testServer, subject string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(signToken(t, subject)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ EventType, payload interface{}) {
	t.Helper()
	ev, err := NewEvent(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ev))
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev), "expected an event before the deadline")
	return &ev
}

// expectNoEvent asserts silence until the deadline. The read timeout
// poisons the connection, so only call this as the last read on a conn.
func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var ev Event
	err := conn.ReadJSON(&ev)
	if err == nil {
		t.Fatalf("expected no event, got %s with data %s", ev.Type, string(ev.Data))
	}
}

// assertQuiet proves no events were queued by bouncing a cancel off the
// server: the very next event must be its typing(false) acknowledgement.
// Unlike expectNoEvent this leaves the connection usable.
func assertQuiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendEvent(t, conn, EventCancelResponse, nil)
	ev := readEvent(t, conn, time.Second)
	assert.False(t, decodeTyping(t, ev))
}

func decodeError(t *testing.T, ev *Event) string {
	t.Helper()
	require.Equal(t, EventError, ev.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	return payload.Message
}

func decodeTyping(t *testing.T, ev *Event) bool {
	t.Helper()
	require.Equal(t, EventTyping, ev.Type)
	var active bool
	require.NoError(t, json.Unmarshal(ev.Data, &active))
	return active
}

func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	sendEvent(t, conn, EventAuthenticate, AuthenticatePayload{UserID: userID})
}

func TestGateRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Autenticación requerida")
	assert.Equal(t, 0, s.srv.hub.ClientCount(), "no session may exist for a rejected handshake")
}

func TestGateRejectsInvalidToken(t *testing.T) {
	s := newTestServer(t, time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL("not-a-token"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Token inválido")
	assert.Equal(t, 0, s.srv.hub.ClientCount())
}

func TestGateRejectsDisallowedOrigin(t *testing.T) {
	s := newTestServer(t, time.Millisecond)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(signToken(t, "u1")), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateAllowsConfiguredOrigin(t *testing.T) {
	s := newTestServer(t, time.Millisecond)

	header := http.Header{}
	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(signToken(t, "u1")), header)
	require.NoError(t, err)
	conn.Close()
}

func TestBearerHeaderCredential(t *testing.T) {
	s := newTestServer(t, time.Millisecond)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, "u1"))
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), header)
	require.NoError(t, err)
	conn.Close()
}

func TestMessageBeforeAuthenticate(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola"})

	ev := readEvent(t, conn, time.Second)
	assert.Equal(t, "No autenticado", decodeError(t, ev))
	expectNoEvent(t, conn, 200*time.Millisecond)
}

func TestAuthenticateWithoutUserID(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")

	sendEvent(t, conn, EventAuthenticate, map[string]interface{}{})

	ev := readEvent(t, conn, time.Second)
	assert.Equal(t, "userId requerido", decodeError(t, ev))
}

func TestHappyPathEventOrdering(t *testing.T) {
	s := newTestServer(t, 20*time.Millisecond)
	conn := dial(t, s, "u1")

	authenticate(t, conn, "u1")
	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola", "clientRef": "m-1"})

	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)), "typing must start first")

	sent := readEvent(t, conn, time.Second)
	require.Equal(t, EventMessageSent, sent.Type)
	var sentPayload map[string]interface{}
	require.NoError(t, json.Unmarshal(sent.Data, &sentPayload))
	assert.Equal(t, "hola", sentPayload["text"])
	assert.Equal(t, "u1", sentPayload["userId"])
	assert.Equal(t, "m-1", sentPayload["clientRef"], "original metadata must be preserved")
	assert.NotEmpty(t, sentPayload["timestamp"])

	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)), "typing must stop before the reply")

	received := readEvent(t, conn, time.Second)
	require.Equal(t, EventMessageReceived, received.Type)
	var recv ReceivedPayload
	require.NoError(t, json.Unmarshal(received.Data, &recv))
	assert.Equal(t, "u1", recv.UserID)
	assert.Contains(t, recv.Text, "hola", "reply must derive from the inbound text")
	assert.False(t, recv.Timestamp.IsZero())
}

func TestInvalidPayloads(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	tests := []struct {
		name    string
		payload interface{}
	}{
		{"missing text", map[string]interface{}{"meta": 1}},
		{"empty text", map[string]interface{}{"text": ""}},
		{"blank text", map[string]interface{}{"text": "   "}},
		{"non-string text", map[string]interface{}{"text": 42}},
		{"non-object payload", "hola"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendEvent(t, conn, EventMessage, tt.payload)
			ev := readEvent(t, conn, time.Second)
			assert.Equal(t, "El mensaje no puede estar vacío", decodeError(t, ev))
			assertQuiet(t, conn)
		})
	}
}

func TestCancelSuppressesReply(t *testing.T) {
	s := newTestServer(t, 400*time.Millisecond)
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola"})
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)

	sendEvent(t, conn, EventCancelResponse, nil)

	ev := readEvent(t, conn, time.Second)
	assert.False(t, decodeTyping(t, ev), "cancel must promptly turn the indicator off")

	// The scheduled reply must never surface.
	expectNoEvent(t, conn, 600*time.Millisecond)
}

func TestCancelWithNothingPending(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	sendEvent(t, conn, EventCancelResponse, nil)

	ev := readEvent(t, conn, time.Second)
	assert.False(t, decodeTyping(t, ev), "idempotent cancel still resynchronizes the indicator")
	expectNoEvent(t, conn, 200*time.Millisecond)
}

func TestReplyFailureKeepsSessionAlive(t *testing.T) {
	s := newTestServerWith(t, responderFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("upstream unavailable")
	}))
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola"})

	// The acknowledgement sequence runs normally; the failure then surfaces
	// as an error, and the indicator is turned off last.
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)
	assert.Equal(t, "Error procesando el mensaje", decodeError(t, readEvent(t, conn, time.Second)))
	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)))

	// The session must still accept messages after a failed run.
	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "otra vez"})
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)
	assert.Equal(t, "Error procesando el mensaje", decodeError(t, readEvent(t, conn, time.Second)))
	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)))
}

func TestResponderPanicIsContained(t *testing.T) {
	s := newTestServerWith(t, responderFunc(func(context.Context, string, string) (string, error) {
		panic("responder blew up")
	}))
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola"})

	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)
	assert.Equal(t, "Error procesando el mensaje", decodeError(t, readEvent(t, conn, time.Second)))
	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)))

	// The connection survives the panic.
	assertQuiet(t, conn)
}

func TestNewMessageCancelsOutstandingReply(t *testing.T) {
	s := newTestServer(t, 300*time.Millisecond)
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "primero"})
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)

	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "segundo"})

	// Implicit cancellation of the first run, then the second run's
	// acknowledgement sequence.
	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, conn, time.Second).Type)

	assert.False(t, decodeTyping(t, readEvent(t, conn, time.Second)))
	received := readEvent(t, conn, time.Second)
	require.Equal(t, EventMessageReceived, received.Type)
	var recv ReceivedPayload
	require.NoError(t, json.Unmarshal(received.Data, &recv))
	assert.Contains(t, recv.Text, "segundo")
	assert.NotContains(t, recv.Text, "primero", "the first reply must have been cancelled")

	expectNoEvent(t, conn, 500*time.Millisecond)
}

func TestDisconnectCancelsPendingAndLeavesRoom(t *testing.T) {
	s := newTestServer(t, 300*time.Millisecond)

	first := dial(t, s, "u1")
	authenticate(t, first, "u1")
	sendEvent(t, first, EventMessage, map[string]interface{}{"text": "hola"})
	assert.True(t, decodeTyping(t, readEvent(t, first, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, first, time.Second).Type)

	first.Close()

	// Reconnect under the same identity before the reply delay elapses.
	second := dial(t, s, "u1")
	authenticate(t, second, "u1")

	assert.Eventually(t, func() bool { return s.srv.hub.RoomSize("u1") == 1 }, time.Second, 10*time.Millisecond,
		"the dead connection must be removed from its address group")

	// The first connection's reply must never fire anywhere.
	expectNoEvent(t, second, 600*time.Millisecond)
}

func TestRepliesFanOutToAllDevices(t *testing.T) {
	s := newTestServer(t, 10*time.Millisecond)

	phone := dial(t, s, "u1")
	laptop := dial(t, s, "u1")
	authenticate(t, phone, "u1")
	authenticate(t, laptop, "u1")
	assert.Eventually(t, func() bool { return s.srv.hub.RoomSize("u1") == 2 }, time.Second, 10*time.Millisecond)

	sendEvent(t, phone, EventMessage, map[string]interface{}{"text": "hola"})

	// The sending device sees the full sequence.
	assert.True(t, decodeTyping(t, readEvent(t, phone, time.Second)))
	require.Equal(t, EventMessageSent, readEvent(t, phone, time.Second).Type)
	assert.False(t, decodeTyping(t, readEvent(t, phone, time.Second)))
	require.Equal(t, EventMessageReceived, readEvent(t, phone, time.Second).Type)

	// The other device receives only the reply.
	ev := readEvent(t, laptop, time.Second)
	require.Equal(t, EventMessageReceived, ev.Type)
	expectNoEvent(t, laptop, 100*time.Millisecond)
}

func TestRebindLeavesPreviousGroup(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")

	authenticate(t, conn, "u1")
	assert.Eventually(t, func() bool { return s.srv.hub.RoomSize("u1") == 1 }, time.Second, 10*time.Millisecond)

	authenticate(t, conn, "u2")
	assert.Eventually(t, func() bool {
		return s.srv.hub.RoomSize("u1") == 0 && s.srv.hub.RoomSize("u2") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`)))

	// The session must survive both frames.
	authenticate(t, conn, "u1")
	sendEvent(t, conn, EventMessage, map[string]interface{}{"text": "hola"})
	assert.True(t, decodeTyping(t, readEvent(t, conn, time.Second)))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")
	defer conn.Close()

	assert.Eventually(t, func() bool { return s.srv.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(1), payload["clients"])
}

func TestStopClosesLiveConnections(t *testing.T) {
	s := newTestServer(t, time.Millisecond)
	conn := dial(t, s, "u1")
	authenticate(t, conn, "u1")
	assert.Eventually(t, func() bool { return s.srv.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.srv.Stop())

	// Shutdown does not reach hijacked connections, so Stop closes them
	// itself; the peer sees the connection drop.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "a live connection must be closed by Stop")

	assert.Eventually(t, func() bool { return s.srv.hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
