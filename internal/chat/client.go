package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charla-ai/charla/internal/auth"
	"github.com/charla-ai/charla/internal/consts"
	"github.com/charla-ai/charla/internal/logger"
	"github.com/charla-ai/charla/internal/reply"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = consts.Timeout10Seconds

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize8KB

	// Outbound buffer per connection. Full buffer drops events rather than
	// blocking a publisher.
	sendBufferSize = 256
)

// Client is the server-side session bound to one live connection. Inbound
// events are handled one at a time by ReadPump, so a session never runs two
// handlers concurrently; only the reply completion goroutine touches state
// from outside, guarded by mu.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan *Event

	// claim is the identity verified during the handshake. Immutable.
	claim *auth.Claim

	responder reply.Responder
	log       *logger.Logger

	pongWait   time.Duration
	pingPeriod time.Duration

	mu sync.Mutex
	// userID is the bound recipient identity; empty until authenticate.
	userID string
	// pending is the outstanding reply computation, at most one at a time.
	pending *reply.Pending
	// closed marks send as closed; writing after that would panic.
	closed bool
}

// NewClient creates a session for an admitted connection.
func NewClient(hub *Hub, conn *websocket.Conn, claim *auth.Claim, responder reply.Responder, pongWait, pingPeriod time.Duration) *Client {
	id := uuid.NewString()
	return &Client{
		ID:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan *Event, sendBufferSize),
		claim:      claim,
		responder:  responder,
		log:        logger.Global().WithPrefix("session:" + id[:8]),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// ReadPump reads events from the connection and dispatches them in arrival
// order. It owns session teardown: when it returns, for any reason, the
// pending reply is cancelled and the session leaves its address group.
func (c *Client) ReadPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error("read error: %v", err)
			}
			break
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warn("dropping malformed frame: %v", err)
			continue
		}

		c.dispatch(&ev)
	}
}

// dispatch routes one inbound event. The event set is closed; anything
// else is logged and ignored.
func (c *Client) dispatch(ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			// A handler failure must never take down the connection or
			// leave the typing indicator stuck on.
			c.log.Error("panic handling %s: %v", ev.Type, r)
			c.sendEvent(errorEvent(msgPipelineFailure))
			c.sendEvent(typingEvent(false))
		}
	}()

	switch ev.Type {
	case EventAuthenticate:
		c.handleAuthenticate(ev.Data)
	case EventMessage:
		c.handleUserMessage(ev.Data)
	case EventCancelResponse:
		c.handleCancelResponse()
	case EventMessageSent, EventTyping, EventMessageReceived, EventError:
		c.log.Warn("ignoring server-only event from client: %s", ev.Type)
	default:
		c.log.Warn("unknown event type: %s", ev.Type)
	}
}

// WritePump writes queued events to the connection and keeps it alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Error("failed to marshal %s event: %v", ev.Type, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("write error: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEvent queues an event for this connection only. Fire-and-forget.
// A reply completion can race teardown, so the closed flag is checked
// under the same lock that closeSend takes.
func (c *Client) sendEvent(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		c.log.Warn("send buffer full, dropping %s", ev.Type)
	}
}

// closeSend closes the outbound channel exactly once. Called by the hub
// when the client is removed.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// teardown releases everything the session holds. Idempotent, and safe
// even if the connection never authenticated: with no pending reply and no
// bound identity it only unregisters. No events are emitted; the peer is
// already gone.
func (c *Client) teardown() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}
	c.hub.Unregister(c)
	c.conn.Close()
}
