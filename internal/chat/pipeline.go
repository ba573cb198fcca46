package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charla-ai/charla/internal/reply"
)

// handleAuthenticate binds the session to a recipient identity and joins
// its address group. Rebinding is allowed: Join moves the membership, so
// the previous group is always left first.
func (c *Client) handleAuthenticate(data json.RawMessage) {
	var payload AuthenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.UserID) == "" {
		c.sendEvent(errorEvent(msgMissingUserID))
		return
	}

	c.mu.Lock()
	previous := c.userID
	c.userID = payload.UserID
	c.mu.Unlock()

	c.hub.Join(c, payload.UserID)
	if previous != "" && previous != payload.UserID {
		c.log.Info("rebound identity %s -> %s", previous, payload.UserID)
	} else {
		c.log.Debug("bound identity %s", payload.UserID)
	}
}

// handleUserMessage runs the message pipeline: precondition check,
// validation, synchronous acknowledgement (typing-started then
// message-acknowledged, in that order), then scheduling of the reply
// computation. A message arriving while a reply is outstanding cancels it
// first, keeping at most one pending reply per session.
func (c *Client) handleUserMessage(data json.RawMessage) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	if userID == "" {
		c.sendEvent(errorEvent(msgUnauthenticated))
		return
	}

	c.cancelPending(true)

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		c.sendEvent(errorEvent(msgInvalidPayload))
		return
	}
	text, ok := payload["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		c.sendEvent(errorEvent(msgInvalidPayload))
		return
	}

	// Typing must start before the acknowledgement: clients render the
	// optimistic "sent" bubble only once the indicator could already be on.
	c.sendEvent(typingEvent(true))

	payload["userId"] = userID
	payload["timestamp"] = time.Now()
	c.sendEvent(mustEvent(EventMessageSent, payload))

	ctx, cancel := context.WithCancel(context.Background())
	pending := reply.NewPending(cancel)
	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()

	go c.awaitReply(ctx, pending, userID, text)
}

// awaitReply waits for the reply computation and publishes the outcome.
// Fire resolves the race against cancellation: if the handle was cancelled,
// the completion produces no externally visible effect at all.
func (c *Client) awaitReply(ctx context.Context, pending *reply.Pending, userID, text string) {
	answer, err := c.generateReply(ctx, userID, text)

	if !pending.Fire() {
		return
	}

	c.mu.Lock()
	if c.pending == pending {
		c.pending = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("reply generation failed: %v", err)
		c.sendEvent(errorEvent(msgPipelineFailure))
		c.sendEvent(typingEvent(false))
		return
	}

	c.sendEvent(typingEvent(false))
	c.hub.Publish(userID, mustEvent(EventMessageReceived, ReceivedPayload{
		UserID:    userID,
		Text:      answer,
		Timestamp: time.Now(),
	}))
}

// generateReply invokes the responder, converting a panic into an error so
// a misbehaving responder cannot take the process down.
func (c *Client) generateReply(ctx context.Context, userID, text string) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("responder panic: %v", r)
		}
	}()
	return c.responder.Reply(ctx, userID, text)
}

// handleCancelResponse cancels the outstanding reply, if any. The
// typing-stopped event is emitted unconditionally so the client's
// indicator resynchronizes even when there was nothing to cancel.
func (c *Client) handleCancelResponse() {
	c.cancelPending(false)
	c.sendEvent(typingEvent(false))
}

// cancelPending invalidates the outstanding reply computation.
// When emitTyping is set and a computation was actually cancelled, the
// typing indicator is turned off; a caller about to start a new pipeline
// run passes emitTyping=true so the old run's indicator state is not
// carried over silently.
func (c *Client) cancelPending(emitTyping bool) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil {
		return
	}
	if pending.Cancel() && emitTyping {
		c.sendEvent(typingEvent(false))
	}
}
