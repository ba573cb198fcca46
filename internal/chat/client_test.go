package chat

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-ai/charla/internal/logger"
)

// TestDispatchRecoversFromHandlerPanic drives a handler into a panic and
// checks the session reports the failure, resets the typing indicator, and
// keeps dispatching. The unwired hub makes the bind handler blow up partway
// through, after the payload has already been accepted.
func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	c := &Client{
		ID:   "test-session",
		send: make(chan *Event, 8),
		log:  logger.NewWriter(logger.LevelNone, io.Discard, "test"),
	}

	data, err := json.Marshal(AuthenticatePayload{UserID: "u1"})
	require.NoError(t, err)
	c.dispatch(&Event{Type: EventAuthenticate, Data: data})

	ev := <-c.send
	require.Equal(t, EventError, ev.Type)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "Error procesando el mensaje", payload.Message)

	ev = <-c.send
	require.Equal(t, EventTyping, ev.Type)
	var active bool
	require.NoError(t, json.Unmarshal(ev.Data, &active))
	assert.False(t, active, "the indicator must be reset after a panic")

	// The session keeps handling events.
	c.dispatch(&Event{Type: EventCancelResponse})
	ev = <-c.send
	require.Equal(t, EventTyping, ev.Type)
}
