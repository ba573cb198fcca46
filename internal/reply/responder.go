// Package reply produces the textual reply for an inbound chat message.
// Responders are external collaborators from the session core's point of
// view: the core only schedules them and may cancel them mid-flight.
package reply

import (
	"context"
	"fmt"
	"time"
)

// Responder generates a reply for a user's message. Implementations must
// honor ctx cancellation: once ctx is done the result is discarded.
type Responder interface {
	Reply(ctx context.Context, userID, text string) (string, error)
}

// DelayedResponder returns a canned reply derived from the inbound text
// after a fixed delay. It is the default collaborator for local development
// and tests.
type DelayedResponder struct {
	delayFn func() time.Duration
}

// NewDelayedResponder creates a DelayedResponder with a fixed delay.
func NewDelayedResponder(delay time.Duration) *DelayedResponder {
	return &DelayedResponder{delayFn: func() time.Duration { return delay }}
}

// NewDelayedResponderFunc creates a DelayedResponder whose delay is read on
// every call, so a reloaded configuration takes effect without a restart.
func NewDelayedResponderFunc(delayFn func() time.Duration) *DelayedResponder {
	return &DelayedResponder{delayFn: delayFn}
}

// Reply waits for the configured delay and echoes a canned answer. It
// returns ctx.Err() if cancelled before the delay elapses.
func (r *DelayedResponder) Reply(ctx context.Context, userID, text string) (string, error) {
	timer := time.NewTimer(r.delayFn())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return fmt.Sprintf("He recibido tu mensaje: \"%s\". ¿En qué más puedo ayudarte?", text), nil
}
