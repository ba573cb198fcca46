package reply

import (
	"context"
	"sync"
)

type pendingState int

const (
	statePending pendingState = iota
	stateFired
	stateCancelled
)

// Pending is the handle for a scheduled reply computation. It resolves the
// pending / fired / cancelled tri-state atomically so that a completion
// racing a cancellation can never both win.
type Pending struct {
	mu     sync.Mutex
	state  pendingState
	cancel context.CancelFunc
}

// NewPending creates a handle wrapping the computation's CancelFunc.
func NewPending(cancel context.CancelFunc) *Pending {
	return &Pending{cancel: cancel}
}

// Fire transitions pending → fired. It returns false if the handle was
// already cancelled or fired, in which case the completion must be
// suppressed entirely.
func (p *Pending) Fire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != statePending {
		return false
	}
	p.state = stateFired
	return true
}

// Cancel transitions pending → cancelled and stops the underlying
// computation. It returns false if the handle already fired or was already
// cancelled. Safe to call any number of times.
func (p *Pending) Cancel() bool {
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return false
	}
	p.state = stateCancelled
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Done reports whether the handle left the pending state.
func (p *Pending) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != statePending
}
