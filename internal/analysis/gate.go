package analysis

import (
	"context"
	"errors"
)

// ErrBusy is returned when the gate's wait queue is full; handlers map it
// to 429 so the client retries later.
var ErrBusy = errors.New("analysis capacity exhausted")

// Gate bounds how many model calls run at once, with a bounded queue of
// waiters on top. Analysis calls are the expensive path of the service;
// an unbounded fan-out to the AI provider is an unbounded bill.
type Gate struct {
	slots chan struct{}
	queue chan struct{}
}

// NewGate builds a gate allowing maxConcurrent simultaneous calls and at
// most queueSize callers waiting for a slot.
func NewGate(maxConcurrent, queueSize int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Gate{
		slots: make(chan struct{}, maxConcurrent),
		queue: make(chan struct{}, maxConcurrent+queueSize),
	}
}

// Do runs fn under the gate. A full queue fails fast with ErrBusy; a
// caller waiting for a slot still honors its context.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	select {
	case g.queue <- struct{}{}:
	default:
		return ErrBusy
	}
	defer func() { <-g.queue }()

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	return fn()
}
