// Package wake provides a coalescing notification used to wake the dispatcher
// when new work may exist.
package wake

import (
	"context"
	"time"
)

// Signal is a single slot notification. Any number of Notify calls made
// before a Wait collapse into a single wake up.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a ready to use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify marks the signal. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is notified or the timeout elapses, whatever
// happens first. The timeout protects against notifications lost between a
// check and the wait. A notification is consumed by the Wait that observes it.
//
// Returns true when woken by a notification and false on timeout. If the
// context ends first its error is returned.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// Notifier is implemented by anything that can be told new work may exist.
type Notifier interface {
	Notify()
}

var _ Notifier = &Signal{}

// NoopNotifier is used where nobody waits for the notifications, like the
// offline CLI commands.
const NoopNotifier = noopNotifier(0)

type noopNotifier int

func (noopNotifier) Notify() {}
