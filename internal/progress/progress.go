// Package progress defines the cancellation/progress contract a builder
// consults between phases (spec §5): ref enumeration, object walk, pack
// write, index write, bitmap write, rename.
//
// Adapted from cocoon/progress: the teacher's Tracker is a one-way event
// sink (OnEvent only) because its callers never need to ask "should I stop
// now?" — a VM boot either completes or is cancelled by its caller
// cancelling a context. BitmapBuilder instead has to *poll* between
// phases and decide, mid-algorithm, whether to unwind and publish nothing,
// so Cancelled() is added alongside OnEvent.
package progress

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by bitmapbuilder when a Tracker reports
// cancellation at a checkpoint.
var ErrCancelled = errors.New("progress: operation cancelled")

// Event is an informational progress notice. Concrete event types are
// chosen by callers (e.g. PhaseEvent, which bitmapbuilder emits); Tracker stays
// non-generic so a single implementation can observe every caller.
type Event any

// Tracker receives progress events and answers whether the operation
// should stop. Implementations must be safe for concurrent use, even
// though ghs's own core is single-threaded per spec §5 — a Tracker may be
// shared with an external scheduler's own goroutines.
type Tracker interface {
	OnEvent(Event)
	Cancelled() bool
}

// NewTracker builds a Tracker from a typed event callback and a
// cancellation predicate, mirroring cocoon's NewTracker[E any] generic
// constructor: callers work with a concrete event type, the Tracker
// interface itself stays non-generic.
func NewTracker[E any](onEvent func(E), cancelled func() bool) Tracker {
	return funcTracker{
		onEvent:   func(e Event) { onEvent(e.(E)) },
		cancelled: cancelled,
	}
}

type funcTracker struct {
	onEvent   func(Event)
	cancelled func() bool
}

func (f funcTracker) OnEvent(e Event) { f.onEvent(e) }
func (f funcTracker) Cancelled() bool { return f.cancelled() }

// Nop never cancels and discards every event.
var Nop Tracker = funcTracker{
	onEvent:   func(Event) {},
	cancelled: func() bool { return false },
}

// PhaseEvent is emitted by bitmapbuilder at each checkpoint named in
// spec §5.
type PhaseEvent struct {
	Phase string
}

// CheckCancelled returns ErrCancelled if t reports cancellation, wrapping
// the current phase name for diagnostics. Callers pass nil-safe: a nil
// Tracker is treated as Nop.
func CheckCancelled(t Tracker, phase string) error {
	if t == nil {
		t = Nop
	}
	t.OnEvent(PhaseEvent{Phase: phase})
	if t.Cancelled() {
		return fmt.Errorf("%w at %s", ErrCancelled, phase)
	}
	return nil
}
