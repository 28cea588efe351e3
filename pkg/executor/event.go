package executor

import "go.uber.org/atomic"

// Event is a one-shot, manual-reset wake-up primitive. It starts unsignaled;
// the first Signal fires it and every later Signal is a no-op.
type Event struct {
	signaled atomic.Bool
	done     chan struct{}
}

func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (e *Event) Signal() {
	if e.signaled.CompareAndSwap(false, true) {
		close(e.done)
	}
}

// Done is closed once the event has been signaled.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

func (e *Event) Signaled() bool {
	return e.signaled.Load()
}
