package isolation

import "sync"

// Event is a lifecycle transition emitted by a Runtime.
type Event string

const (
	EventStarting Event = "starting"
	EventStarted  Event = "started"
	EventStopping Event = "stopping"
	EventStopped  Event = "stopped"
	EventError    Event = "error"
)

// EventFunc receives lifecycle events. Detail is empty except for
// EventError, where it carries the failure text.
type EventFunc func(ev Event, sessionID, detail string)

// notifier is the observer list backends embed. Emission is synchronous
// and ordered; observers must not block.
type notifier struct {
	mu  sync.RWMutex
	fns []EventFunc
}

func (n *notifier) Subscribe(fn EventFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
}

func (n *notifier) emit(ev Event, sessionID, detail string) {
	n.mu.RLock()
	fns := make([]EventFunc, len(n.fns))
	copy(fns, n.fns)
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(ev, sessionID, detail)
	}
}
