package elevator

import (
	"sync"
	"time"
)

// EventKind identifies an orchestrator event.
type EventKind int

// Orchestrator events.
const (
	EventStateChanged EventKind = iota
	EventArrived
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventArrived:
		return "arrived"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event reports a change in one elevator.
type Event struct {
	Kind    EventKind
	RelayID string
	State   State
	// Floor is the arrival floor for EventArrived.
	Floor int
	Err   error
	Time  time.Time
}

// EventHandler receives orchestrator events. Handlers run synchronously on
// the goroutine that caused the change and must not block.
type EventHandler func(Event)

type listeners struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]EventHandler
}

func (l *listeners) add(h EventHandler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[int]EventHandler)
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) snapshot() []EventHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EventHandler, 0, len(l.subs))
	for _, h := range l.subs {
		out = append(out, h)
	}
	return out
}
