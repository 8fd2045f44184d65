package relay

import (
	"sync"
	"time"
)

// EventKind identifies a registry event.
type EventKind int

// Registry events.
const (
	EventRegistered EventKind = iota + 1
	EventRemoved
	EventUpdated
	EventAssociationChanged
	EventConnected
	EventDisconnected
	EventError
	EventActionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	case EventAssociationChanged:
		return "association_changed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventActionFailed:
		return "action_failed"
	default:
		return "unknown"
	}
}

// Event is published by the registry. Relay is a copy taken when the event
// fired; it is nil for EventRemoved.
type Event struct {
	Kind    EventKind
	RelayID string
	Relay   *Relay
	Action  string
	Err     error
	Time    time.Time
}

// EventHandler receives registry events. Handlers run on the goroutine
// that caused the event and must not call back into blocking registry
// operations.
type EventHandler func(Event)

type listeners struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]EventHandler
	order  []int
}

func (l *listeners) add(h EventHandler) func() {
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[int]EventHandler)
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = h
	l.order = append(l.order, id)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; !ok {
			return
		}
		delete(l.subs, id)
		for i, v := range l.order {
			if v == id {
				l.order = append(l.order[:i:i], l.order[i+1:]...)
				break
			}
		}
	}
}

func (l *listeners) snapshot() []EventHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hs := make([]EventHandler, 0, len(l.order))
	for _, id := range l.order {
		hs = append(hs, l.subs[id])
	}
	return hs
}
