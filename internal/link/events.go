package link

import (
	"sync"
	"time"
)

// EventKind identifies a link lifecycle or data event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventError
	EventStateSnapshot
	EventInputChanged
	EventHeartbeat
	EventReconnectExhausted
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventStateSnapshot:
		return "state_snapshot"
	case EventInputChanged:
		return "input_changed"
	case EventHeartbeat:
		return "heartbeat"
	case EventReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers of a link.
type Event struct {
	Kind     EventKind
	Endpoint string
	Time     time.Time

	// Err is set for EventDisconnected, EventError and EventReconnectExhausted.
	Err error

	Snapshot *Snapshot
	Input    *InputChange
}

// Handler receives events. Handlers for one link run sequentially in
// arrival order and must not block for long.
type Handler func(Event)

// Bus fans events out to independent subscribers.
//
// Delivery is synchronous on the publishing goroutine, so a single link's
// events keep their order. A panicking handler is recovered and does not
// affect other subscribers.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    []subscriber
	onPanic func(any)
}

type subscriber struct {
	id int
	h  Handler
}

// NewBus creates an empty bus. onPanic may be nil.
func NewBus(onPanic func(any)) *Bus {
	return &Bus{onPanic: onPanic}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every current subscriber in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.h, ev)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(r)
		}
	}()
	h(ev)
}
