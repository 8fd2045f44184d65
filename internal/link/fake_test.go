package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is an in-memory Conn. Tests push inbound frames with deliver
// and observe outbound frames on writes.
type fakeConn struct {
	inbound chan []byte
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.inbound <- data
}

// nextWrite waits for the next outbound frame.
func (c *fakeConn) nextWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// fakeDialer hands out queued results in order; once the queue is empty
// every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialOutcome
	dials   int
	block   bool
}

type dialOutcome struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) queue(conn *fakeConn, err error) {
	d.mu.Lock()
	d.results = append(d.results, dialOutcome{conn: conn, err: err})
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	var next dialOutcome
	if len(d.results) > 0 {
		next = d.results[0]
		d.results = d.results[1:]
	} else {
		next.err = errors.New("connection refused")
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if next.err != nil {
		return nil, next.err
	}
	return next.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recordingObserver captures Observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	settled  []error
	attempts []int
}

func (o *recordingObserver) CommandSettled(_, _ string, _ time.Duration, err error) {
	o.mu.Lock()
	o.settled = append(o.settled, err)
	o.mu.Unlock()
}

func (o *recordingObserver) PendingChanged(string, int) {}

func (o *recordingObserver) ReconnectAttempt(_ string, attempt int) {
	o.mu.Lock()
	o.attempts = append(o.attempts, attempt)
	o.mu.Unlock()
}

func (o *recordingObserver) attemptList() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.attempts...)
}

// eventRecorder subscribes to a link and exposes events on a channel.
func eventRecorder(l *Link) chan Event {
	ch := make(chan Event, 64)
	l.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func waitForEvent(t *testing.T, ch chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}
