package robot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
)

// fakeRobot answers every command with success unless its type is listed
// in fail.
type fakeRobot struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []map[string]any
	fail   map[string]string
}

func newFakeRobot() *fakeRobot {
	return &fakeRobot{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		fail:    make(map[string]string),
	}
}

func (r *fakeRobot) ReadMessage() ([]byte, error) {
	select {
	case data := <-r.inbound:
		return data, nil
	case <-r.closed:
		return nil, errors.New("robot closed")
	}
}

func (r *fakeRobot) WriteMessage(data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.writes = append(r.writes, msg)
	kind, _ := msg["type"].(string)
	reason, failed := r.fail[kind]
	r.mu.Unlock()

	id, ok := msg["id"]
	if !ok {
		return nil
	}
	resp := map[string]any{"command_id": id, "status": "success"}
	if failed {
		resp["status"] = "failed"
		resp["error"] = reason
	}
	raw, _ := json.Marshal(resp)
	r.inbound <- raw
	return nil
}

func (r *fakeRobot) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeRobot) sent() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.writes...)
}

// commands returns the written messages that carry a command type.
func (r *fakeRobot) commands() []map[string]any {
	var out []map[string]any
	for _, m := range r.sent() {
		if _, ok := m["type"]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *fakeRobot) publish(t *testing.T, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.inbound <- raw
}

type robotDialer struct {
	mu     sync.Mutex
	robots map[string]*fakeRobot
}

func (d *robotDialer) Dial(_ context.Context, address string) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.robots[address]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return r, nil
}

func testSettings(d link.Dialer) Settings {
	return Settings{
		Port:           9090,
		Path:           "/ws/v2/topics",
		CommandTimeout: time.Second,
		ReconnectStep:  time.Hour,
		Dialer:         d,
	}
}

func connectedClient(t *testing.T) (*Client, *fakeRobot) {
	t.Helper()
	r := newFakeRobot()
	d := &robotDialer{robots: map[string]*fakeRobot{"ws://10.0.1.20:9090/ws/v2/topics": r}}
	c := NewClient("amr-01", "ws://10.0.1.20:9090/ws/v2/topics", testSettings(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup
	return c, r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
