package elevator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// output is one set_relay command seen by the board.
type output struct {
	Function string
	On       bool
}

// board simulates a relay controller behind a link. Commands are answered
// at once, rejected when their function is listed in reject.
type board struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	outputs []output
	reject  map[string]string
}

func newBoard() *board {
	return &board{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		reject:  make(map[string]string),
	}
}

func (b *board) ReadMessage() ([]byte, error) {
	select {
	case data := <-b.inbound:
		return data, nil
	case <-b.closed:
		return nil, errors.New("board closed")
	}
}

func (b *board) WriteMessage(data []byte) error {
	var cmd struct {
		CommandID uint64 `json:"commandId"`
		Params    struct {
			Relay string `json:"relay"`
			State bool   `json:"state"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}

	b.mu.Lock()
	out := output{Function: cmd.Params.Relay, On: cmd.Params.State}
	b.outputs = append(b.outputs, out)
	reason, rejected := b.reject[out.Function]
	b.mu.Unlock()

	resp := map[string]any{"type": "command_response", "commandId": cmd.CommandID, "success": !rejected}
	if rejected {
		resp["error"] = reason
	}
	raw, _ := json.Marshal(resp)
	b.inbound <- raw
	return nil
}

func (b *board) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *board) sent() []output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]output(nil), b.outputs...)
}

// pressed returns the functions switched on, in order.
func (b *board) pressed() []string {
	var fns []string
	for _, o := range b.sent() {
		if o.On {
			fns = append(fns, o.Function)
		}
	}
	return fns
}

func (b *board) push(t *testing.T, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.inbound <- raw
}

func (b *board) snapshot(t *testing.T, outputs, inputs []bool) {
	t.Helper()
	b.push(t, map[string]any{"type": "full_state", "relays": pad(outputs), "inputs": pad(inputs)})
}

func pad(v []bool) []bool {
	out := make([]bool, relay.NumChannels)
	copy(out, v)
	return out
}

type boardDialer struct {
	board *board
}

func (d boardDialer) Dial(context.Context, string) (link.Conn, error) {
	return d.board, nil
}

// flakyDialer hands out a fresh board per successful dial and refuses
// the dials listed in refuse (1-based).
type flakyDialer struct {
	mu     sync.Mutex
	dials  int
	refuse map[int]bool
	boards []*board
}

func (d *flakyDialer) Dial(context.Context, string) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.refuse[d.dials] {
		return nil, errors.New("connection refused")
	}
	b := newBoard()
	d.boards = append(d.boards, b)
	return b, nil
}

func (d *flakyDialer) board(i int) *board {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.boards) {
		return nil
	}
	return d.boards[i]
}

func (d *flakyDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// openBoardLink opens a relay link to a fresh simulated board.
func openBoardLink(t *testing.T) (*link.Link, *board) {
	t.Helper()
	b := newBoard()
	l := link.New(link.Config{
		Endpoint:       "lift-a",
		Address:        "ws://10.0.0.5:80/ws",
		Codec:          link.RelayCodec{},
		Dialer:         boardDialer{board: b},
		CommandTimeout: time.Second,
		Reconnect:      link.FixedDelay{Delay: time.Hour},
	})
	if err := l.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck // test cleanup
	return l, b
}

func testChannels() relay.ChannelMap {
	return relay.ChannelMap{
		0: {Function: FunctionDoorOpen, Enabled: true},
		1: {Function: FunctionDoorClose, Enabled: true},
		2: {Function: "floor_1", Enabled: true},
		3: {Function: "floor_2", Enabled: true},
		4: {Function: "floor_3", Enabled: true},
		7: {Function: FunctionEmergencyStop, Enabled: true, SafetyRequired: true},
	}
}

func fastConfig() Config {
	return Config{
		HomeFloor:      1,
		TravelPerFloor: time.Millisecond,
		DoorPulse:      time.Millisecond,
		FloorPulse:     time.Millisecond,
		RobotSettle:    time.Millisecond,
		DefaultWait:    time.Millisecond,
	}
}

func newBoundOrchestrator(t *testing.T, channels relay.ChannelMap, cfg Config) (*Orchestrator, *board) {
	t.Helper()
	l, b := openBoardLink(t)
	o := NewOrchestrator("lift-a", channels, cfg)
	o.Bind(l)
	return o, b
}

// recordingMover records the waypoints a robot was sent to.
type recordingMover struct {
	mu    sync.Mutex
	moves []Waypoint
	err   error
}

func (m *recordingMover) MoveTo(_ context.Context, wp Waypoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, wp)
	return m.err
}

func (m *recordingMover) visited() []Waypoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Waypoint(nil), m.moves...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, ev := range l.events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State.Status)
		}
	}
	return out
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
