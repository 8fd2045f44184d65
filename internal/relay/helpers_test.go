package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
)

// MockRepository is an in-memory Repository.
type MockRepository struct {
	mu     sync.Mutex
	relays map[string]*Relay

	createErr       error
	updateErr       error
	updateStatusErr error
	statusWrites    int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{relays: make(map[string]*Relay)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[id]; ok {
		return r.DeepCopy(), nil
	}
	return nil, ErrRelayNotFound
}

func (m *MockRepository) FindByMAC(_ context.Context, mac string) (*Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.relays {
		if r.MACAddress != nil && *r.MACAddress == NormalizeMAC(mac) {
			return r.DeepCopy(), nil
		}
	}
	return nil, ErrRelayNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Relay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	relays := make([]Relay, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, *r.DeepCopy())
	}
	return relays, nil
}

func (m *MockRepository) Create(_ context.Context, r *Relay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.relays[r.ID]; ok {
		return ErrDuplicateRelay
	}
	m.relays[r.ID] = r.DeepCopy()
	return nil
}

func (m *MockRepository) Update(_ context.Context, r *Relay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.relays[r.ID]; !ok {
		return ErrRelayNotFound
	}
	m.relays[r.ID] = r.DeepCopy()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relays[id]; !ok {
		return ErrRelayNotFound
	}
	delete(m.relays, id)
	return nil
}

func (m *MockRepository) UpdateStatus(_ context.Context, id string, status Status, lastSeen *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusWrites++
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	r, ok := m.relays[id]
	if !ok {
		return ErrRelayNotFound
	}
	r.Status = status
	if lastSeen != nil {
		t := *lastSeen
		r.LastSeen = &t
	}
	return nil
}

func (m *MockRepository) UpdateIP(_ context.Context, id, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[id]
	if !ok {
		return ErrRelayNotFound
	}
	r.IPAddress = &ip
	return nil
}

func (m *MockRepository) stored(id string) *Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relays[id].DeepCopy()
}

// mockTemplateStore is an in-memory TemplateStore.
type mockTemplateStore struct {
	templates map[string]*Template
}

func (s *mockTemplateStore) Get(_ context.Context, id string) (*Template, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t, nil
}

func (s *mockTemplateStore) List(_ context.Context) ([]Template, error) {
	var out []Template
	for _, t := range s.templates {
		out = append(out, *t)
	}
	return out, nil
}

func (s *mockTemplateStore) Save(_ context.Context, t *Template) error {
	if s.templates == nil {
		s.templates = make(map[string]*Template)
	}
	s.templates[t.ID] = t
	return nil
}

// simCommand is one command received by a simulated relay.
type simCommand struct {
	ID      uint64         `json:"commandId"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// simConn simulates a relay controller: every command is answered
// immediately, successfully unless its "relay" param is in reject.
type simConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	commands []simCommand
	reject   map[string]string
}

func newSimConn() *simConn {
	return &simConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		reject:  make(map[string]string),
	}
}

func (c *simConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("sim conn closed")
	}
}

func (c *simConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("sim conn closed")
	default:
	}

	var cmd simCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	relayName, _ := cmd.Params["relay"].(string)
	reason, rejected := c.reject[relayName]
	c.mu.Unlock()

	resp := map[string]any{"type": "command_response", "commandId": cmd.ID, "success": !rejected}
	if rejected {
		resp["error"] = reason
	}
	out, _ := json.Marshal(resp)
	c.inbound <- out
	return nil
}

func (c *simConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *simConn) sent() []simCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]simCommand(nil), c.commands...)
}

// simDialer hands out a fresh simConn per dial, unless the address is
// listed in refuse.
type simDialer struct {
	mu     sync.Mutex
	conns  map[string][]*simConn
	refuse map[string]bool
	dials  []string
}

func newSimDialer() *simDialer {
	return &simDialer{conns: make(map[string][]*simConn), refuse: make(map[string]bool)}
}

func (d *simDialer) Dial(_ context.Context, address string) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, address)
	if d.refuse[address] {
		return nil, errors.New("connection refused")
	}
	c := newSimConn()
	d.conns[address] = append(d.conns[address], c)
	return c, nil
}

func (d *simDialer) latest(address string) *simConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[address]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (d *simDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func testLinkSettings(d *simDialer) LinkSettings {
	return LinkSettings{
		Port:           80,
		Path:           "/ws",
		CommandTimeout: time.Second,
		ReconnectDelay: time.Hour,
		Dialer:         d,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *MockRepository, *simDialer) {
	t.Helper()
	repo := NewMockRepository()
	dialer := newSimDialer()
	reg := NewRegistry(repo)
	reg.SetLinkFactory(testLinkSettings(dialer))
	t.Cleanup(func() { reg.Close() }) //nolint:errcheck // test cleanup
	return reg, repo, dialer
}

// eventLog records registry events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(reg *Registry) *eventLog {
	log := &eventLog{}
	reg.Subscribe(func(ev Event) {
		log.mu.Lock()
		log.events = append(log.events, ev)
		log.mu.Unlock()
	})
	return log
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (l *eventLog) has(kind EventKind) bool {
	for _, k := range l.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func elevatorChannels() ChannelMap {
	return ChannelMap{
		0: {Function: "door_open", Enabled: true},
		1: {Function: "door_close", Enabled: true},
		2: {Function: "floor_1", Enabled: true},
		3: {Function: "floor_2", Enabled: true},
	}
}
