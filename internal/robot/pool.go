package robot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nerrad567/graylift-core/internal/elevator"
)

// ErrRobotNotFound is returned for unknown robot IDs.
var ErrRobotNotFound = errors.New("robot: not found")

// Endpoint identifies one robot.
type Endpoint struct {
	ID   string
	Host string
	// Port of zero uses Settings.Port.
	Port int
}

// Pool holds the clients of every configured robot. It implements
// elevator.MoverResolver.
type Pool struct {
	settings Settings
	logger   Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

var _ elevator.MoverResolver = (*Pool)(nil)

// NewPool creates a client for each endpoint. Clients are not connected.
func NewPool(endpoints []Endpoint, s Settings) *Pool {
	logger := s.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	p := &Pool{
		settings: s,
		logger:   logger,
		clients:  make(map[string]*Client, len(endpoints)),
	}
	for _, e := range endpoints {
		p.clients[e.ID] = NewClient(e.ID, s.Address(e.Host, e.Port), s)
	}
	return p
}

// ConnectAll connects every robot. Failures are logged and joined; a
// robot that fails stays in the pool and can be connected later.
func (p *Pool) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, c := range p.list() {
		if err := c.Connect(ctx); err != nil {
			p.logger.Warn("robot connect failed", "robot_id", c.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a robot client.
func (p *Pool) Get(id string) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRobotNotFound, id)
	}
	return c, nil
}

// Mover implements elevator.MoverResolver.
func (p *Pool) Mover(robotID string) (elevator.Mover, bool) {
	c, err := p.Get(robotID)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Statuses returns every robot's status ordered by ID.
func (p *Pool) Statuses() []Status {
	clients := p.list()
	out := make([]Status, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Status())
	}
	return out
}

// Close disconnects every robot.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.list() {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing robot %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) list() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(p.clients))
	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.clients[id])
	}
	return out
}
