package elevator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// MoverResolver looks up the robot that should walk through an elevator
// sequence.
type MoverResolver interface {
	Mover(robotID string) (Mover, bool)
}

// Fleet keeps one orchestrator per elevator relay and executes elevator
// actions dispatched by the relay registry. It implements
// relay.ActionExecutor.
type Fleet struct {
	cfg    Config
	robots MoverResolver
	logger Logger

	mu        sync.RWMutex
	elevators map[string]*fleetEntry

	listeners listeners
}

type fleetEntry struct {
	orch        *Orchestrator
	unsubscribe func()
}

// NewFleet creates an empty fleet. Every orchestrator it creates uses cfg.
func NewFleet(cfg Config) *Fleet {
	return &Fleet{
		cfg:       cfg,
		logger:    noopLogger{},
		elevators: make(map[string]*fleetEntry),
	}
}

// SetLogger sets the logger for the fleet and the orchestrators it creates.
func (f *Fleet) SetLogger(logger Logger) {
	f.logger = logger
}

// SetMoverResolver lets go_to_floor actions carry a robot named by the
// robot_id parameter.
func (f *Fleet) SetMoverResolver(r MoverResolver) {
	f.robots = r
}

// Subscribe registers a handler for events from every elevator.
func (f *Fleet) Subscribe(h EventHandler) func() {
	return f.listeners.add(h)
}

// Attach returns the orchestrator for r, creating it on first use, and
// binds it to l. Channel changes on r are applied.
func (f *Fleet) Attach(r *relay.Relay, l *link.Link) *Orchestrator {
	f.mu.Lock()
	e, ok := f.elevators[r.ID]
	if !ok {
		o := NewOrchestrator(r.ID, r.Channels, f.cfg)
		o.SetLogger(f.logger)
		e = &fleetEntry{orch: o}
		e.unsubscribe = o.Subscribe(f.forward)
		f.elevators[r.ID] = e
		f.logger.Info("elevator attached", "relay_id", r.ID)
	} else {
		e.orch.SetChannels(r.Channels)
	}
	f.mu.Unlock()

	if l != nil {
		e.orch.Bind(l)
	}
	return e.orch
}

// Get returns the orchestrator for a relay.
func (f *Fleet) Get(relayID string) (*Orchestrator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.elevators[relayID]
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// States returns the state of every elevator ordered by relay ID.
func (f *Fleet) States() []State {
	f.mu.RLock()
	ids := slices.Sorted(maps.Keys(f.elevators))
	orchs := make([]*Orchestrator, 0, len(ids))
	for _, id := range ids {
		orchs = append(orchs, f.elevators[id].orch)
	}
	f.mu.RUnlock()

	states := make([]State, 0, len(orchs))
	for _, o := range orchs {
		states = append(states, o.State())
	}
	return states
}

// Remove detaches and forgets an elevator.
func (f *Fleet) Remove(relayID string) {
	f.mu.Lock()
	e, ok := f.elevators[relayID]
	delete(f.elevators, relayID)
	f.mu.Unlock()
	if !ok {
		return
	}
	e.orch.Unbind()
	e.unsubscribe()
	f.logger.Info("elevator removed", "relay_id", relayID)
}

// Watch keeps the fleet in step with a relay registry: connected elevator
// relays are attached, reconfigured relays get their new channel map and
// removed relays are dropped. It returns a function that stops watching.
func (f *Fleet) Watch(reg *relay.Registry) func() {
	return reg.Subscribe(func(ev relay.Event) {
		switch ev.Kind {
		case relay.EventConnected:
			if ev.Relay == nil || !ev.Relay.IsElevator() {
				return
			}
			if l, ok := reg.Link(ev.RelayID); ok {
				f.Attach(ev.Relay, l)
			}
		case relay.EventUpdated:
			if ev.Relay == nil {
				return
			}
			if o, ok := f.Get(ev.RelayID); ok {
				o.SetChannels(ev.Relay.Channels)
			}
		case relay.EventRemoved:
			f.Remove(ev.RelayID)
		}
	})
}

// ExecuteAction implements relay.ActionExecutor.
//
// Parameters: "floor" for select_floor and go_to_floor; optional
// "robot_id" for go_to_floor to move a robot through the sequence.
func (f *Fleet) ExecuteAction(ctx context.Context, r *relay.Relay, l *link.Link, action string, params map[string]any) error {
	return f.run(ctx, f.Attach(r, l), action, params)
}

// Dispatch runs an action on an elevator already attached to the fleet.
func (f *Fleet) Dispatch(ctx context.Context, relayID, action string, params map[string]any) error {
	o, ok := f.Get(relayID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrElevatorNotFound, relayID)
	}
	return f.run(ctx, o, action, params)
}

func (f *Fleet) run(ctx context.Context, o *Orchestrator, action string, params map[string]any) error {
	switch action {
	case relay.ActionOpenDoor:
		return o.OpenDoor(ctx)
	case relay.ActionCloseDoor:
		return o.CloseDoor(ctx)
	case relay.ActionSelectFloor:
		floor, err := floorParam(params)
		if err != nil {
			return err
		}
		return o.SelectFloor(ctx, floor)
	case relay.ActionGoToFloor:
		floor, err := floorParam(params)
		if err != nil {
			return err
		}
		mover, err := f.moverFor(params)
		if err != nil {
			return err
		}
		return o.GoToFloor(ctx, floor, mover)
	case relay.ActionEmergencyStop:
		return o.EmergencyStop(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStep, action)
	}
}

func (f *Fleet) moverFor(params map[string]any) (Mover, error) {
	robotID, _ := params["robot_id"].(string)
	if robotID == "" {
		return nil, nil
	}
	if f.robots == nil {
		return nil, fmt.Errorf("%w: %s", ErrRobotNotFound, robotID)
	}
	m, ok := f.robots.Mover(robotID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRobotNotFound, robotID)
	}
	return m, nil
}

func (f *Fleet) forward(ev Event) {
	for _, h := range f.listeners.snapshot() {
		f.deliver(h, ev)
	}
}

func (f *Fleet) deliver(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			f.logger.Error("fleet event handler panic recovered", "event", ev.Kind.String(), "panic", p)
		}
	}()
	h(ev)
}

// floorParam reads "floor" as decoded from JSON, YAML or Go callers.
func floorParam(params map[string]any) (int, error) {
	switch v := params["floor"].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFloor, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFloor, v)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%w: floor parameter is required", ErrInvalidFloor)
	default:
		return 0, fmt.Errorf("%w: unsupported floor %v", ErrInvalidFloor, v)
	}
}
