package elevator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// Logger defines the logging interface used by the orchestrator and fleet.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Orchestrator drives one elevator through its relay controller. It turns
// door and floor requests into output pulses on the relay link and keeps a
// state machine in step with the relay's own reports.
//
// Explicit actions set their status optimistically, send, and return to
// idle on success or error on failure. Snapshots from the relay move the
// state independently, in arrival order.
type Orchestrator struct {
	relayID string
	cfg     Config
	logger  Logger

	mu          sync.Mutex
	link        *link.Link
	unsubscribe func()
	channels    relay.ChannelMap
	state       State
	waypoints   map[int]FloorWaypoints
	seq         uint64
	cancelSeq   context.CancelCauseFunc
	// linkFault marks an error state raised by the link rather than by an
	// action; a reconnect clears it.
	linkFault bool

	listeners listeners
}

// NewOrchestrator creates an idle orchestrator at the home floor. It does
// nothing until Bind attaches a relay link.
func NewOrchestrator(relayID string, channels relay.ChannelMap, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		relayID:  relayID,
		cfg:      cfg,
		logger:   noopLogger{},
		channels: maps.Clone(channels),
		state: State{
			RelayID:      relayID,
			Status:       StatusIdle,
			CurrentFloor: cfg.HomeFloor,
			UpdatedAt:    time.Now(),
		},
		waypoints: make(map[int]FloorWaypoints),
	}
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// Subscribe registers a handler for this elevator's events.
func (o *Orchestrator) Subscribe(h EventHandler) func() {
	return o.listeners.add(h)
}

// RelayID returns the relay this orchestrator drives.
func (o *Orchestrator) RelayID() string {
	return o.relayID
}

// Bind attaches the orchestrator to a relay link, replacing any previous
// one. Elevator state is kept across rebinds.
func (o *Orchestrator) Bind(l *link.Link) {
	o.mu.Lock()
	if o.link == l {
		o.mu.Unlock()
		return
	}
	old := o.unsubscribe
	o.link = l
	o.unsubscribe = l.Subscribe(o.handleLinkEvent)
	connected := l.IsConnected()
	o.state.Connected = connected
	var changed *State
	switch {
	case !connected && o.state.Status != StatusDisconnected:
		changed = o.transitionLocked(StatusDisconnected, nil)
	case connected && o.state.Status == StatusDisconnected:
		changed = o.transitionLocked(StatusIdle, nil)
	}
	o.mu.Unlock()

	if old != nil {
		old()
	}
	if changed != nil {
		o.emit(Event{Kind: EventStateChanged, State: *changed})
	}
}

// Unbind detaches from the current link and marks the elevator disconnected.
func (o *Orchestrator) Unbind() {
	o.mu.Lock()
	unsubscribe := o.unsubscribe
	o.link, o.unsubscribe = nil, nil
	o.state.Connected = false
	st := o.transitionLocked(StatusDisconnected, nil)
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	o.emit(Event{Kind: EventStateChanged, State: *st})
}

// SetChannels replaces the channel map, e.g. after the relay is reconfigured.
func (o *Orchestrator) SetChannels(channels relay.ChannelMap) {
	o.mu.Lock()
	o.channels = maps.Clone(channels)
	o.mu.Unlock()
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	st := o.state
	if st.TargetFloor != nil {
		t := *st.TargetFloor
		st.TargetFloor = &t
	}
	return st
}

// Waypoints returns the robot poses for a floor, falling back to
// DefaultWaypoints.
func (o *Orchestrator) Waypoints(floor int) FloorWaypoints {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wp, ok := o.waypoints[floor]; ok {
		return wp
	}
	return DefaultWaypoints
}

// SetWaypoints stores the robot poses for a floor.
func (o *Orchestrator) SetWaypoints(floor int, wp FloorWaypoints) error {
	if !o.cfg.validFloor(floor) {
		return fmt.Errorf("%w: %d", ErrInvalidFloor, floor)
	}
	o.mu.Lock()
	o.waypoints[floor] = wp
	o.mu.Unlock()
	o.logger.Info("floor waypoints updated", "relay_id", o.relayID, "floor", floor)
	return nil
}

// OpenDoor pulses the door-open output.
func (o *Orchestrator) OpenDoor(ctx context.Context) error {
	return o.act(ctx, StatusDoorOpening, nil, FunctionDoorOpen, o.cfg.DoorPulse)
}

// CloseDoor pulses the door-close output.
func (o *Orchestrator) CloseDoor(ctx context.Context) error {
	return o.act(ctx, StatusDoorClosing, nil, FunctionDoorClose, o.cfg.DoorPulse)
}

// SelectFloor pulses the call output for floor.
func (o *Orchestrator) SelectFloor(ctx context.Context, floor int) error {
	if !o.cfg.validFloor(floor) {
		return fmt.Errorf("%w: %d", ErrInvalidFloor, floor)
	}
	return o.act(ctx, StatusMoving, &floor, FloorFunction(floor), o.cfg.FloorPulse)
}

// act runs one explicit action. Function and connection problems are
// reported before any state change or frame.
func (o *Orchestrator) act(ctx context.Context, status Status, target *int, function string, hold time.Duration) error {
	l, err := o.prepare(function)
	if err != nil {
		return err
	}

	o.setStatus(status, target)
	if err := o.pulse(ctx, l, function, hold); err != nil {
		// A running sequence reports its own fault.
		if !inSequence(ctx) {
			o.fail(err)
		}
		return err
	}
	o.setStatus(StatusIdle, nil)
	return nil
}

// prepare checks the link and resolves function to an enabled channel.
func (o *Orchestrator) prepare(function string) (*link.Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.link == nil || !o.link.IsConnected() || o.state.Status == StatusDisconnected {
		return nil, ErrNotConnected
	}
	_, ch, ok := o.channels.Find(function)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotConfigured, function)
	}
	if !ch.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrFunctionDisabled, function)
	}
	return o.link, nil
}

// pulse switches an output on, holds it, and switches it off. An
// interrupted pulse still releases the output.
func (o *Orchestrator) pulse(ctx context.Context, l *link.Link, function string, hold time.Duration) error {
	if err := o.setOutput(ctx, l, function, true); err != nil {
		return err
	}
	if err := sleep(ctx, hold); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := o.setOutput(releaseCtx, l, function, false); relErr != nil {
			o.logger.Error("failed to release output", "relay_id", o.relayID, "function", function, "error", relErr)
		}
		return err
	}
	return o.setOutput(ctx, l, function, false)
}

func (o *Orchestrator) setOutput(ctx context.Context, l *link.Link, function string, on bool) error {
	_, err := l.Send(ctx, relay.ActionSetRelay, map[string]any{"relay": function, "state": on})
	if err != nil {
		if errors.Is(err, link.ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("set %s %t: %w", function, on, err)
	}
	return nil
}

func (o *Orchestrator) setStatus(status Status, target *int) {
	o.mu.Lock()
	st := o.transitionLocked(status, target)
	o.mu.Unlock()
	o.emit(Event{Kind: EventStateChanged, State: *st})
}

// fail moves the elevator to error and publishes a fault.
func (o *Orchestrator) fail(err error) {
	o.failWith(err, false)
}

func (o *Orchestrator) failWith(err error, fromLink bool) {
	o.mu.Lock()
	st := o.transitionLocked(StatusError, nil)
	st.LastError = err.Error()
	o.state.LastError = err.Error()
	o.linkFault = fromLink
	o.mu.Unlock()

	o.logger.Error("elevator fault", "relay_id", o.relayID, "error", err)
	o.emit(Event{Kind: EventFault, State: *st, Err: err})
}

// transitionLocked applies a status change. TargetFloor is kept only for
// moving. Must be called with o.mu held.
func (o *Orchestrator) transitionLocked(status Status, target *int) *State {
	o.state.Status = status
	o.state.TargetFloor = nil
	if status == StatusMoving && target != nil {
		t := *target
		o.state.TargetFloor = &t
	}
	if status != StatusError {
		o.state.LastError = ""
		o.linkFault = false
	}
	o.state.UpdatedAt = time.Now()
	st := o.stateLocked()
	return &st
}

// arriveLocked commits arrival at floor. Must be called with o.mu held.
func (o *Orchestrator) arriveLocked(floor int) *State {
	o.state.CurrentFloor = floor
	return o.transitionLocked(StatusIdle, nil)
}

func (o *Orchestrator) emit(ev Event) {
	ev.RelayID = o.relayID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, h := range o.listeners.snapshot() {
		o.deliver(h, ev)
	}
}

func (o *Orchestrator) deliver(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("elevator event handler panic recovered", "event", ev.Kind.String(), "panic", p)
		}
	}()
	h(ev)
}

// handleLinkEvent runs on the link's reader goroutine.
func (o *Orchestrator) handleLinkEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventConnected:
		o.mu.Lock()
		o.state.Connected = true
		var st *State
		if o.state.Status == StatusDisconnected || (o.state.Status == StatusError && o.linkFault) {
			st = o.transitionLocked(StatusIdle, nil)
		}
		o.mu.Unlock()
		if st != nil {
			o.emit(Event{Kind: EventStateChanged, State: *st})
		}

	case link.EventDisconnected, link.EventReconnectExhausted:
		o.mu.Lock()
		o.state.Connected = false
		st := o.transitionLocked(StatusDisconnected, nil)
		o.mu.Unlock()
		o.emit(Event{Kind: EventStateChanged, State: *st, Err: ev.Err})

	case link.EventError:
		if ev.Err == nil {
			return
		}
		o.mu.Lock()
		connected := o.state.Connected
		o.mu.Unlock()
		// Failed redials while down leave the elevator disconnected.
		if !connected {
			o.logger.Debug("link error while disconnected", "relay_id", o.relayID, "error", ev.Err)
			return
		}
		o.failWith(ev.Err, true)

	case link.EventStateSnapshot, link.EventInputChanged:
		o.applyReport(ev)
	}
}

// applyReport updates state from a relay snapshot or input change.
func (o *Orchestrator) applyReport(ev link.Event) {
	o.mu.Lock()
	var (
		st      *State
		arrived bool
	)
	if ev.Kind == link.EventStateSnapshot && ev.Snapshot != nil {
		st = o.applySnapshotLocked(ev.Snapshot)
	}
	if st == nil && o.cfg.Detector.Arrived(o.stateLocked(), ev, o.channels) {
		st = o.arriveLocked(*o.state.TargetFloor)
		arrived = true
	}
	o.mu.Unlock()

	if st == nil {
		return
	}
	o.emit(Event{Kind: EventStateChanged, State: *st})
	if arrived {
		o.logger.Info("elevator arrived", "relay_id", o.relayID, "floor", st.CurrentFloor)
		o.emit(Event{Kind: EventArrived, State: *st, Floor: st.CurrentFloor})
	}
}

// applySnapshotLocked maps active outputs to a status. It returns nil when
// no active output implies a change. Must be called with o.mu held.
func (o *Orchestrator) applySnapshotLocked(snap *link.Snapshot) *State {
	var doorOpen, doorClose bool
	floor, floorActive := 0, false
	for idx, on := range snap.Outputs {
		if !on {
			continue
		}
		ch, ok := o.channels[idx]
		if !ok {
			continue
		}
		switch ch.Function {
		case FunctionDoorOpen:
			doorOpen = true
		case FunctionDoorClose:
			doorClose = true
		default:
			if n, ok := parseFloorFunction(ch.Function); ok && !floorActive {
				floor, floorActive = n, true
			}
		}
	}

	switch {
	case doorOpen:
		if o.state.Status == StatusDoorOpening {
			return nil
		}
		return o.transitionLocked(StatusDoorOpening, nil)
	case doorClose:
		if o.state.Status == StatusDoorClosing {
			return nil
		}
		return o.transitionLocked(StatusDoorClosing, nil)
	case floorActive:
		if o.state.Status == StatusMoving && o.state.TargetFloor != nil && *o.state.TargetFloor == floor {
			return nil
		}
		return o.transitionLocked(StatusMoving, &floor)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
