package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// Sources recorded with each entry.
const (
	SourceRegistry = "registry"
	SourceElevator = "elevator"
)

// queueSize bounds entries waiting to be written.
const queueSize = 256

// Logger is the logging interface used by the trail.
// Compatible with *logging.Logger and *slog.Logger.
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

// Trail turns registry and fleet events into audit entries. Event
// handlers only queue; Run writes to the repository. When the queue is
// full entries are dropped and counted.
type Trail struct {
	repo   Repository
	logger Logger
	queue  chan Entry

	dropped atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewTrail creates a trail writing to repo.
func NewTrail(repo Repository) *Trail {
	return &Trail{
		repo:   repo,
		logger: noopLogger{},
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger.
func (t *Trail) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.logger = logger
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left. It closes Done when it returns.
func (t *Trail) Run(ctx context.Context) {
	defer t.stopOnce.Do(func() { close(t.done) })
	for {
		select {
		case e := <-t.queue:
			t.write(ctx, e)
		case <-ctx.Done():
			t.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

// Done is closed once Run has returned.
func (t *Trail) Done() <-chan struct{} { return t.done }

// Dropped returns how many entries were discarded on a full queue.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

func (t *Trail) drain(ctx context.Context) {
	for {
		select {
		case e := <-t.queue:
			t.write(ctx, e)
		default:
			return
		}
	}
}

func (t *Trail) write(ctx context.Context, e Entry) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.repo.Create(writeCtx, &e); err != nil {
		t.logger.Warn("audit write failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

func (t *Trail) enqueue(e Entry) {
	select {
	case t.queue <- e:
	default:
		if n := t.dropped.Add(1); n == 1 || n%100 == 0 {
			t.logger.Warn("audit queue full, dropping entries", "dropped", n)
		}
	}
}

// HandleRelayEvent records lifecycle, association and failure events.
// Connection flaps are left to telemetry.
func (t *Trail) HandleRelayEvent(ev relay.Event) {
	switch ev.Kind {
	case relay.EventRegistered, relay.EventRemoved, relay.EventUpdated,
		relay.EventAssociationChanged, relay.EventError, relay.EventActionFailed:
	default:
		return
	}

	details := map[string]any{}
	if ev.Action != "" {
		details["action"] = ev.Action
	}
	if ev.Err != nil {
		details["error"] = ev.Err.Error()
	}
	if r := ev.Relay; r != nil {
		details["status"] = string(r.Status)
		for key, v := range map[string]*string{
			"robot_id":    r.RobotID,
			"template_id": r.TemplateID,
			"building_id": r.BuildingID,
			"ip_address":  r.IPAddress,
		} {
			if v != nil {
				details[key] = *v
			}
		}
	}

	t.enqueue(Entry{
		Action:     ev.Kind.String(),
		EntityType: EntityRelay,
		EntityID:   ev.RelayID,
		Source:     SourceRegistry,
		Details:    details,
		CreatedAt:  eventTime(ev.Time),
	})
}

// HandleElevatorEvent records elevator faults.
func (t *Trail) HandleElevatorEvent(ev elevator.Event) {
	if ev.Kind != elevator.EventFault {
		return
	}
	details := map[string]any{
		"status":        string(ev.State.Status),
		"current_floor": ev.State.CurrentFloor,
	}
	if ev.State.TargetFloor != nil {
		details["target_floor"] = *ev.State.TargetFloor
	}
	if ev.Err != nil {
		details["error"] = ev.Err.Error()
	} else if ev.State.LastError != "" {
		details["error"] = ev.State.LastError
	}

	t.enqueue(Entry{
		Action:     ev.Kind.String(),
		EntityType: EntityElevator,
		EntityID:   ev.RelayID,
		Source:     SourceElevator,
		Details:    details,
		CreatedAt:  eventTime(ev.Time),
	})
}

// WatchRegistry records registry events until the returned func is called.
func (t *Trail) WatchRegistry(reg *relay.Registry) func() {
	return reg.Subscribe(t.HandleRelayEvent)
}

// WatchFleet records fleet events until the returned func is called.
func (t *Trail) WatchFleet(f *elevator.Fleet) func() {
	return f.Subscribe(t.HandleElevatorEvent)
}

func eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
