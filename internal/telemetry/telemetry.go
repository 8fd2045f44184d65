package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/graylift-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// Logger defines the logging interface used by telemetry.
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

// Publisher is the MQTT side, implemented by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	IsConnected() bool
}

// Subscriber receives MQTT messages, implemented by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Recorder is the time-series side, implemented by *influxdb.Client.
type Recorder interface {
	WriteRelayStatus(relayID, buildingID, status string, at time.Time)
	WriteElevatorState(relayID, status string, currentFloor, targetFloor int, hasTarget bool, at time.Time)
}

// Dispatcher runs elevator actions, implemented by *elevator.Fleet.
type Dispatcher interface {
	Dispatch(ctx context.Context, relayID, action string, params map[string]any) error
}

var (
	_ Publisher  = (*mqtt.Client)(nil)
	_ Subscriber = (*mqtt.Client)(nil)
	_ Recorder   = (*influxdb.Client)(nil)
	_ Dispatcher = (*elevator.Fleet)(nil)
)

// RelayStatus is the payload of graylift/relay/{id}/status.
type RelayStatus struct {
	RelayID    string     `json:"relay_id"`
	Status     string     `json:"status"`
	BuildingID string     `json:"building_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Arrival is the payload of graylift/elevator/{id}/arrival.
type Arrival struct {
	RelayID   string    `json:"relay_id"`
	Floor     int       `json:"floor"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is the payload accepted on graylift/command/elevator/{id}.
type Command struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// CommandResult is published to the command's result topic.
type CommandResult struct {
	RelayID   string    `json:"relay_id"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge forwards events to the configured sinks.
type Bridge struct {
	pub    Publisher
	rec    Recorder
	topics mqtt.Topics
	logger Logger

	// commandTimeout bounds commands received over MQTT.
	commandTimeout time.Duration
}

// New creates a bridge. pub and rec may be nil.
func New(pub Publisher, rec Recorder) *Bridge {
	return &Bridge{
		pub:            pub,
		rec:            rec,
		logger:         noopLogger{},
		commandTimeout: 2 * time.Minute,
	}
}

// SetLogger sets the logger.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.logger = logger
}

// SetCommandTimeout bounds each command received over MQTT.
func (b *Bridge) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		b.commandTimeout = d
	}
}

// WatchRegistry publishes relay status changes.
func (b *Bridge) WatchRegistry(reg *relay.Registry) func() {
	return reg.Subscribe(b.HandleRelayEvent)
}

// WatchFleet publishes elevator state changes and arrivals.
func (b *Bridge) WatchFleet(f *elevator.Fleet) func() {
	return f.Subscribe(b.HandleElevatorEvent)
}

// HandleRelayEvent publishes the relay's status for events that change it.
func (b *Bridge) HandleRelayEvent(ev relay.Event) {
	switch ev.Kind {
	case relay.EventRegistered, relay.EventConnected, relay.EventDisconnected, relay.EventError:
	default:
		return
	}
	if ev.Relay == nil {
		return
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	msg := RelayStatus{
		RelayID:   ev.RelayID,
		Status:    string(ev.Relay.Status),
		LastSeen:  ev.Relay.LastSeen,
		Timestamp: at,
	}
	if ev.Relay.BuildingID != nil {
		msg.BuildingID = *ev.Relay.BuildingID
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}

	b.publish(b.topics.RelayStatus(ev.RelayID), msg, true)
	if b.rec != nil {
		b.rec.WriteRelayStatus(msg.RelayID, msg.BuildingID, msg.Status, at)
	}
}

// HandleElevatorEvent publishes state changes and arrivals.
func (b *Bridge) HandleElevatorEvent(ev elevator.Event) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Kind {
	case elevator.EventStateChanged, elevator.EventFault:
		b.publish(b.topics.ElevatorState(ev.RelayID), ev.State, true)
		if b.rec != nil {
			target, hasTarget := 0, ev.State.TargetFloor != nil
			if hasTarget {
				target = *ev.State.TargetFloor
			}
			b.rec.WriteElevatorState(ev.RelayID, string(ev.State.Status), ev.State.CurrentFloor, target, hasTarget, at)
		}
	case elevator.EventArrived:
		b.publish(b.topics.ElevatorArrival(ev.RelayID), Arrival{RelayID: ev.RelayID, Floor: ev.Floor, Timestamp: at}, false)
	}
}

func (b *Bridge) publish(topic string, v any, retained bool) {
	if b.pub == nil || !b.pub.IsConnected() {
		return
	}
	if err := b.pub.PublishJSON(topic, v, retained); err != nil {
		b.logger.Warn("telemetry publish failed", "topic", topic, "error", err)
	}
}

// ServeCommands subscribes to elevator commands and runs them through d.
// Each command runs on its own goroutine so a long ride does not block
// the MQTT client.
func (b *Bridge) ServeCommands(ctx context.Context, sub Subscriber, d Dispatcher) error {
	handler := func(topic string, payload []byte) error {
		relayID := mqtt.LastSegment(topic)
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decoding elevator command for %s: %w", relayID, err)
		}
		if cmd.Action == "" {
			return errors.New("elevator command without action")
		}
		go b.runCommand(ctx, d, relayID, cmd)
		return nil
	}
	if err := sub.Subscribe(b.topics.AllElevatorCommands(), 1, handler); err != nil {
		return fmt.Errorf("subscribing to elevator commands: %w", err)
	}
	return nil
}

func (b *Bridge) runCommand(ctx context.Context, d Dispatcher, relayID string, cmd Command) {
	ctx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()

	b.logger.Info("elevator command received", "relay_id", relayID, "action", cmd.Action)
	err := d.Dispatch(ctx, relayID, cmd.Action, cmd.Params)

	result := CommandResult{
		RelayID:   relayID,
		Action:    cmd.Action,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
		b.logger.Warn("elevator command failed", "relay_id", relayID, "action", cmd.Action, "error", err)
	}
	b.publish(b.topics.ElevatorCommandResult(relayID), result, false)
}
