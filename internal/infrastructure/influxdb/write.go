package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementRelayStatus   = "relay_status"
	MeasurementElevatorState = "elevator_state"
	MeasurementLinkCommand   = "link_command"
)

// WriteRelayStatus records a relay connection status change.
func (c *Client) WriteRelayStatus(relayID, buildingID, status string, at time.Time) {
	c.writePoint(relayStatusPoint(relayID, buildingID, status, at))
}

// WriteElevatorState records an elevator state machine transition.
// targetFloor is ignored unless hasTarget is set.
func (c *Client) WriteElevatorState(relayID, status string, currentFloor, targetFloor int, hasTarget bool, at time.Time) {
	c.writePoint(elevatorStatePoint(relayID, status, currentFloor, targetFloor, hasTarget, at))
}

// WriteCommandResult records the round-trip of one link command.
func (c *Client) WriteCommandResult(endpoint, command string, elapsed time.Duration, ok bool, at time.Time) {
	c.writePoint(commandPoint(endpoint, command, elapsed, ok, at))
}

func relayStatusPoint(relayID, buildingID, status string, at time.Time) *write.Point {
	tags := map[string]string{"relay_id": relayID}
	if buildingID != "" {
		tags["building_id"] = buildingID
	}
	online := 0
	if status == "online" {
		online = 1
	}
	return write.NewPoint(MeasurementRelayStatus, tags,
		map[string]interface{}{
			"status": status,
			"online": online,
		}, at)
}

func elevatorStatePoint(relayID, status string, currentFloor, targetFloor int, hasTarget bool, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"status":        status,
		"current_floor": currentFloor,
	}
	if hasTarget {
		fields["target_floor"] = targetFloor
	}
	return write.NewPoint(MeasurementElevatorState,
		map[string]string{"relay_id": relayID},
		fields, at)
}

func commandPoint(endpoint, command string, elapsed time.Duration, ok bool, at time.Time) *write.Point {
	return write.NewPoint(MeasurementLinkCommand,
		map[string]string{"endpoint": endpoint, "command": command},
		map[string]interface{}{
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
			"ok":          ok,
		}, at)
}
