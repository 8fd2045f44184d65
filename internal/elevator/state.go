package elevator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the orchestrator's view of what the elevator is doing.
type Status string

// Elevator statuses.
const (
	StatusIdle         Status = "idle"
	StatusMoving       Status = "moving"
	StatusDoorOpening  Status = "door_opening"
	StatusDoorClosing  Status = "door_closing"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Logical relay functions driven by the orchestrator. Floor calls use
// FloorFunction.
const (
	FunctionDoorOpen      = "door_open"
	FunctionDoorClose     = "door_close"
	FunctionHallCall      = "hall_call"
	FunctionEmergencyStop = "emergency_stop"

	floorFunctionPrefix = "floor_"
)

// FloorFunction returns the function name of the call button for floor.
func FloorFunction(floor int) string {
	return floorFunctionPrefix + strconv.Itoa(floor)
}

// parseFloorFunction extracts N from "floor_N".
func parseFloorFunction(function string) (int, bool) {
	rest, ok := strings.CutPrefix(function, floorFunctionPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// State is a snapshot of one elevator. TargetFloor is set only while
// moving.
type State struct {
	RelayID      string    `json:"relay_id"`
	Status       Status    `json:"status"`
	Connected    bool      `json:"connected"`
	CurrentFloor int       `json:"current_floor"`
	TargetFloor  *int      `json:"target_floor,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Waypoint is a robot pose in map coordinates.
type Waypoint struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// FloorWaypoints are the robot poses used around the elevator on one floor.
type FloorWaypoints struct {
	Approach Waypoint `json:"approach" yaml:"approach"`
	Entrance Waypoint `json:"entrance" yaml:"entrance"`
	Exit     Waypoint `json:"exit" yaml:"exit"`
}

// DefaultWaypoints is used for floors without a stored table entry.
var DefaultWaypoints = FloorWaypoints{
	Approach: Waypoint{X: -1.5},
	Entrance: Waypoint{},
	Exit:     Waypoint{X: 1.5},
}

// Mover moves a robot to a waypoint and returns once it has arrived.
type Mover interface {
	MoveTo(ctx context.Context, wp Waypoint) error
}

// Step actions accepted by ExecuteStep.
const (
	StepOpenDoor          = "open_door"
	StepCloseDoor         = "close_door"
	StepSelectFloor       = "select_floor"
	StepGoToFloor         = "go_to_floor"
	StepWaitForRobotEnter = "wait_for_robot_enter"
	StepWaitForRobotExit  = "wait_for_robot_exit"
)

// Step is one elevator action inside a larger robot task.
type Step struct {
	Action string `json:"action"`
	Floor  int    `json:"floor,omitempty"`
	// WaitTime applies to the wait_for_robot_* actions. Zero uses the
	// configured default wait.
	WaitTime time.Duration `json:"wait_time,omitempty"`
}

func (s Step) String() string {
	if s.Floor != 0 {
		return fmt.Sprintf("%s(%d)", s.Action, s.Floor)
	}
	return s.Action
}
