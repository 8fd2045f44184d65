package elevator

import (
	"errors"
	"fmt"

	"github.com/nerrad567/graylift-core/internal/link"
)

// Sentinel errors for elevator operations.
var (
	// ErrFunctionNotConfigured is returned when no channel is bound to the
	// requested function.
	ErrFunctionNotConfigured = errors.New("elevator: function not configured")

	// ErrFunctionDisabled is returned when the function's channel is disabled.
	ErrFunctionDisabled = errors.New("elevator: function disabled")

	// ErrNotConnected is returned for any action while the relay link is down.
	ErrNotConnected = fmt.Errorf("elevator: %w", link.ErrNotConnected)

	// ErrInvalidFloor is returned for floors outside the configured set.
	ErrInvalidFloor = errors.New("elevator: invalid floor")

	// ErrUnknownStep is returned by ExecuteStep for unrecognised actions.
	ErrUnknownStep = errors.New("elevator: unknown step action")

	// ErrBusy is returned when a floor sequence is already running.
	ErrBusy = errors.New("elevator: sequence already running")

	// ErrEmergencyStop is the cancellation cause of a sequence interrupted
	// by EmergencyStop.
	ErrEmergencyStop = errors.New("elevator: emergency stop")

	// ErrElevatorNotFound is returned by the fleet for unknown relay IDs.
	ErrElevatorNotFound = errors.New("elevator: not found")

	// ErrRobotNotFound is returned when a robot_id parameter names no robot.
	ErrRobotNotFound = errors.New("elevator: robot not found")
)
