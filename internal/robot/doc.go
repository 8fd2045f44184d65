// Package robot drives autonomous mobile robots over their topic socket.
//
// A Client wraps one robot link. On every connect it enables the robot's
// telemetry topics, then tracks the last reported pose and battery level.
// Movement commands (MoveTo, AlignWithRack, JackUp, JackDown) block until
// the robot answers with the command's id.
//
// A Pool holds the configured robots and resolves them by ID for the
// elevator fleet.
package robot
