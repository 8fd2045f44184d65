// Package elevator sequences elevator rides for robots through relay
// controllers.
//
// An Orchestrator owns the state machine of one elevator:
//
//	idle ──open/close──▶ door_opening / door_closing ──▶ idle
//	idle ──select N────▶ moving(N) ──arrival──▶ idle at N
//	any  ──failure─────▶ error      link down ──▶ disconnected
//
// Door and floor requests become output pulses (on, hold, off) of the
// channel bound to the function (door_open, door_close, floor_N). A
// function that is not mapped, or mapped but disabled, fails before any
// frame is sent.
//
// GoToFloor runs the full ride: open, robot enters, close, select,
// travel, open, robot exits, close. It stops at the first failing step.
// Arrival is decided by an ArrivalDetector, with the estimated travel
// time as a fallback.
//
// A Fleet keeps one orchestrator per elevator relay and serves as the
// relay registry's ActionExecutor.
package elevator
