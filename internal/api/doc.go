// Package api implements the HTTP status API and WebSocket endpoints for
// GrayLift Core.
//
// This package provides:
//   - Read-only REST endpoints for relays, elevators, robots and the scheduler
//   - A Prometheus /metrics endpoint
//   - The relay announce socket relays dial into when they boot
//   - A WebSocket hub broadcasting relay and elevator events to UIs
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Relay Announce
//
// A relay that comes up on an unknown DHCP address connects to the
// announce path and sends a register message carrying its MAC and IP.
// The server resolves the relay by MAC, records the address, dials the
// relay's device link and replies with the relay's channel configuration.
// Unknown MACs get no reply.
//
// # Graceful Degradation
//
// Only the relay registry is required. Elevator, robot, scheduler and MQTT
// status are reported as absent when their components are not wired.
package api
