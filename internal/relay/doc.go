// Package relay manages relay controllers: the embedded boards that switch
// elevator door and floor-call contacts on behalf of robots.
//
// The Registry is the catalogue of relays. It stores each relay's identity,
// capability list and channel map (which output drives which function),
// keeps single-owner associations to a robot, a template and a building,
// and owns the device link of every connected relay.
//
// # Late address binding
//
// Relays are often registered before their network address is known. When
// a relay dials in and announces its hardware (MAC) address, the registry
// resolves it to the stored record, persists the address and connects:
//
//	rec, err := registry.HandleAnnouncement(ctx, relay.Announcement{
//	    MAC: "aa:bb:cc:00:00:01",
//	    IP:  "10.0.0.5",
//	})
//
// A learned address is never cleared.
//
// # Dispatch
//
// ExecuteRelayAction fans an action out to every elevator relay associated
// with a robot or building. Raw set_relay commands go straight to the link;
// elevator actions (open_door, go_to_floor, ...) are handed to the
// ActionExecutor, normally the elevator fleet.
//
// # Events
//
// Link lifecycle changes are mirrored into relay status and published to
// subscribers as registry events (connected, disconnected, error), which
// telemetry and metrics consume without the registry knowing about them.
package relay
