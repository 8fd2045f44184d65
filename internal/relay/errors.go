package relay

import "errors"

// Domain errors for the relay package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, relay.ErrRelayNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRelayNotFound is returned when a relay ID does not exist.
	ErrRelayNotFound = errors.New("relay: not found")

	// ErrDuplicateRelay is returned when registering an ID that already exists.
	ErrDuplicateRelay = errors.New("relay: already registered")

	// ErrInvalidRelay is returned when a descriptor fails validation.
	ErrInvalidRelay = errors.New("relay: invalid")

	// ErrTemplateNotFound is returned when a template ID does not exist.
	ErrTemplateNotFound = errors.New("relay: template not found")

	// ErrNoTemplateStore is returned by template operations when the
	// registry was built without a template store.
	ErrNoTemplateStore = errors.New("relay: no template store configured")

	// ErrUnknownAction is returned for relay actions the registry cannot route.
	ErrUnknownAction = errors.New("relay: unknown action")

	// ErrNoExecutor is returned for elevator actions when no executor is wired.
	ErrNoExecutor = errors.New("relay: no action executor configured")

	// ErrNoRelaysInScope is returned when a dispatch scope has no
	// elevator-capable relays.
	ErrNoRelaysInScope = errors.New("relay: no elevator relays in scope")

	// ErrHeartbeatLost is the cause recorded when the watchdog drops a silent link.
	ErrHeartbeatLost = errors.New("relay: heartbeat lost")
)
