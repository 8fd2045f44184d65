package schedule

import "errors"

// Domain errors for the schedule package.
var (
	// ErrDefinitionNotFound is returned when a definition ID does not exist.
	ErrDefinitionNotFound = errors.New("schedule: definition not found")

	// ErrInvalidDefinition is returned when a definition fails validation.
	ErrInvalidDefinition = errors.New("schedule: invalid definition")

	// ErrMalformedDefinition marks stored rows that could not be decoded.
	// Scans skip them.
	ErrMalformedDefinition = errors.New("schedule: malformed stored definition")

	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("schedule: already running")
)
