package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/graylift-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/graylift-core/internal/link"
)

// CommandRecorder stores link command round-trips, implemented by
// *influxdb.Client.
type CommandRecorder interface {
	WriteCommandResult(endpoint, command string, elapsed time.Duration, ok bool, at time.Time)
}

var _ CommandRecorder = (*influxdb.Client)(nil)

// CommandLog is a link.Observer that writes every settled command to a
// CommandRecorder. Cancelled commands are not recorded.
type CommandLog struct {
	rec CommandRecorder
	now func() time.Time
}

var _ link.Observer = (*CommandLog)(nil)

// NewCommandLog creates a command log writing to rec.
func NewCommandLog(rec CommandRecorder) *CommandLog {
	return &CommandLog{rec: rec, now: time.Now}
}

// CommandSettled implements link.Observer.
func (c *CommandLog) CommandSettled(endpoint, command string, elapsed time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.rec.WriteCommandResult(endpoint, command, elapsed, err == nil, c.now())
}

// PendingChanged implements link.Observer.
func (*CommandLog) PendingChanged(string, int) {}

// ReconnectAttempt implements link.Observer.
func (*CommandLog) ReconnectAttempt(string, int) {}
