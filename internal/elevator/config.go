package elevator

import (
	"slices"
	"time"
)

// Default timings, matching the relay boards in service.
const (
	defaultHomeFloor      = 1
	defaultTravelPerFloor = 5 * time.Second
	defaultDoorPulse      = time.Second
	defaultFloorPulse     = 500 * time.Millisecond
	defaultRobotSettle    = 2 * time.Second
	defaultWait           = 5 * time.Second

	// releaseTimeout bounds the best-effort "off" sent when a pulse is
	// interrupted.
	releaseTimeout = 2 * time.Second
)

// Config tunes an orchestrator. Zero durations take the defaults above.
type Config struct {
	HomeFloor int
	// Floors restricts selectable floors. Empty allows any floor >= 0.
	Floors []int

	TravelPerFloor time.Duration
	DoorPulse      time.Duration
	FloorPulse     time.Duration
	RobotSettle    time.Duration
	DefaultWait    time.Duration

	// Detector decides when a moving elevator has arrived. Nil uses
	// OutputReleaseDetector.
	Detector ArrivalDetector
}

func (c Config) withDefaults() Config {
	if c.HomeFloor == 0 {
		c.HomeFloor = defaultHomeFloor
	}
	if c.TravelPerFloor <= 0 {
		c.TravelPerFloor = defaultTravelPerFloor
	}
	if c.DoorPulse <= 0 {
		c.DoorPulse = defaultDoorPulse
	}
	if c.FloorPulse <= 0 {
		c.FloorPulse = defaultFloorPulse
	}
	if c.RobotSettle <= 0 {
		c.RobotSettle = defaultRobotSettle
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = defaultWait
	}
	if c.Detector == nil {
		c.Detector = OutputReleaseDetector{}
	}
	c.Floors = slices.Clone(c.Floors)
	return c
}

func (c Config) validFloor(floor int) bool {
	if len(c.Floors) == 0 {
		return floor >= 0
	}
	return slices.Contains(c.Floors, floor)
}
