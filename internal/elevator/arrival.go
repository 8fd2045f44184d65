package elevator

import (
	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
)

// ArrivalDetector decides whether a relay event means a moving elevator
// has reached its target floor. It is consulted only while the state is
// moving with a target, and only for events that did not already change
// the state.
type ArrivalDetector interface {
	Arrived(st State, ev link.Event, channels relay.ChannelMap) bool
}

// OutputReleaseDetector treats a snapshot with every floor output released
// as arrival. Relay boards that latch the call button until the car
// arrives report arrival this way.
type OutputReleaseDetector struct{}

// Arrived implements ArrivalDetector.
func (OutputReleaseDetector) Arrived(st State, ev link.Event, channels relay.ChannelMap) bool {
	if st.Status != StatusMoving || st.TargetFloor == nil {
		return false
	}
	if ev.Kind != link.EventStateSnapshot || ev.Snapshot == nil {
		return false
	}
	for idx, on := range ev.Snapshot.Outputs {
		if !on {
			continue
		}
		if _, isFloor := parseFloorFunction(channels[idx].Function); isFloor {
			return false
		}
	}
	return true
}

// FloorSensorDetector reports arrival when the landing sensor of the
// target floor goes high. Sensors maps input index to floor.
type FloorSensorDetector struct {
	Sensors map[int]int
}

// Arrived implements ArrivalDetector.
func (d FloorSensorDetector) Arrived(st State, ev link.Event, _ relay.ChannelMap) bool {
	if st.Status != StatusMoving || st.TargetFloor == nil {
		return false
	}
	target := *st.TargetFloor

	switch ev.Kind {
	case link.EventInputChanged:
		if ev.Input == nil || !ev.Input.State {
			return false
		}
		floor, ok := d.Sensors[ev.Input.Index]
		return ok && floor == target
	case link.EventStateSnapshot:
		if ev.Snapshot == nil {
			return false
		}
		for idx, high := range ev.Snapshot.Inputs {
			if floor, ok := d.Sensors[idx]; ok && high && floor == target {
				return true
			}
		}
	}
	return false
}
