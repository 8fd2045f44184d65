package elevator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GoToFloor carries a robot from the current floor to target:
//
//	open door, robot enters, close door, select target, travel,
//	open door, robot exits, close door
//
// With a nil mover the robot steps become the default wait. The first
// failing step aborts the rest, leaves the elevator in error and is
// returned. Cancelling ctx or calling EmergencyStop interrupts any step.
// Only one sequence runs per elevator at a time.
func (o *Orchestrator) GoToFloor(ctx context.Context, target int, mover Mover) error {
	if !o.cfg.validFloor(target) {
		return fmt.Errorf("%w: %d", ErrInvalidFloor, target)
	}
	if _, err := o.prepare(FloorFunction(target)); err != nil {
		return err
	}

	ctx, done, err := o.beginSequence(ctx)
	if err != nil {
		return err
	}
	defer done()

	from := o.State().CurrentFloor
	o.logger.Info("elevator sequence started", "relay_id", o.relayID, "from", from, "to", target)

	if err := o.runGoToFloor(ctx, from, target, mover); err != nil {
		// EmergencyStop raises its own fault.
		if !errors.Is(context.Cause(ctx), ErrEmergencyStop) {
			o.fail(err)
		}
		return fmt.Errorf("go to floor %d: %w", target, err)
	}

	o.logger.Info("elevator sequence completed", "relay_id", o.relayID, "floor", target)
	return nil
}

func (o *Orchestrator) runGoToFloor(ctx context.Context, from, target int, mover Mover) error {
	if err := o.OpenDoor(ctx); err != nil {
		return err
	}
	if err := o.robotStep(ctx, mover, o.Waypoints(from).Entrance); err != nil {
		return fmt.Errorf("robot entering: %w", err)
	}
	if err := o.CloseDoor(ctx); err != nil {
		return err
	}
	if err := o.SelectFloor(ctx, target); err != nil {
		return err
	}
	if err := o.travel(ctx, from, target); err != nil {
		return err
	}
	if err := o.OpenDoor(ctx); err != nil {
		return err
	}
	if err := o.robotStep(ctx, mover, o.Waypoints(target).Exit); err != nil {
		return fmt.Errorf("robot exiting: %w", err)
	}
	return o.CloseDoor(ctx)
}

// travel waits the estimated travel time, then commits arrival unless the
// arrival detector already did.
func (o *Orchestrator) travel(ctx context.Context, from, target int) error {
	o.mu.Lock()
	if o.state.CurrentFloor != target {
		st := o.transitionLocked(StatusMoving, &target)
		o.mu.Unlock()
		o.emit(Event{Kind: EventStateChanged, State: *st})
	} else {
		o.mu.Unlock()
	}

	floors := target - from
	if floors < 0 {
		floors = -floors
	}
	if err := sleep(ctx, time.Duration(floors)*o.cfg.TravelPerFloor); err != nil {
		return err
	}

	o.mu.Lock()
	if o.state.CurrentFloor == target && o.state.Status != StatusMoving {
		o.mu.Unlock()
		return nil
	}
	st := o.arriveLocked(target)
	o.mu.Unlock()

	o.emit(Event{Kind: EventStateChanged, State: *st})
	o.emit(Event{Kind: EventArrived, State: *st, Floor: target})
	return nil
}

// robotStep moves the robot to wp and lets it settle, or waits the default
// time when there is no robot to move.
func (o *Orchestrator) robotStep(ctx context.Context, mover Mover, wp Waypoint) error {
	if mover == nil {
		return sleep(ctx, o.cfg.DefaultWait)
	}
	if err := mover.MoveTo(ctx, wp); err != nil {
		return err
	}
	return sleep(ctx, o.cfg.RobotSettle)
}

// beginSequence claims the elevator for one sequence and derives a context
// that EmergencyStop can cancel.
func (o *Orchestrator) beginSequence(ctx context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelSeq != nil {
		return nil, nil, ErrBusy
	}

	seqCtx, cancel := context.WithCancelCause(ctx)
	o.seq++
	id := o.seq
	o.cancelSeq = cancel

	return context.WithValue(seqCtx, sequenceKey{}, id), func() {
		o.mu.Lock()
		if o.seq == id {
			o.cancelSeq = nil
		}
		o.mu.Unlock()
		cancel(nil)
	}, nil
}

// ExecuteStep runs one step of a robot task. The wait_for_robot_* steps
// move the robot to the entrance or exit of the current floor and then
// wait WaitTime.
func (o *Orchestrator) ExecuteStep(ctx context.Context, step Step, mover Mover) error {
	switch step.Action {
	case StepOpenDoor:
		return o.OpenDoor(ctx)
	case StepCloseDoor:
		return o.CloseDoor(ctx)
	case StepSelectFloor:
		return o.SelectFloor(ctx, step.Floor)
	case StepGoToFloor:
		return o.GoToFloor(ctx, step.Floor, mover)
	case StepWaitForRobotEnter, StepWaitForRobotExit:
		wait := step.WaitTime
		if wait <= 0 {
			wait = o.cfg.DefaultWait
		}
		if mover != nil {
			wp := o.Waypoints(o.State().CurrentFloor)
			target := wp.Entrance
			if step.Action == StepWaitForRobotExit {
				target = wp.Exit
			}
			if err := mover.MoveTo(ctx, target); err != nil {
				return fmt.Errorf("%s: %w", step, err)
			}
		}
		return sleep(ctx, wait)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStep, step.Action)
	}
}

// sequenceKey marks contexts derived by beginSequence.
type sequenceKey struct{}

func inSequence(ctx context.Context) bool {
	_, ok := ctx.Value(sequenceKey{}).(uint64)
	return ok
}

// EmergencyStop interrupts any running sequence and pulses the
// emergency-stop output when one is configured. The elevator stays in
// error until the next successful action. Without a connection it returns
// ErrNotConnected and leaves the elevator disconnected; a disabled output
// is reported after the fault is raised.
func (o *Orchestrator) EmergencyStop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancelSeq
	o.mu.Unlock()
	if cancel != nil {
		cancel(ErrEmergencyStop)
	}

	o.logger.Warn("elevator emergency stop", "relay_id", o.relayID, "sequence_running", cancel != nil)

	l, err := o.prepare(FunctionEmergencyStop)
	switch {
	case err == nil:
		err = o.pulse(ctx, l, FunctionEmergencyStop, o.cfg.DoorPulse)
	case errors.Is(err, ErrNotConnected):
		return err
	case errors.Is(err, ErrFunctionNotConfigured):
		err = nil
	}
	o.fail(ErrEmergencyStop)
	return err
}
