package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/graylift-core/internal/link"
)

// Relay actions accepted by ExecuteRelayAction.
const (
	// ActionSetRelay switches one output directly: params "relay" (function
	// name) and "state" (bool).
	ActionSetRelay = "set_relay"

	ActionOpenDoor      = "open_door"
	ActionCloseDoor     = "close_door"
	ActionSelectFloor   = "select_floor"
	ActionGoToFloor     = "go_to_floor"
	ActionEmergencyStop = "emergency_stop"
)

var elevatorActions = map[string]bool{
	ActionOpenDoor:      true,
	ActionCloseDoor:     true,
	ActionSelectFloor:   true,
	ActionGoToFloor:     true,
	ActionEmergencyStop: true,
}

// ActionExecutor runs elevator actions against one relay's link.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, r *Relay, l *link.Link, action string, params map[string]any) error
}

// ScopeKind selects which association a dispatch fans out over.
type ScopeKind string

// Dispatch scopes.
const (
	ScopeRobot    ScopeKind = "robot"
	ScopeBuilding ScopeKind = "building"
)

// Scope names the relays an action is sent to.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// RobotScope targets the relays associated with a robot.
func RobotScope(robotID string) Scope { return Scope{Kind: ScopeRobot, ID: robotID} }

// BuildingScope targets the relays grouped under a building.
func BuildingScope(buildingID string) Scope { return Scope{Kind: ScopeBuilding, ID: buildingID} }

// ActionResult reports the outcome of an action on one relay.
type ActionResult struct {
	RelayID string `json:"relay_id"`
	Skipped bool   `json:"skipped,omitempty"`
	Err     error  `json:"-"`
}

// ExecuteRelayAction fans an action out to every elevator relay in scope.
// Relays with an address but no live link are connected first; relays
// still without an address are skipped. A failure on one relay is logged
// and does not stop the others. An error is returned only when no relay
// carried out the action.
func (r *Registry) ExecuteRelayAction(ctx context.Context, scope Scope, action string, params map[string]any) ([]ActionResult, error) {
	if action != ActionSetRelay && !elevatorActions[action] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if elevatorActions[action] && r.executor == nil {
		return nil, ErrNoExecutor
	}

	var candidates []Relay
	switch scope.Kind {
	case ScopeRobot:
		candidates = r.RelaysForRobot(scope.ID)
	case ScopeBuilding:
		candidates = r.RelaysForBuilding(scope.ID)
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRelay, scope.Kind)
	}

	var targets []Relay
	for _, rec := range candidates {
		if !rec.IsElevator() {
			continue
		}
		if len(rec.Capabilities) > 0 && action != ActionSetRelay && !rec.HasCapability(action) {
			r.logger.Debug("relay lacks capability, skipping", "relay_id", rec.ID, "action", action)
			continue
		}
		targets = append(targets, rec)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoRelaysInScope, scope.Kind, scope.ID)
	}

	results := make([]ActionResult, 0, len(targets))
	var errs []error
	succeeded := 0
	for i := range targets {
		rec := &targets[i]
		res := r.executeOn(ctx, rec, action, params)
		results = append(results, res)
		switch {
		case res.Skipped:
		case res.Err != nil:
			errs = append(errs, fmt.Errorf("relay %s: %w", rec.ID, res.Err))
		default:
			succeeded++
		}
	}

	if succeeded == 0 {
		if len(errs) == 0 {
			return results, fmt.Errorf("%w: no relay in %s %s has an address", ErrNoRelaysInScope, scope.Kind, scope.ID)
		}
		return results, fmt.Errorf("%s failed on every relay: %w", action, errors.Join(errs...))
	}
	return results, nil
}

func (r *Registry) executeOn(ctx context.Context, rec *Relay, action string, params map[string]any) ActionResult {
	res := ActionResult{RelayID: rec.ID}

	if !rec.HasAddress() {
		r.logger.Warn("relay has no address, skipping action", "relay_id", rec.ID, "action", action)
		res.Skipped = true
		return res
	}

	l, ok := r.Link(rec.ID)
	if !ok || !l.IsConnected() {
		if err := r.ConnectToRelay(ctx, rec.ID); err != nil {
			res.Err = err
			r.actionFailed(rec, action, err)
			return res
		}
		// The relay may have been removed, or lost its address, since the
		// scope snapshot was taken.
		if l, ok = r.Link(rec.ID); !ok {
			res.Err = fmt.Errorf("%w: %s", ErrRelayNotFound, rec.ID)
			r.actionFailed(rec, action, res.Err)
			return res
		}
	}

	var err error
	switch action {
	case ActionSetRelay:
		_, err = l.Send(ctx, ActionSetRelay, params)
	default:
		err = r.executor.ExecuteAction(ctx, rec, l, action, params)
	}
	if err != nil {
		res.Err = err
		r.actionFailed(rec, action, err)
		return res
	}

	r.logger.Debug("relay action executed", "relay_id", rec.ID, "action", action)
	return res
}

func (r *Registry) actionFailed(rec *Relay, action string, err error) {
	r.logger.Error("relay action failed", "relay_id", rec.ID, "action", action, "error", err)
	r.publish(Event{Kind: EventActionFailed, RelayID: rec.ID, Relay: rec.DeepCopy(), Action: action, Err: err})
}
