package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/relay"
	"github.com/nerrad567/graylift-core/internal/schedule"
)

// RelayView is a relay record with its live link statistics.
type RelayView struct {
	relay.Relay
	Link *link.Stats `json:"link,omitempty"`
}

// handleListRelays returns every relay, optionally filtered by robot_id,
// template_id or building_id.
func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var relays []relay.Relay
	switch {
	case q.Get("robot_id") != "":
		relays = s.registry.RelaysForRobot(q.Get("robot_id"))
	case q.Get("template_id") != "":
		relays = s.registry.RelaysForTemplate(q.Get("template_id"))
	case q.Get("building_id") != "":
		relays = s.registry.RelaysForBuilding(q.Get("building_id"))
	default:
		relays = s.registry.ListRelays()
	}

	views := make([]RelayView, 0, len(relays))
	for i := range relays {
		views = append(views, s.relayView(&relays[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relays": views,
		"count":  len(views),
	})
}

// handleRelayStats returns registry statistics.
func (s *Server) handleRelayStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Statistics())
}

// handleGetRelay returns one relay.
func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.registry.GetRelay(r.Context(), id)
	if err != nil {
		if errors.Is(err, relay.ErrRelayNotFound) {
			writeNotFound(w, "relay not found")
			return
		}
		s.logger.Error("relay lookup failed", "relay_id", id, "error", err)
		writeInternalError(w, "relay lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, s.relayView(rec))
}

func (s *Server) relayView(rec *relay.Relay) RelayView {
	v := RelayView{Relay: *rec}
	if l, ok := s.registry.Link(rec.ID); ok {
		st := l.Stats()
		v.Link = &st
	}
	return v
}

// ElevatorView is an elevator's state with its floor waypoints.
type ElevatorView struct {
	elevator.State
	Waypoints map[int]elevator.FloorWaypoints `json:"waypoints,omitempty"`
}

// handleListElevators returns the state of every attached elevator.
func (s *Server) handleListElevators(w http.ResponseWriter, _ *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "elevator fleet not configured")
		return
	}
	states := s.fleet.States()
	writeJSON(w, http.StatusOK, map[string]any{
		"elevators": states,
		"count":     len(states),
	})
}

// handleGetElevator returns one elevator's state. ?floors=a,b adds the
// waypoints used on those floors.
func (s *Server) handleGetElevator(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "elevator fleet not configured")
		return
	}
	id := chi.URLParam(r, "id")
	o, ok := s.fleet.Get(id)
	if !ok {
		writeNotFound(w, "elevator not found")
		return
	}

	view := ElevatorView{State: o.State()}
	if raw := r.URL.Query().Get("floors"); raw != "" {
		floors, err := parseFloors(raw)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		view.Waypoints = make(map[int]elevator.FloorWaypoints, len(floors))
		for _, f := range floors {
			view.Waypoints[f] = o.Waypoints(f)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleListRobots returns every configured robot's status.
func (s *Server) handleListRobots(w http.ResponseWriter, _ *http.Request) {
	if s.robots == nil {
		writeUnavailable(w, "robots not configured")
		return
	}
	robots := s.robots.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"robots": robots,
		"count":  len(robots),
	})
}

// handleSchedulerStatus returns the recurring task scheduler status.
// ?template_id= adds that template's active definitions.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeUnavailable(w, "scheduler not configured")
		return
	}
	resp := map[string]any{"status": s.scheduler.Status()}
	if templateID := r.URL.Query().Get("template_id"); templateID != "" {
		defs, err := s.scheduler.List(r.Context(), templateID)
		if errors.Is(err, schedule.ErrMalformedDefinition) {
			s.logger.Warn("skipping malformed recurring tasks", "template_id", templateID, "error", err)
			err = nil
		}
		if err != nil {
			s.logger.Error("listing recurring tasks failed", "template_id", templateID, "error", err)
			writeInternalError(w, "listing recurring tasks failed")
			return
		}
		resp["definitions"] = defs
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFloors reads a comma-separated floor list.
func parseFloors(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	floors := make([]int, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid floor %q", p)
		}
		floors = append(floors, f)
	}
	return floors, nil
}
