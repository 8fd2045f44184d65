package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/link"
)

// Movement command types understood by the robot.
const (
	MoveStandard      = "standard"
	MoveAlignWithRack = "align_with_rack"
	JackUp            = "jack_up"
	JackDown          = "jack_down"
)

// Topics published by the robot.
const (
	TopicMap           = "/map"
	TopicTrackedPose   = "/tracked_pose"
	TopicBatteryState  = "/battery_state"
	TopicPlanningState = "/planning_state"
	TopicRobotStatus   = "/robot_status"
	TopicErrorState    = "/error_state"
)

// DefaultTopics are subscribed on every connect unless Settings.Topics is set.
var DefaultTopics = []string{
	TopicMap, TopicTrackedPose, TopicBatteryState,
	TopicPlanningState, TopicRobotStatus, TopicErrorState,
}

// Logger defines the logging interface used by robot clients.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MotionOptions are the motion limits sent with a standard move.
type MotionOptions struct {
	MaxTransVel  float64
	MaxRotVel    float64
	AccLimX      float64
	AccLimTheta  float64
	PlanningMode string
}

// DefaultMotion is used by MoveTo.
var DefaultMotion = MotionOptions{
	MaxTransVel:  0.5,
	MaxRotVel:    0.5,
	AccLimX:      0.5,
	AccLimTheta:  0.5,
	PlanningMode: "directional",
}

func (m MotionOptions) properties() map[string]any {
	d := DefaultMotion
	if m.MaxTransVel > 0 {
		d.MaxTransVel = m.MaxTransVel
	}
	if m.MaxRotVel > 0 {
		d.MaxRotVel = m.MaxRotVel
	}
	if m.AccLimX > 0 {
		d.AccLimX = m.AccLimX
	}
	if m.AccLimTheta > 0 {
		d.AccLimTheta = m.AccLimTheta
	}
	if m.PlanningMode != "" {
		d.PlanningMode = m.PlanningMode
	}
	return map[string]any{
		"max_trans_vel": d.MaxTransVel,
		"max_rot_vel":   d.MaxRotVel,
		"acc_lim_x":     d.AccLimX,
		"acc_lim_theta": d.AccLimTheta,
		"planning_mode": d.PlanningMode,
	}
}

// Settings configure robot links.
type Settings struct {
	Port             int
	Path             string
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReconnectStep grows linearly per attempt; MaxReconnectAttempts of
	// zero retries forever.
	ReconnectStep        time.Duration
	MaxReconnectAttempts int
	Topics               []string

	Dialer   link.Dialer
	Logger   Logger
	Observer link.Observer
}

// Address builds the WebSocket URL for a robot host.
func (s Settings) Address(host string, port int) string {
	if port == 0 {
		port = s.Port
	}
	if _, _, err := net.SplitHostPort(host); err != nil && port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	path := s.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + host + path
}

// Pose is the robot's last reported position.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Status summarises a robot.
type Status struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Connected bool      `json:"connected"`
	Pose      *Pose     `json:"pose,omitempty"`
	Battery   *float64  `json:"battery,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Client controls one robot over a robot link. It implements
// elevator.Mover.
type Client struct {
	id     string
	link   *link.Link
	logger Logger

	mu      sync.RWMutex
	pose    *Pose
	battery *float64
}

var _ elevator.Mover = (*Client)(nil)

// NewClient creates an unconnected client for the robot at address.
func NewClient(id, address string, s Settings) *Client {
	topics := s.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	logger := s.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	c := &Client{id: id, logger: logger}
	c.link = link.New(link.Config{
		Endpoint:         id,
		Address:          address,
		Codec:            link.RobotCodec{Topics: topics},
		Dialer:           s.Dialer,
		CommandTimeout:   s.CommandTimeout,
		HandshakeTimeout: s.HandshakeTimeout,
		Reconnect:        link.LinearBackoff{Step: s.ReconnectStep, MaxAttempts: s.MaxReconnectAttempts},
		Logger:           logger,
		Observer:         s.Observer,
	})
	c.link.Subscribe(c.handleEvent)
	return c
}

// ID returns the robot ID.
func (c *Client) ID() string { return c.id }

// Link exposes the underlying link for event subscription.
func (c *Client) Link() *link.Link { return c.link }

// Connect opens the link and subscribes to the robot's topics.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.link.Open(ctx); err != nil {
		return fmt.Errorf("connecting robot %s: %w", c.id, err)
	}
	return nil
}

// Close disconnects permanently.
func (c *Client) Close() error {
	return c.link.Close()
}

// MoveTo drives to a waypoint with the default motion limits and returns
// when the robot reports the move done.
func (c *Client) MoveTo(ctx context.Context, wp elevator.Waypoint) error {
	return c.MoveWithOptions(ctx, wp, DefaultMotion)
}

// MoveWithOptions drives to a waypoint with explicit motion limits.
func (c *Client) MoveWithOptions(ctx context.Context, wp elevator.Waypoint, opts MotionOptions) error {
	params := target(wp)
	params["properties"] = opts.properties()
	return c.command(ctx, MoveStandard, params)
}

// AlignWithRack docks under the rack at wp.
func (c *Client) AlignWithRack(ctx context.Context, wp elevator.Waypoint) error {
	return c.command(ctx, MoveAlignWithRack, target(wp))
}

// JackUp lifts a docked rack.
func (c *Client) JackUp(ctx context.Context) error {
	return c.command(ctx, JackUp, nil)
}

// JackDown lowers the rack.
func (c *Client) JackDown(ctx context.Context) error {
	return c.command(ctx, JackDown, nil)
}

func (c *Client) command(ctx context.Context, kind string, params map[string]any) error {
	c.logger.Debug("robot command", "robot_id", c.id, "type", kind)
	if _, err := c.link.Send(ctx, kind, params); err != nil {
		return fmt.Errorf("robot %s %s: %w", c.id, kind, err)
	}
	return nil
}

func target(wp elevator.Waypoint) map[string]any {
	return map[string]any{
		"target_x":   wp.X,
		"target_y":   wp.Y,
		"target_ori": wp.Theta,
	}
}

// Status returns the robot's connection and last reported telemetry.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ID:        c.id,
		Address:   c.link.Address(),
		Connected: c.link.IsConnected(),
		LastSeen:  c.link.LastSeen(),
	}
	if c.pose != nil {
		p := *c.pose
		st.Pose = &p
	}
	if c.battery != nil {
		b := *c.battery
		st.Battery = &b
	}
	return st
}

// topicMessage covers the fields read from pose and battery topics.
type topicMessage struct {
	Pos        []float64 `json:"pos"`
	Ori        float64   `json:"ori"`
	Percentage *float64  `json:"percentage"`
}

func (c *Client) handleEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventConnected:
		c.logger.Info("robot connected", "robot_id", c.id)
	case link.EventReconnectExhausted:
		c.logger.Error("robot unreachable", "robot_id", c.id, "error", ev.Err)
	case link.EventStateSnapshot:
		if ev.Snapshot == nil {
			return
		}
		c.applyTopic(ev.Snapshot.Topic, ev.Snapshot.Data)
	}
}

func (c *Client) applyTopic(topic string, data json.RawMessage) {
	if topic != TopicTrackedPose && topic != TopicBatteryState {
		return
	}
	var msg topicMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("unreadable robot topic", "robot_id", c.id, "topic", topic, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch topic {
	case TopicTrackedPose:
		if len(msg.Pos) >= 2 {
			c.pose = &Pose{X: msg.Pos[0], Y: msg.Pos[1], Theta: msg.Ori}
		}
	case TopicBatteryState:
		if msg.Percentage != nil {
			b := *msg.Percentage
			c.battery = &b
		}
	}
}
