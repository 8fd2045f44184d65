// Package api provides the HTTP status API and WebSocket endpoints for
// GrayLift Core.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/graylift-core/internal/audit"
	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/infrastructure/config"
	"github.com/nerrad567/graylift-core/internal/infrastructure/logging"
	"github.com/nerrad567/graylift-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylift-core/internal/relay"
	"github.com/nerrad567/graylift-core/internal/robot"
	"github.com/nerrad567/graylift-core/internal/schedule"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Registry *relay.Registry

	// Optional. Missing components are reported as absent by the status
	// endpoints.
	Fleet     *elevator.Fleet
	Robots    *robot.Pool
	Scheduler *schedule.Scheduler
	Audit     audit.Repository
	MQTT      *mqtt.Client
	DB        *sql.DB
	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the HTTP API server for GrayLift Core.
//
// It manages the HTTP listener, routes, middleware, the UI event hub and
// the relay announce socket.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	registry  *relay.Registry
	fleet     *elevator.Fleet
	robots    *robot.Pool
	scheduler *schedule.Scheduler
	audit     audit.Repository
	mqtt      *mqtt.Client
	db        *sql.DB
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc
	unsubscribe []func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("relay registry is required")
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		registry:  deps.Registry,
		fleet:     deps.Fleet,
		robots:    deps.Robots,
		scheduler: deps.Scheduler,
		audit:     deps.Audit,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		gatherer:  gatherer,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the event hub, forwards registry and elevator events to
// subscribed WebSocket clients, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.unsubscribe = append(s.unsubscribe, s.registry.Subscribe(s.broadcastRelayEvent))
	if s.fleet != nil {
		s.unsubscribe = append(s.unsubscribe, s.fleet.Subscribe(s.broadcastElevatorEvent))
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
