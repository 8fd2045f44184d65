// Gray Lift Core - robot fleet elevator orchestration.
//
// This is the main entry point for the Gray Lift Core service. It keeps
// links to relay controllers and robots, sequences elevator rides for
// robots and enqueues recurring tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	_ "github.com/nerrad567/graylift-core/migrations"

	"github.com/nerrad567/graylift-core/internal/api"
	"github.com/nerrad567/graylift-core/internal/audit"
	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/infrastructure/config"
	"github.com/nerrad567/graylift-core/internal/infrastructure/database"
	"github.com/nerrad567/graylift-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/graylift-core/internal/infrastructure/logging"
	"github.com/nerrad567/graylift-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/graylift-core/internal/link"
	"github.com/nerrad567/graylift-core/internal/metrics"
	"github.com/nerrad567/graylift-core/internal/relay"
	"github.com/nerrad567/graylift-core/internal/robot"
	"github.com/nerrad567/graylift-core/internal/schedule"
	"github.com/nerrad567/graylift-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the configuration path when --config is not given.
const configEnv = "GRAYLIFT_CONFIG"

func main() {
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configFlag := flags.StringP("config", "c", "", "path to the configuration file (default $"+configEnv+" or "+defaultConfigPath+")")
	showVersion := flags.Bool("version", false, "print version information and exit")
	//nolint:errcheck // ExitOnError exits on parse failure
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("graylift %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, getConfigPath(*configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Lift Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	// InfluxDB is optional; link command results are recorded when enabled.
	var influxClient *influxdb.Client
	linkObserver := link.Observers{m}
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		linkObserver = append(linkObserver, telemetry.NewCommandLog(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	registry, err := startRelayRegistry(ctx, cfg, db, linkObserver, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing relay links")
		if closeErr := registry.Close(); closeErr != nil {
			log.Error("error closing relay registry", "error", closeErr)
		}
	}()

	fleet := elevator.NewFleet(elevator.Config{
		HomeFloor:      cfg.Elevator.HomeFloor,
		Floors:         cfg.Elevator.Floors,
		TravelPerFloor: time.Duration(cfg.Elevator.SecondsPerFloor) * time.Second,
		DoorPulse:      cfg.Elevator.DoorPulse,
		FloorPulse:     cfg.Elevator.FloorPulse,
		RobotSettle:    cfg.Elevator.RobotSettle,
		DefaultWait:    cfg.Elevator.DefaultWait,
	})
	fleet.SetLogger(log)
	defer fleet.Watch(registry)()
	registry.SetActionExecutor(fleet)

	robots := startRobots(ctx, cfg, linkObserver, log)
	defer func() {
		log.Info("closing robot links")
		if closeErr := robots.Close(); closeErr != nil {
			log.Error("error closing robot links", "error", closeErr)
		}
	}()
	fleet.SetMoverResolver(robots)

	defer m.WatchRegistry(registry)()
	defer m.WatchFleet(fleet)()

	auditRepo := audit.NewSQLiteRepository(db.DB)
	trail := audit.NewTrail(auditRepo)
	trail.SetLogger(log)
	trailCtx, stopTrail := context.WithCancel(context.WithoutCancel(ctx))
	go trail.Run(trailCtx)
	defer func() {
		stopTrail()
		<-trail.Done()
	}()
	defer trail.WatchRegistry(registry)()
	defer trail.WatchFleet(fleet)()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if mqttClient != nil || influxClient != nil {
		stopBridge, bridgeErr := startTelemetry(ctx, cfg, registry, fleet, mqttClient, influxClient, log)
		if bridgeErr != nil {
			return bridgeErr
		}
		defer stopBridge()
	}

	scheduler := schedule.New(
		schedule.NewSQLiteStore(db.DB),
		schedule.NewSQLiteQueue(db.DB),
		schedule.Config{PollInterval: cfg.Scheduler.PollInterval, Location: cfg.Location()},
	)
	scheduler.SetLogger(log)
	scheduler.SetObserver(m)
	if cfg.Scheduler.Enabled {
		if startErr := scheduler.Start(ctx); startErr != nil {
			return fmt.Errorf("starting scheduler: %w", startErr)
		}
		defer func() {
			log.Info("stopping scheduler")
			scheduler.Stop()
		}()
		log.Info("scheduler started", "poll_interval", cfg.Scheduler.PollInterval, "timezone", cfg.Site.Timezone)
	} else {
		log.Info("scheduler disabled")
	}

	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Registry:  registry,
		Fleet:     fleet,
		Robots:    robots,
		Scheduler: scheduler,
		Audit:     auditRepo,
		MQTT:      mqttClient,
		DB:        db.DB,
		Gatherer:  promRegistry,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse order, database last.
	log.Info("Gray Lift Core stopped")
	return nil
}

// getConfigPath returns the configuration file path: the --config flag,
// then GRAYLIFT_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// startRelayRegistry builds the relay registry, imports templates and
// loads the relay cache.
func startRelayRegistry(ctx context.Context, cfg *config.Config, db *database.DB, observer link.Observer, log *logging.Logger) (*relay.Registry, error) {
	templates := relay.NewSQLiteTemplateStore(db.DB)
	if path := cfg.Relays.TemplatesFile; path != "" {
		loaded, err := relay.LoadTemplatesFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading relay templates: %w", err)
		}
		if err := relay.ImportTemplates(ctx, templates, loaded); err != nil {
			return nil, fmt.Errorf("importing relay templates: %w", err)
		}
		log.Info("relay templates imported", "path", path, "templates", len(loaded))
	}

	registry := relay.NewRegistry(relay.NewSQLiteRepository(db.DB))
	registry.SetLogger(log)
	registry.SetTemplateStore(templates)
	registry.SetLinkFactory(relay.LinkSettings{
		Port:             cfg.Links.Relay.Port,
		Path:             cfg.Links.Relay.Path,
		CommandTimeout:   cfg.Links.Relay.CommandTimeout,
		HandshakeTimeout: cfg.Links.Relay.HandshakeTimeout,
		ReconnectDelay:   cfg.Links.Relay.ReconnectDelay,
		Logger:           log,
		Observer:         observer,
	})
	registry.SetHeartbeatTimeout(cfg.Links.Relay.HeartbeatTimeout)

	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading relay registry: %w", err)
	}
	registry.Start(ctx)
	log.Info("relay registry initialised", "relays", registry.Statistics().Total)
	return registry, nil
}

// startRobots connects every configured robot. Robots that cannot be
// reached keep retrying in the background.
func startRobots(ctx context.Context, cfg *config.Config, observer link.Observer, log *logging.Logger) *robot.Pool {
	endpoints := make([]robot.Endpoint, 0, len(cfg.Robots))
	for _, r := range cfg.Robots {
		endpoints = append(endpoints, robot.Endpoint{ID: r.ID, Host: r.Host, Port: r.Port})
	}
	pool := robot.NewPool(endpoints, robot.Settings{
		Port:                 cfg.Links.Robot.Port,
		Path:                 cfg.Links.Robot.Path,
		CommandTimeout:       cfg.Links.Robot.CommandTimeout,
		HandshakeTimeout:     cfg.Links.Robot.HandshakeTimeout,
		ReconnectStep:        cfg.Links.Robot.ReconnectStep,
		MaxReconnectAttempts: cfg.Links.Robot.MaxReconnectAttempts,
		Topics:               cfg.Links.Robot.Topics,
		Logger:               log,
		Observer:             observer,
	})
	if err := pool.ConnectAll(ctx); err != nil {
		log.Warn("some robots are unreachable", "error", err)
	}
	log.Info("robot links initialised", "robots", len(endpoints))
	return pool
}

// startTelemetry mirrors relay and elevator events to MQTT and InfluxDB
// and serves elevator commands from MQTT. Either client may be nil. The
// returned func stops the event mirroring.
func startTelemetry(ctx context.Context, cfg *config.Config, registry *relay.Registry, fleet *elevator.Fleet,
	mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (func(), error) {
	var pub telemetry.Publisher
	if mqttClient != nil {
		pub = mqttClient
	}
	var rec telemetry.Recorder
	if influxClient != nil {
		rec = influxClient
	}

	bridge := telemetry.New(pub, rec)
	bridge.SetLogger(log)
	bridge.SetCommandTimeout(cfg.Links.Robot.CommandTimeout * time.Duration(len(cfg.Elevator.Floors)+1))
	unwatchRelays := bridge.WatchRegistry(registry)
	unwatchFleet := bridge.WatchFleet(fleet)
	stop := func() {
		unwatchFleet()
		unwatchRelays()
	}

	if mqttClient != nil {
		if err := bridge.ServeCommands(ctx, mqttClient, fleet); err != nil {
			stop()
			return nil, fmt.Errorf("subscribing to elevator commands: %w", err)
		}
	}
	log.Info("telemetry bridge started", "mqtt", mqttClient != nil, "influxdb", influxClient != nil)
	return stop, nil
}

// healthCheck verifies infrastructure connections. Disabled clients are nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	var errs []error
	if err := db.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}
