package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Lift Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Links     LinksConfig     `yaml:"links"`
	Relays    RelaysConfig    `yaml:"relays"`
	Robots    []RobotConfig   `yaml:"robots"`
	Elevator  ElevatorConfig  `yaml:"elevator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the inbound relay announce socket.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LinksConfig contains device link settings, one block per endpoint kind.
type LinksConfig struct {
	Relay RelayLinkConfig `yaml:"relay"`
	Robot RobotLinkConfig `yaml:"robot"`
}

// RelayLinkConfig tunes links to relay controllers.
type RelayLinkConfig struct {
	// Port is used when a relay announces an address without a port.
	Port             int           `yaml:"port"`
	Path             string        `yaml:"path"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ReconnectDelay is fixed; relay reconnection never gives up.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// HeartbeatTimeout of zero disables the liveness watchdog.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// RobotLinkConfig tunes links to robots.
type RobotLinkConfig struct {
	Port             int           `yaml:"port"`
	Path             string        `yaml:"path"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ReconnectStep grows linearly: attempt n waits n*ReconnectStep.
	ReconnectStep        time.Duration `yaml:"reconnect_step"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	Topics               []string      `yaml:"topics"`
}

// RelaysConfig contains relay registry settings.
type RelaysConfig struct {
	// TemplatesFile is an optional YAML file of relay templates imported
	// into the template store at startup.
	TemplatesFile string `yaml:"templates_file"`
}

// RobotConfig identifies one robot reachable over a robot link.
type RobotConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	// Port of zero uses links.robot.port.
	Port int `yaml:"port"`
}

// ElevatorConfig contains elevator sequencing settings.
type ElevatorConfig struct {
	HomeFloor       int           `yaml:"home_floor"`
	SecondsPerFloor int           `yaml:"seconds_per_floor"`
	DoorPulse       time.Duration `yaml:"door_pulse"`
	FloorPulse      time.Duration `yaml:"floor_pulse"`
	RobotSettle     time.Duration `yaml:"robot_settle"`
	DefaultWait     time.Duration `yaml:"default_wait"`
	Floors          []int         `yaml:"floors"`
}

// SchedulerConfig contains recurring task scheduler settings.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLIFT_SECTION_KEY
// For example: GRAYLIFT_DATABASE_PATH, GRAYLIFT_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Lift",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylift.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylift-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws/relay",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Links: LinksConfig{
			Relay: RelayLinkConfig{
				Port:             80,
				Path:             "/ws",
				CommandTimeout:   5 * time.Second,
				HandshakeTimeout: 10 * time.Second,
				ReconnectDelay:   5 * time.Second,
				HeartbeatTimeout: 90 * time.Second,
			},
			Robot: RobotLinkConfig{
				Port:                 8090,
				Path:                 "/ws/v2/topics",
				CommandTimeout:       30 * time.Second,
				HandshakeTimeout:     10 * time.Second,
				ReconnectStep:        5 * time.Second,
				MaxReconnectAttempts: 5,
				Topics: []string{
					"/map", "/tracked_pose", "/battery_state",
					"/planning_state", "/robot_status", "/error_state",
				},
			},
		},
		Elevator: ElevatorConfig{
			HomeFloor:       1,
			SecondsPerFloor: 5,
			DoorPulse:       time.Second,
			FloorPulse:      500 * time.Millisecond,
			RobotSettle:     2 * time.Second,
			DefaultWait:     5 * time.Second,
			Floors:          []int{1, 2, 3, 4},
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: time.Minute,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLIFT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLIFT_SITE_TIMEZONE"); v != "" {
		cfg.Site.Timezone = v
	}

	// Database
	if v := os.Getenv("GRAYLIFT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLIFT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLIFT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLIFT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLIFT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLIFT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLIFT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLIFT_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected so a single run reports every misconfiguration.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Links.Relay.CommandTimeout <= 0 {
		errs = append(errs, "links.relay.command_timeout must be positive")
	}
	if c.Links.Robot.CommandTimeout <= 0 {
		errs = append(errs, "links.robot.command_timeout must be positive")
	}
	if c.Links.Relay.ReconnectDelay <= 0 {
		errs = append(errs, "links.relay.reconnect_delay must be positive")
	}
	if c.Links.Robot.MaxReconnectAttempts < 1 {
		errs = append(errs, "links.robot.max_reconnect_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Robots))
	for i, r := range c.Robots {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Sprintf("robots[%d].id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Sprintf("robots[%d].id %q is duplicated", i, r.ID))
		}
		seen[r.ID] = true
		if r.Host == "" {
			errs = append(errs, fmt.Sprintf("robots[%d].host is required", i))
		}
	}

	if c.Elevator.SecondsPerFloor < 0 {
		errs = append(errs, "elevator.seconds_per_floor must not be negative")
	}
	if len(c.Elevator.Floors) == 0 {
		errs = append(errs, "elevator.floors must list at least one floor")
	}

	if c.Scheduler.Enabled && c.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.poll_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the site time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
