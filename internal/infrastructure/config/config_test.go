package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
  timezone: "Europe/London"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
links:
  relay:
    command_timeout: 3s
  robot:
    max_reconnect_attempts: 7
relays:
  templates_file: "/etc/graylift/templates.yaml"
robots:
  - id: "amr-01"
    host: "10.0.1.20"
elevator:
  seconds_per_floor: 4
  floors: [0, 1, 2]
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Links.Relay.CommandTimeout != 3*time.Second {
		t.Errorf("Links.Relay.CommandTimeout = %v, want 3s", cfg.Links.Relay.CommandTimeout)
	}
	if cfg.Links.Robot.MaxReconnectAttempts != 7 {
		t.Errorf("Links.Robot.MaxReconnectAttempts = %d, want 7", cfg.Links.Robot.MaxReconnectAttempts)
	}
	// Unset values keep their defaults.
	if cfg.Links.Robot.CommandTimeout != 30*time.Second {
		t.Errorf("Links.Robot.CommandTimeout = %v, want default 30s", cfg.Links.Robot.CommandTimeout)
	}
	if cfg.Elevator.SecondsPerFloor != 4 {
		t.Errorf("Elevator.SecondsPerFloor = %d, want 4", cfg.Elevator.SecondsPerFloor)
	}
	if len(cfg.Elevator.Floors) != 3 {
		t.Errorf("Elevator.Floors = %v, want 3 floors", cfg.Elevator.Floors)
	}
	if len(cfg.Robots) != 1 || cfg.Robots[0].Host != "10.0.1.20" {
		t.Errorf("Robots = %+v, want one robot at 10.0.1.20", cfg.Robots)
	}
	if cfg.Relays.TemplatesFile != "/etc/graylift/templates.yaml" {
		t.Errorf("Relays.TemplatesFile = %q", cfg.Relays.TemplatesFile)
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location() = %v, want Europe/London", cfg.Location())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GRAYLIFT_DATABASE_PATH", "/env/graylift.db")
	t.Setenv("GRAYLIFT_API_PORT", "9090")
	t.Setenv("GRAYLIFT_MQTT_HOST", "broker.local")

	cfg, err := Load(writeConfig(t, "site:\n  id: env-site\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/env/graylift.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want broker.local", cfg.MQTT.Broker.Host)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Site.Timezone = "Mars/Olympus" },
			wantErr: "site.timezone",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "zero relay timeout",
			mutate:  func(c *Config) { c.Links.Relay.CommandTimeout = 0 },
			wantErr: "links.relay.command_timeout",
		},
		{
			name:    "no robot reconnect attempts",
			mutate:  func(c *Config) { c.Links.Robot.MaxReconnectAttempts = 0 },
			wantErr: "links.robot.max_reconnect_attempts",
		},
		{
			name:    "no floors",
			mutate:  func(c *Config) { c.Elevator.Floors = nil },
			wantErr: "elevator.floors",
		},
		{
			name:    "robot without host",
			mutate:  func(c *Config) { c.Robots = []RobotConfig{{ID: "r1"}} },
			wantErr: "robots[0].host",
		},
		{
			name: "duplicate robot id",
			mutate: func(c *Config) {
				c.Robots = []RobotConfig{{ID: "r1", Host: "a"}, {ID: "r1", Host: "b"}}
			},
			wantErr: `robots[1].id "r1" is duplicated`,
		},
		{
			name:    "scheduler without interval",
			mutate:  func(c *Config) { c.Scheduler.PollInterval = 0 },
			wantErr: "scheduler.poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want mention of %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_CollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want errors")
	}
	if !strings.Contains(err.Error(), "site.id") || !strings.Contains(err.Error(), "api.port") {
		t.Errorf("Validate() error = %q, want both problems reported", err)
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
}
