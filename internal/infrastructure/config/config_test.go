package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_GatewayConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/var/lib/graylogic/canrelay.db"
mqtt:
  broker:
    host: "broker.lan"
    client_id: "canrelay-plant-room"
  qos: 1
api:
  port: 8080
influxdb:
  enabled: true
  url: "http://influx.lan:8086"
  org: "graylogic"
  bucket: "relays"
protocols:
  canrelay:
    config_file: "/etc/graylogic/canrelay.yaml"
history:
  retention_days: 30
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name, got, want string
	}{
		{"Database.Path", cfg.Database.Path, "/var/lib/graylogic/canrelay.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "broker.lan"},
		{"MQTT.Broker.ClientID", cfg.MQTT.Broker.ClientID, "canrelay-plant-room"},
		{"InfluxDB.Bucket", cfg.InfluxDB.Bucket, "relays"},
		{"Protocols.CANRelay.ConfigFile", cfg.Protocols.CANRelay.ConfigFile, "/etc/graylogic/canrelay.yaml"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}

	// Unset keys keep their defaults.
	if cfg.MQTT.Broker.Port != 1883 || !cfg.Protocols.CANRelay.Enabled || cfg.WebSocket.PingInterval != 30 {
		t.Errorf("defaults lost: port=%d bridge=%v ping=%d",
			cfg.MQTT.Broker.Port, cfg.Protocols.CANRelay.Enabled, cfg.WebSocket.PingInterval)
	}
	if got := cfg.GetHistoryRetention(); got != 30*24*time.Hour {
		t.Errorf("GetHistoryRetention() = %v, want 720h", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantMsg string
	}{
		{"missing file", func(*testing.T) string { return "/nonexistent/config.yaml" }, "reading config file"},
		{"bad yaml", func(t *testing.T) string { return writeConfig(t, "mqtt: [broker") }, "parsing config file"},
		{"no jwt secret", func(t *testing.T) string { return writeConfig(t, "api:\n  port: 8080\n") }, "security.jwt.secret is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Security.JWT.Secret = validJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults with secret", func(*Config) {}, false},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, true},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"missing client id", func(c *Config) { c.MQTT.Broker.ClientID = "" }, true},
		{"client id with topic separator", func(c *Config) { c.MQTT.Broker.ClientID = "canrelay/1" }, true},
		{"invalid port low", func(c *Config) { c.API.Port = 0 }, true},
		{"invalid port high", func(c *Config) { c.API.Port = 70000 }, true},
		{"zero ping interval", func(c *Config) { c.WebSocket.PingInterval = 0 }, true},
		{"missing JWT secret", func(c *Config) { c.Security.JWT.Secret = "" }, true},
		{"JWT secret too short", func(c *Config) { c.Security.JWT.Secret = "short" }, true},
		{"API disabled skips API checks", func(c *Config) {
			c.API = APIConfig{Enabled: false}
			c.WebSocket = WebSocketConfig{}
			c.Security.JWT.Secret = ""
		}, false},
		{"bridge without config file", func(c *Config) { c.Protocols.CANRelay.ConfigFile = "" }, true},
		{"bridge disabled without config file", func(c *Config) {
			c.Protocols.CANRelay = CANRelayConfig{Enabled: false}
		}, false},
		{"influxdb without bucket", func(c *Config) {
			c.InfluxDB = InfluxDBConfig{Enabled: true, URL: "http://influx:8086", Org: "graylogic"}
		}, true},
		{"influxdb disabled without url", func(c *Config) { c.InfluxDB = InfluxDBConfig{} }, false},
		{"negative retention", func(c *Config) { c.History.RetentionDays = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.Path = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"database.path", "mqtt.qos", "security.jwt.secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_CLIENT_ID", "canrelay-east")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_CANRELAY_CONFIG_FILE", "/etc/canrelay.yaml")
	t.Setenv("GRAYLOGIC_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	checks := []struct {
		name, got, want string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Broker.ClientID", cfg.MQTT.Broker.ClientID, "canrelay-east"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Protocols.CANRelay.ConfigFile", cfg.Protocols.CANRelay.ConfigFile, "/etc/canrelay.yaml"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnvOverrides_EmptyKeepsFile(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_MQTT_CLIENT_ID", "")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.ClientID != "graylogic-canrelay" {
		t.Errorf("ClientID = %q, want default", cfg.MQTT.Broker.ClientID)
	}
}
