package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is config.yaml for the CAN relay gateway. The relay network itself
// (bus transport, floors, device names) lives in the file named by
// Protocols.CANRelay.ConfigFile.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	History   HistoryConfig   `yaml:"history"`
	Security  SecurityConfig  `yaml:"security"`
}

// DatabaseConfig locates the SQLite relay history file.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// MQTTConfig is the broker the bridge publishes relay state to.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig addresses the broker. ClientID also names the
// gateway's retained status topic, so it must be unique per gateway.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials. Leave empty for anonymous.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig is the HTTP API for relay state, switching and history.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig enables HTTPS on the API.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig tunes the live relay event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// InfluxDBConfig is the optional relay telemetry sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LoggingConfig is passed to logging.New.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolsConfig holds the bridge switches.
type ProtocolsConfig struct {
	CANRelay CANRelayConfig `yaml:"canrelay"`
}

// CANRelayConfig enables the CAN relay bridge and points at its own
// config file (bridge identity, CAN transport, device names).
type CANRelayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConfigFile string `yaml:"config_file"`
}

// HistoryConfig contains relay state history settings.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long history rows are kept. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`
}

// SecurityConfig protects the mutating API routes.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds the HS256 signing secret.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load builds the configuration from defaults, then the YAML file at
// path, then GRAYLOGIC_* environment variables, and validates the result.
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

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/canrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-canrelay",
			},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Enabled:  true,
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Protocols: ProtocolsConfig{
			CANRelay: CANRelayConfig{Enabled: true, ConfigFile: "./configs/canrelay.yaml"},
		},
		History: HistoryConfig{Enabled: true, RetentionDays: 90},
	}
}

// envOverrides maps GRAYLOGIC_* variables onto string settings. Secrets
// belong here rather than in config.yaml.
var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"GRAYLOGIC_DATABASE_PATH", func(c *Config) *string { return &c.Database.Path }},
	{"GRAYLOGIC_MQTT_HOST", func(c *Config) *string { return &c.MQTT.Broker.Host }},
	{"GRAYLOGIC_MQTT_CLIENT_ID", func(c *Config) *string { return &c.MQTT.Broker.ClientID }},
	{"GRAYLOGIC_MQTT_USERNAME", func(c *Config) *string { return &c.MQTT.Auth.Username }},
	{"GRAYLOGIC_MQTT_PASSWORD", func(c *Config) *string { return &c.MQTT.Auth.Password }},
	{"GRAYLOGIC_API_HOST", func(c *Config) *string { return &c.API.Host }},
	{"GRAYLOGIC_INFLUXDB_TOKEN", func(c *Config) *string { return &c.InfluxDB.Token }},
	{"GRAYLOGIC_CANRELAY_CONFIG_FILE", func(c *Config) *string { return &c.Protocols.CANRelay.ConfigFile }},
	{"GRAYLOGIC_JWT_SECRET", func(c *Config) *string { return &c.Security.JWT.Secret }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			*o.field(cfg) = v
		}
	}
}

// minJWTSecretLength is enforced whenever the API listens: anyone holding
// a forged token can switch relays.
const minJWTSecretLength = 32

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.Broker.ClientID != "", "mqtt.broker.client_id is required")
	check(!strings.ContainsAny(c.MQTT.Broker.ClientID, "/+#"), "mqtt.broker.client_id must not contain '/', '+' or '#'")
	check(!c.Protocols.CANRelay.Enabled || c.Protocols.CANRelay.ConfigFile != "",
		"protocols.canrelay.config_file is required when the bridge is enabled")
	check(c.History.RetentionDays >= 0, "history.retention_days must not be negative")

	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
		check(c.InfluxDB.Org != "" && c.InfluxDB.Bucket != "", "influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled {
		check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
		check(c.WebSocket.PingInterval > 0 && c.WebSocket.PongTimeout > 0,
			"websocket.ping_interval and websocket.pong_timeout must be positive")
		switch {
		case c.Security.JWT.Secret == "":
			errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
		case len(c.Security.JWT.Secret) < minJWTSecretLength:
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetHistoryRetention returns how long history is kept. Zero means forever.
func (c *Config) GetHistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}
