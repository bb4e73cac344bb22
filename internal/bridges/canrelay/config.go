package canrelay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported CAN transports.
const (
	TransportSLCAN     = "slcan"
	TransportSocketCAN = "socketcan"
	TransportSimulator = "simulator"
)

// Config is the root configuration for the CAN relay bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig   `yaml:"bridge"`
	CAN     CANSettings    `yaml:"can"`
	Devices []DeviceConfig `yaml:"devices"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// RefreshInterval is how often the cache is re-scanned (seconds).
	// 0 disables periodic refresh.
	// Default: 300 seconds.
	RefreshInterval int `yaml:"refresh_interval"`

	// ReconnectInterval is the initial delay before reconnecting after the
	// relay network goes offline (seconds). Doubles up to 2 minutes.
	// Default: 5 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// CANSettings selects and tunes the CAN transport.
type CANSettings struct {
	// Transport is slcan, socketcan or simulator.
	// Default: slcan
	Transport string `yaml:"transport"`

	// Port is the serial device for slcan or the interface for socketcan.
	// Default: /dev/ttyACM0
	Port string `yaml:"port"`

	// Floors is the number of floors scanned during discovery.
	// Default: 2
	Floors int `yaml:"floors"`

	// ReplyTimeoutMS bounds each discovery query (milliseconds).
	// Default: 500
	ReplyTimeoutMS int `yaml:"reply_timeout_ms"`

	// ReadyTimeoutMS bounds the wait for the adapter to come up (milliseconds).
	// Default: 5000
	ReadyTimeoutMS int `yaml:"ready_timeout_ms"`
}

// DeviceConfig names a relay node with a Gray Logic device identifier.
// Nodes without an entry are published under a derived ID.
type DeviceConfig struct {
	// DeviceID is the Gray Logic device identifier.
	DeviceID string `yaml:"device_id"`

	// Node is the relay node ID, e.g. "0x15".
	Node string `yaml:"node"`

	// Name is a human-readable label used in discovery announcements.
	Name string `yaml:"name"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CANRELAY_BRIDGE_SECTION_KEY
// For example: CANRELAY_BRIDGE_CAN_PORT, CANRELAY_BRIDGE_CAN_TRANSPORT
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

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

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:                "canrelay-bridge-01",
			HealthInterval:    30,
			RefreshInterval:   300,
			ReconnectInterval: 5,
		},
		CAN: CANSettings{
			Transport:      TransportSLCAN,
			Port:           "/dev/ttyACM0",
			Floors:         MaxFloors,
			ReplyTimeoutMS: 500,
			ReadyTimeoutMS: 5000,
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANRELAY_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("CANRELAY_BRIDGE_CAN_TRANSPORT"); v != "" {
		cfg.CAN.Transport = v
	}
	if v := os.Getenv("CANRELAY_BRIDGE_CAN_PORT"); v != "" {
		cfg.CAN.Port = v
	}
	if v := os.Getenv("CANRELAY_BRIDGE_CAN_FLOORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CAN.Floors = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateCAN()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.RefreshInterval < 0 {
		errs = append(errs, "bridge.refresh_interval must not be negative")
	}
	if c.Bridge.ReconnectInterval < 1 {
		errs = append(errs, "bridge.reconnect_interval must be at least 1 second")
	}
	return errs
}

func (c *Config) validateCAN() []string {
	var errs []string
	switch c.CAN.Transport {
	case TransportSLCAN, TransportSocketCAN, TransportSimulator:
	default:
		errs = append(errs, fmt.Sprintf("can.transport %q is invalid (use slcan, socketcan, or simulator)", c.CAN.Transport))
	}
	if c.CAN.Port == "" && c.CAN.Transport != TransportSimulator {
		errs = append(errs, "can.port is required")
	}
	if c.CAN.Floors < 1 || c.CAN.Floors > MaxFloors {
		errs = append(errs, fmt.Sprintf("can.floors must be between 1 and %d", MaxFloors))
	}
	if c.CAN.ReplyTimeoutMS < 1 {
		errs = append(errs, "can.reply_timeout_ms must be at least 1")
	}
	if c.CAN.ReadyTimeoutMS < 1 {
		errs = append(errs, "can.ready_timeout_ms must be at least 1")
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	deviceIDs := make(map[string]bool)
	nodes := make(map[int]bool)

	for i, dev := range c.Devices {
		if dev.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is required", i))
		} else if deviceIDs[dev.DeviceID] {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id %q is duplicate", i, dev.DeviceID))
		}
		deviceIDs[dev.DeviceID] = true

		nodeID, err := ParseNodeID(dev.Node)
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].node %q is invalid: %v", i, dev.Node, err))
			continue
		}
		if nodes[nodeID] {
			errs = append(errs, fmt.Sprintf("devices[%d].node %q is duplicate", i, dev.Node))
		}
		nodes[nodeID] = true
	}

	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetRefreshInterval returns the periodic refresh interval. Zero disables it.
func (c *Config) GetRefreshInterval() time.Duration {
	return time.Duration(c.Bridge.RefreshInterval) * time.Second
}

// GetReconnectInterval returns the initial reconnect delay.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Bridge.ReconnectInterval) * time.Second
}

// ToAccessOptions converts CAN settings to options for NewAccess.
func (c *Config) ToAccessOptions() AccessOptions {
	return AccessOptions{
		Floors:       c.CAN.Floors,
		ReplyTimeout: time.Duration(c.CAN.ReplyTimeoutMS) * time.Millisecond,
		ReadyTimeout: time.Duration(c.CAN.ReadyTimeoutMS) * time.Millisecond,
	}
}

// BuildDeviceIndex creates lookup maps between node IDs and device IDs.
// Entries that fail to parse are skipped; Validate reports them.
func (c *Config) BuildDeviceIndex() (nodeToDevice map[int]DeviceConfig, deviceToNode map[string]int) {
	nodeToDevice = make(map[int]DeviceConfig, len(c.Devices))
	deviceToNode = make(map[string]int, len(c.Devices))

	for _, dev := range c.Devices {
		nodeID, err := ParseNodeID(dev.Node)
		if err != nil {
			continue
		}
		nodeToDevice[nodeID] = dev
		deviceToNode[dev.DeviceID] = nodeID
	}

	return nodeToDevice, deviceToNode
}
