package canrelay

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the CAN relay
// bridge.

// Protocol is the protocol identifier used in topics and payloads.
const Protocol = "canrelay"

// CommandMessage is sent from Core to Bridge to switch a relay.
// Topic: graylogic/command/canrelay/{node}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier. When the topic carries
	// no node, the node is looked up from this ID.
	DeviceID string `json:"device_id"`

	// Command is "on", "off" or "toggle".
	Command string `json:"command"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command frame was written to the bus.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be sent.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/canrelay/{node}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when a relay changes state.
// Topic: graylogic/state/canrelay/{node}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports bridge operational status.
// Topic: graylogic/health/canrelay
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the CAN device state.
type ConnectionStatus struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Port      string `json:"port"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesIgnored  uint64 `json:"frames_ignored"`
	Timeouts       uint64 `json:"timeouts"`
	Errors         uint64 `json:"errors"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/canrelay/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of "refresh", "detect", "read_all", "read_state".
	Action string `json:"action"`

	// DeviceID selects the device for read_state.
	DeviceID string `json:"device_id,omitempty"`

	// Node selects the node for read_state when DeviceID is empty.
	Node string `json:"node,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/canrelay/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage announces the relay nodes found on the bus.
// Topic: graylogic/discovery/canrelay
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents a relay node found during discovery.
type DiscoveredDevice struct {
	Protocol      string   `json:"protocol"`
	Address       string   `json:"address"`
	DeviceID      string   `json:"device_id"`
	Type          string   `json:"type"`
	Capabilities  []string `json:"capabilities"`
	Floor         int      `json:"floor"`
	SuggestedName string   `json:"suggested_name,omitempty"`
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a relay node.
func NewStateMessage(deviceID string, nodeID int, on bool) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     map[string]any{"on": on},
		Protocol:  Protocol,
		Address:   FormatNodeID(nodeID),
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats AccessStats, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: stats.Nodes,
		Connection: &ConnectionStatus{
			Status: stats.Status.String(),
		},
		Statistics: &BridgeStatistics{
			FramesReceived: stats.FramesRx,
			FramesSent:     stats.FramesTx,
			FramesIgnored:  stats.FramesIgnored,
			Timeouts:       stats.Timeouts,
			Errors:         stats.SendErrors,
		},
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the MQTT topic for commands to a node.
// Example: graylogic/command/canrelay/0x15
func CommandTopic(address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, address)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, address)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, address)
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// RequestTopic returns the MQTT topic for requests.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// DiscoveryTopic returns the MQTT topic for relay discovery announcements.
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/#", TopicPrefix, Protocol)
}
