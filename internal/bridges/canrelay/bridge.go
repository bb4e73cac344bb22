package canrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// addressTopicPart is the index of the node address in a command topic.
	addressTopicPart = 3

	// recordTimeout bounds a single history write.
	recordTimeout = 2 * time.Second

	// maxReconnectInterval caps the reconnect backoff.
	maxReconnectInterval = 2 * time.Minute
)

// Bridge connects the relay network to Gray Logic Core over MQTT.
// It handles:
//   - Switching relays on MQTT commands and acknowledging them
//   - Publishing retained state for every relay change
//   - Discovery, periodic refresh, and reconnect after the bus goes offline
//   - Health reporting and graceful shutdown
//
// Bridge is the Listener of its Access.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg    *Config
	mqtt   MQTTClient
	access *Access
	health *HealthReporter

	history     StateRecorder     // Optional state history persistence
	telemetry   TelemetryWriter   // Optional time-series output
	broadcaster EventBroadcaster  // Optional live event fan-out

	nodeToDevice map[int]DeviceConfig
	deviceToNode map[string]int

	flight    singleflight.Group
	reconnect chan struct{}

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Bridge receives relay changes and discovery results.
var _ ObservingListener = (*Bridge)(nil)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// StateRecorder persists relay state changes.
// Satisfied by *history.Repository.
type StateRecorder interface {
	RecordStateChange(ctx context.Context, deviceID string, nodeID int, on bool, source string) error
}

// TelemetryWriter writes relay state points to a time-series store.
// Satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteRelayState(deviceID string, nodeID int, on bool, source string)
}

// Live event channels passed to EventBroadcaster.
const (
	EventRelayState   = "canrelay.state"   // payload NodeState
	EventRelayOffline = "canrelay.offline" // payload OfflineEvent
)

// OfflineEvent is broadcast when the relay network is lost.
type OfflineEvent struct {
	Reason string `json:"reason"`
}

// EventBroadcaster pushes live events to connected clients.
// Satisfied by the API WebSocket hub.
type EventBroadcaster interface {
	Broadcast(channel string, payload any)
}

// NodeState is a relay's cached state with its Gray Logic identity.
type NodeState struct {
	NodeID   int    `json:"node_id"`
	Address  string `json:"address"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	Floor    int    `json:"floor"`
	On       bool   `json:"on"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Access drives the relay network.
	Access *Access

	// Version is reported in health messages.
	Version string

	// Logger is optional structured logger.
	Logger Logger

	// History is optional state history persistence.
	History StateRecorder

	// Telemetry is optional time-series output.
	Telemetry TelemetryWriter

	// Broadcaster is optional live event fan-out.
	Broadcaster EventBroadcaster
}

// NewBridge creates a new bridge instance and registers it as the
// Access listener. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Access == nil {
		return nil, fmt.Errorf("relay access is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	nodeToDevice, deviceToNode := opts.Config.BuildDeviceIndex()

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	b := &Bridge{
		cfg:          opts.Config,
		mqtt:         opts.MQTTClient,
		access:       opts.Access,
		history:      opts.History,
		telemetry:    opts.Telemetry,
		broadcaster:  opts.Broadcaster,
		nodeToDevice: nodeToDevice,
		deviceToNode: deviceToNode,
		reconnect:    make(chan struct{}, 1),
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   version,
		Transport: opts.Config.CAN.Transport,
		Port:      opts.Config.CAN.Port,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Source:    opts.Access,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	opts.Access.SetListener(b)
	return b, nil
}

// Start subscribes to MQTT topics, connects the CAN device, populates the
// cache, and starts health, refresh and reconnect loops.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	if !b.connectAndInit(ctx) {
		b.scheduleReconnect()
	}

	b.health.Start(ctx)

	b.wg.Add(1)
	go b.reconnectLoop()

	if interval := b.cfg.GetRefreshInterval(); interval > 0 {
		b.wg.Add(1)
		go b.refreshLoop(interval)
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"transport", b.cfg.CAN.Transport,
		"port", b.cfg.CAN.Port,
		"nodes", len(b.access.States()))

	return nil
}

// Stop gracefully shuts down the bridge and disconnects the CAN device.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.access.Disconnect()
		b.logInfo("bridge stopped")
	})
}

// OnLightSwitchChanged publishes a live relay change and forwards it to
// the optional sinks.
func (b *Bridge) OnLightSwitchChanged(nodeID int, on bool) {
	b.emitState(nodeID, on, SourceBus)
}

// OnLightStateObserved publishes a state loaded at startup or found by a
// refresh, recording where it came from.
func (b *Bridge) OnLightStateObserved(nodeID int, on bool, source string) {
	b.emitState(nodeID, on, source)
}

// OnCanRelayOffline marks the bridge unhealthy and schedules a reconnect.
func (b *Bridge) OnCanRelayOffline(reason string) {
	b.logInfo("relay network offline", "reason", reason)
	b.health.SetOffline(reason)
	if b.broadcaster != nil {
		b.broadcaster.Broadcast(EventRelayOffline, OfflineEvent{Reason: reason})
	}
	b.scheduleReconnect()
}

// SwitchNode sends an on/off command for a node.
func (b *Bridge) SwitchNode(nodeID int, on bool) error {
	if err := ValidateNodeID(nodeID); err != nil {
		return err
	}
	if !b.access.HandleSwitchCommand(nodeID, on) {
		return fmt.Errorf("switch %s: %w", FormatNodeID(nodeID), ErrSendFailed)
	}
	return nil
}

// Refresh re-scans the relay network and returns every changed node.
// The changes are published through OnLightStateObserved before Refresh
// returns. Concurrent callers share one scan.
func (b *Bridge) Refresh(ctx context.Context) []NodeState {
	v, _, _ := b.flight.Do("refresh", func() (any, error) {
		return b.nodeStates(b.access.RefreshCache(ctx)), nil
	})
	states, _ := v.([]NodeState)
	return states
}

// Detect scans the relay network without touching the cache.
// Concurrent callers share one scan.
func (b *Bridge) Detect(ctx context.Context) []NodeState {
	v, _, _ := b.flight.Do("detect", func() (any, error) {
		return b.nodeStates(b.access.DetectLightStates(ctx)), nil
	})
	states, _ := v.([]NodeState)
	return states
}

// States returns the cached state of every relay.
func (b *Bridge) States() []NodeState {
	return b.nodeStates(b.access.States())
}

// NodeForDevice returns the node ID configured for a device ID.
func (b *Bridge) NodeForDevice(deviceID string) (int, bool) {
	nodeID, ok := b.deviceToNode[deviceID]
	return nodeID, ok
}

// DeviceIDFor returns the Gray Logic device ID for a node, derived from
// the node address when not configured.
func (b *Bridge) DeviceIDFor(nodeID int) string {
	if dev, ok := b.nodeToDevice[nodeID]; ok {
		return dev.DeviceID
	}
	return fmt.Sprintf("%s-%s", Protocol, FormatNodeID(nodeID))
}

// connectAndInit opens the device and rebuilds the cache. It reports
// whether the device connected.
func (b *Bridge) connectAndInit(ctx context.Context) bool {
	status := b.access.Connect(b.cfg.CAN.Port)
	if !status.IsConnected() {
		b.logError("CAN device connect failed",
			fmt.Errorf("port=%s status=%s: %w", b.cfg.CAN.Port, status, ErrNotConnected))
		return false
	}

	b.access.InitCache(ctx)
	b.health.SetOffline("")
	b.publishDiscovery()

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
	return true
}

// scheduleReconnect wakes the reconnect loop. Never blocks.
func (b *Bridge) scheduleReconnect() {
	select {
	case b.reconnect <- struct{}{}:
	default:
	}
}

// reconnectLoop reconnects with exponential backoff whenever the relay
// network goes offline.
func (b *Bridge) reconnectLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case <-b.reconnect:
		}

		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}

		delay := b.cfg.GetReconnectInterval()
		for {
			select {
			case <-b.done:
				return
			case <-time.After(delay):
			}

			b.access.Disconnect()
			if b.connectAndInit(b.ctx) {
				b.logInfo("relay network reconnected")
				break
			}

			delay = min(delay*2, maxReconnectInterval)
			b.logInfo("reconnect failed, retrying", "delay", delay.String())
		}
	}
}

// refreshLoop re-scans the relay network on a fixed interval.
func (b *Bridge) refreshLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if !b.access.Status().IsConnected() {
				continue
			}
			changed := b.Refresh(b.ctx)
			if len(changed) > 0 {
				b.logInfo("periodic refresh found changes", "changed", len(changed))
			}
		}
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		address := ""
		if len(parts) > addressTopicPart {
			address = parts[addressTopicPart]
		}
		b.handleCommand(address, payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand processes a switch command from Core.
func (b *Bridge) handleCommand(address string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"address", address,
		"command", cmd.Command)

	nodeID, err := b.resolveNode(address, cmd.DeviceID)
	if err != nil {
		b.publishAckError(cmd, address, ErrCodeNotConfigured, err.Error())
		return
	}
	address = FormatNodeID(nodeID)
	if cmd.DeviceID == "" {
		cmd.DeviceID = b.DeviceIDFor(nodeID)
	}

	var on bool
	switch cmd.Command {
	case "on":
		on = true
	case "off":
		on = false
	case "toggle":
		current, known := b.access.State(nodeID)
		if !known {
			b.publishAckError(cmd, address, ErrCodeNotConfigured,
				fmt.Sprintf("node %s state unknown", address))
			return
		}
		on = !current
	default:
		b.publishAckError(cmd, address, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return
	}

	if !b.access.HandleSwitchCommand(nodeID, on) {
		b.publishAckError(cmd, address, ErrCodeDeviceUnreachable,
			fmt.Sprintf("command frame for %s not sent", address))
		return
	}

	b.publishAck(cmd, address, AckAccepted)
}

// resolveNode finds the node for a command from its topic address or,
// failing that, from the device ID.
func (b *Bridge) resolveNode(address, deviceID string) (int, error) {
	if address != "" {
		return ParseNodeID(address)
	}
	if nodeID, ok := b.deviceToNode[deviceID]; ok {
		return nodeID, nil
	}
	return 0, fmt.Errorf("device %q not configured", deviceID)
}

func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	b.publishJSON(AckTopic(address), NewAckMessage(cmd, status, address), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.publishJSON(AckTopic(address), NewAckError(cmd, address, code, message), false)
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		b.logError("request without request_id", errors.New("missing request_id"))
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
	}

	switch req.Action {
	case "refresh":
		changed := b.Refresh(b.ctx)
		resp.Data = map[string]any{"changed": changed, "count": len(changed)}
	case "detect":
		found := b.Detect(b.ctx)
		resp.Data = map[string]any{"nodes": found, "count": len(found)}
	case "read_all":
		states := b.States()
		resp.Data = map[string]any{"nodes": states, "count": len(states)}
	case "read_state":
		resp = b.handleReadState(req, resp)
	default:
		resp.Success = false
		resp.Error = &ResponseError{
			Code:    ErrCodeInvalidCommand,
			Message: fmt.Sprintf("unknown action: %s", req.Action),
		}
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

// handleReadState answers a read_state request from the cache.
func (b *Bridge) handleReadState(req RequestMessage, resp ResponseMessage) ResponseMessage {
	nodeID, err := b.resolveNode(req.Node, req.DeviceID)
	if err != nil {
		resp.Success = false
		resp.Error = &ResponseError{Code: ErrCodeInvalidParameters, Message: err.Error()}
		return resp
	}

	on, known := b.access.State(nodeID)
	if !known {
		resp.Success = false
		resp.Error = &ResponseError{
			Code:    ErrCodeNotConfigured,
			Message: fmt.Sprintf("node %s not discovered", FormatNodeID(nodeID)),
		}
		return resp
	}

	resp.Data = map[string]any{"node": b.nodeState(LightState{NodeID: nodeID, On: on})}
	return resp
}

// emitState publishes a relay state and forwards it to the optional sinks.
func (b *Bridge) emitState(nodeID int, on bool, source string) {
	deviceID := b.DeviceIDFor(nodeID)

	b.publishJSON(StateTopic(FormatNodeID(nodeID)), NewStateMessage(deviceID, nodeID, on), true)

	if b.history != nil {
		ctx, cancel := context.WithTimeout(b.ctx, recordTimeout)
		if err := b.history.RecordStateChange(ctx, deviceID, nodeID, on, source); err != nil {
			b.logError("failed to record state change", err)
		}
		cancel()
	}
	if b.telemetry != nil {
		b.telemetry.WriteRelayState(deviceID, nodeID, on, source)
	}
	if b.broadcaster != nil {
		b.broadcaster.Broadcast(EventRelayState, b.nodeState(LightState{NodeID: nodeID, On: on}))
	}

	b.logDebug("relay state published", "node", FormatNodeID(nodeID), "on", on, "source", source)
}

// publishDiscovery announces the cached relay nodes.
func (b *Bridge) publishDiscovery() {
	states := b.access.States()
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.cfg.Bridge.ID,
		Devices:   make([]DiscoveredDevice, 0, len(states)),
	}
	for _, s := range states {
		ns := b.nodeState(s)
		msg.Devices = append(msg.Devices, DiscoveredDevice{
			Protocol:      Protocol,
			Address:       ns.Address,
			DeviceID:      ns.DeviceID,
			Type:          "light_switch",
			Capabilities:  []string{"on_off"},
			Floor:         ns.Floor,
			SuggestedName: ns.Name,
		})
	}
	b.publishJSON(DiscoveryTopic(), msg, true)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", fmt.Errorf("topic=%s: %w", topic, err))
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish message", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

func (b *Bridge) nodeState(s LightState) NodeState {
	ns := NodeState{
		NodeID:   s.NodeID,
		Address:  FormatNodeID(s.NodeID),
		DeviceID: b.DeviceIDFor(s.NodeID),
		Floor:    FloorOf(s.NodeID),
		On:       s.On,
	}
	if dev, ok := b.nodeToDevice[s.NodeID]; ok {
		ns.Name = dev.Name
	}
	return ns
}

func (b *Bridge) nodeStates(states []LightState) []NodeState {
	out := make([]NodeState, 0, len(states))
	for _, s := range states {
		out = append(out, b.nodeState(s))
	}
	return out
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
	b.access.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected     bool   `json:"connected"`
	Status        string `json:"status"`
	FramesTx      uint64 `json:"frames_tx"`
	FramesRx      uint64 `json:"frames_rx"`
	FramesIgnored uint64 `json:"frames_ignored"`
	Timeouts      uint64 `json:"timeouts"`
	Nodes         int    `json:"nodes"`
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.access.Stats()
	return BridgeMetrics{
		Connected:     stats.Status.IsConnected(),
		Status:        stats.Status.String(),
		FramesTx:      stats.FramesTx,
		FramesRx:      stats.FramesRx,
		FramesIgnored: stats.FramesIgnored,
		Timeouts:      stats.Timeouts,
		Nodes:         stats.Nodes,
	}
}
