package canrelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// RelayBusBitrate is the fixed bit rate of the relay network.
const RelayBusBitrate = 125000

// Default timing for request/response exchanges.
const (
	// DefaultReplyTimeout bounds each mapping or output query.
	DefaultReplyTimeout = 500 * time.Millisecond

	// DefaultReadyTimeout bounds the wait for the transport to come up.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultReadyPollInterval is how often readiness is re-checked when
	// no ready signal arrives.
	DefaultReadyPollInterval = 100 * time.Millisecond
)

// AccessOptions configures an Access.
type AccessOptions struct {
	// Floors is the number of floors scanned during discovery.
	// Default: MaxFloors.
	Floors int

	// ReplyTimeout bounds each query.
	// Default: 500ms.
	ReplyTimeout time.Duration

	// ReadyTimeout bounds the wait for a ready device.
	// Default: 5 seconds.
	ReadyTimeout time.Duration

	// ReadyPollInterval is the readiness re-check period.
	// Default: 100ms.
	ReadyPollInterval time.Duration

	// Listener receives state changes. Optional.
	Listener Listener

	// Logger is optional structured logger.
	Logger Logger
}

// AccessStats holds operational counters.
type AccessStats struct {
	FramesTx      uint64
	FramesRx      uint64
	FramesIgnored uint64
	SendErrors    uint64
	Timeouts      uint64
	Nodes         int
	Status        DeviceStatus
}

// Access is the relay network orchestrator. It owns the state cache,
// drives discovery, and dispatches changes to the Listener.
//
// Thread Safety: All methods are safe for concurrent use. Discovery passes
// (DetectLightStates, InitCache, RefreshCache) run one at a time.
type Access struct {
	device Device
	floors int

	replyTimeout time.Duration
	readyTimeout time.Duration
	readyPoll    time.Duration

	corr  *correlator
	ready chan struct{}
	notes *dispatcher

	// mu guards the cache, the live-update record, and the order in which
	// notifications are queued.
	mu    sync.Mutex
	cache *Cache
	seq   uint64
	live  map[int]liveReply

	discoveryMu sync.Mutex

	listener   Listener
	listenerMu sync.RWMutex

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	framesIgnored atomic.Uint64
	sendErrors    atomic.Uint64
	timeouts      atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// liveReply is the last unsolicited output reply seen for a node.
type liveReply struct {
	seq uint64
	on  bool
}

// observation is a state read during discovery, stamped with the
// live-update sequence at the moment its reply was claimed.
type observation struct {
	LightState
	seq uint64
}

// Ensure Access handles device events.
var _ FrameHandler = (*Access)(nil)

// NewAccess creates an Access over device and registers itself as the
// device's frame handler.
func NewAccess(device Device, opts AccessOptions) *Access {
	a := &Access{
		device:       device,
		floors:       opts.Floors,
		replyTimeout: opts.ReplyTimeout,
		readyTimeout: opts.ReadyTimeout,
		readyPoll:    opts.ReadyPollInterval,
		corr:         newCorrelator(),
		ready:        make(chan struct{}, 1),
		cache:        NewCache(),
		live:         make(map[int]liveReply),
		listener:     opts.Listener,
		logger:       opts.Logger,
	}
	a.notes = newDispatcher(a.deliver)
	if a.floors <= 0 || a.floors > MaxFloors {
		a.floors = MaxFloors
	}
	if a.replyTimeout <= 0 {
		a.replyTimeout = DefaultReplyTimeout
	}
	if a.readyTimeout <= 0 {
		a.readyTimeout = DefaultReadyTimeout
	}
	if a.readyPoll <= 0 {
		a.readyPoll = DefaultReadyPollInterval
	}

	device.SetHandler(a)
	return a
}

// Connect opens the device at the relay network's bit rate and returns
// the status the device reports.
func (a *Access) Connect(port string) DeviceStatus {
	status := a.device.Connect(port, RelayBusBitrate)
	a.logInfo("can device connect", "port", port, "bitrate", RelayBusBitrate, "status", status.String())
	return status
}

// Disconnect closes the device and invalidates the cache. Idempotent.
func (a *Access) Disconnect() {
	a.device.Disconnect()

	a.mu.Lock()
	a.cache.Clear()
	clear(a.live)
	a.mu.Unlock()

	a.logInfo("can device disconnected")
}

// Status returns the device status.
func (a *Access) Status() DeviceStatus {
	return a.device.Status()
}

// HandleSwitchCommand sends an output command for nodeID. It returns false
// without sending if the device is not connected, and false if the send
// fails. The cache is updated later, when the node's echo arrives.
func (a *Access) HandleSwitchCommand(nodeID int, on bool) bool {
	if !a.device.Status().IsConnected() {
		a.logDebug("switch command dropped, device not connected", "node", FormatNodeID(nodeID))
		return false
	}
	if err := ValidateNodeID(nodeID); err != nil {
		a.logWarn("switch command rejected", "node", nodeID, "error", err)
		return false
	}

	if err := a.send(OutputCommand(nodeID, on)); err != nil {
		a.logError("switch command failed", err)
		return false
	}

	a.logDebug("switch command sent", "node", FormatNodeID(nodeID), "on", on)
	return true
}

// DetectLightStates discovers every relay node and queries its state. It
// returns an empty result without bus traffic if the device was never
// connected, and an empty result if the device does not become ready in
// time. Floors and nodes that do not answer are treated as absent.
func (a *Access) DetectLightStates(ctx context.Context) []LightState {
	a.discoveryMu.Lock()
	defer a.discoveryMu.Unlock()

	obs := a.discover(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconcile(obs)
}

// InitCache runs discovery, replaces the cache with the result, and
// notifies the listener once per discovered node. It returns after the
// listener has been called.
func (a *Access) InitCache(ctx context.Context) {
	a.discoveryMu.Lock()
	defer a.discoveryMu.Unlock()

	obs := a.discover(ctx)

	a.mu.Lock()
	states := a.reconcile(obs)
	a.cache.Replace(states)
	var ticket uint64
	for _, s := range states {
		ticket = a.notes.enqueue(notification{kind: notifyObserved, nodeID: s.NodeID, on: s.On, source: SourceInit})
	}
	a.mu.Unlock()

	a.notes.wait(ticket)
	a.logInfo("relay cache initialised", "nodes", len(states))
}

// RefreshCache runs discovery and returns only the nodes whose state
// differs from the cache, updating those entries. Plain listeners are not
// notified; the returned slice is the caller's signal. An ObservingListener
// hears about each change before RefreshCache returns.
func (a *Access) RefreshCache(ctx context.Context) []LightState {
	a.discoveryMu.Lock()
	defer a.discoveryMu.Unlock()

	obs := a.discover(ctx)

	a.mu.Lock()
	states := a.reconcile(obs)
	changed := a.cache.Merge(states)
	var ticket uint64
	for _, s := range changed {
		ticket = a.notes.enqueue(notification{kind: notifyObserved, nodeID: s.NodeID, on: s.On, source: SourceRefresh})
	}
	a.mu.Unlock()

	a.notes.wait(ticket)
	a.logDebug("relay cache refreshed", "observed", len(states), "changed", len(changed))
	return changed
}

// Flush blocks until every listener notification queued so far has been
// delivered. It must not be called from a listener callback.
func (a *Access) Flush() {
	a.notes.flush()
}

// States returns a snapshot of the cache ordered by node ID.
func (a *Access) States() []LightState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Snapshot()
}

// State returns the cached state of one node and whether it is known.
func (a *Access) State(nodeID int) (on, known bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Get(nodeID)
}

// OnMessage handles a frame from the bus reader. Frames awaited by a
// discovery request are handed to it. Otherwise an output reply for a
// cached node updates the cache and notifies the listener when the state
// changed. Everything else is ignored.
func (a *Access) OnMessage(msg Message) {
	a.framesRx.Add(1)

	f := ParseFrame(msg)
	if f.Kind == FrameUnknown {
		a.framesIgnored.Add(1)
		a.logDebug("ignoring unrecognised frame", "frame", msg.String())
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.corr.offer(f, a.seq) {
		return
	}

	if f.Kind != FrameOutputReply {
		a.framesIgnored.Add(1)
		return
	}

	a.seq++
	a.live[f.NodeID] = liveReply{seq: a.seq, on: f.On}

	if !a.cache.Update(f.NodeID, f.On) {
		return
	}
	a.notes.enqueue(notification{kind: notifyChanged, nodeID: f.NodeID, on: f.On})
}

// OnDeviceReady wakes any discovery pass waiting for the transport.
func (a *Access) OnDeviceReady() {
	select {
	case a.ready <- struct{}{}:
	default:
	}
	a.logDebug("can device ready")
}

// OnDeviceFatalError tears down the connection and reports the relay
// network offline.
func (a *Access) OnDeviceFatalError(reason string) {
	a.logWarn("can device fatal error", "reason", reason)

	a.device.Disconnect()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cache.Clear()
	clear(a.live)
	a.notes.enqueue(notification{kind: notifyOffline, reason: reason})
}

// SetListener replaces the listener.
func (a *Access) SetListener(l Listener) {
	a.listenerMu.Lock()
	a.listener = l
	a.listenerMu.Unlock()
}

// Floors returns the number of floors scanned during discovery.
func (a *Access) Floors() int {
	return a.floors
}

// Stats returns operational counters.
func (a *Access) Stats() AccessStats {
	a.mu.Lock()
	nodes := a.cache.Len()
	a.mu.Unlock()

	return AccessStats{
		FramesTx:      a.framesTx.Load(),
		FramesRx:      a.framesRx.Load(),
		FramesIgnored: a.framesIgnored.Load(),
		SendErrors:    a.sendErrors.Load(),
		Timeouts:      a.timeouts.Load(),
		Nodes:         nodes,
		Status:        a.device.Status(),
	}
}

// discover scans every floor. Caller holds discoveryMu.
func (a *Access) discover(ctx context.Context) []observation {
	if !a.device.Status().IsConnected() {
		return nil
	}
	if !a.waitReady(ctx) {
		return nil
	}

	var obs []observation
	for floor := 0; floor < a.floors; floor++ {
		for _, nodeID := range a.queryMapping(ctx, floor) {
			reply, ok := a.queryOutput(ctx, nodeID)
			if !ok {
				continue
			}
			obs = append(obs, observation{LightState: LightState{NodeID: nodeID, On: reply.On}, seq: reply.seq})
		}
	}
	return obs
}

// reconcile turns observations into states, preferring any live reply
// that reached the bus reader after the observation was claimed. Caller
// holds a.mu.
func (a *Access) reconcile(obs []observation) []LightState {
	states := make([]LightState, 0, len(obs))
	for _, o := range obs {
		s := o.LightState
		if l, ok := a.live[s.NodeID]; ok && l.seq > o.seq {
			s.On = l.on
		}
		states = append(states, s)
	}
	return states
}

// deliver runs one notification against the current listener.
func (a *Access) deliver(n notification) {
	listener := a.getListener()
	if listener == nil {
		return
	}

	switch n.kind {
	case notifyChanged:
		listener.OnLightSwitchChanged(n.nodeID, n.on)
	case notifyObserved:
		if ol, ok := listener.(ObservingListener); ok {
			ol.OnLightStateObserved(n.nodeID, n.on, n.source)
		} else if n.source == SourceInit {
			listener.OnLightSwitchChanged(n.nodeID, n.on)
		}
	case notifyOffline:
		listener.OnCanRelayOffline(n.reason)
	}
}

// waitReady blocks until the device reports ready, re-checking on every
// ready signal and poll tick. It gives up when the device drops out of
// the connected states, the ready timeout elapses, or ctx ends.
func (a *Access) waitReady(ctx context.Context) bool {
	deadline := time.NewTimer(a.readyTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(a.readyPoll)
	defer ticker.Stop()

	for {
		switch a.device.Status() {
		case StatusReady:
			return true
		case StatusConnected:
		default:
			return false
		}

		select {
		case <-a.ready:
		case <-ticker.C:
		case <-deadline.C:
			a.logWarn("can device not ready", "timeout", a.readyTimeout.String())
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// queryMapping asks a floor which relays it has. No reply means none.
func (a *Access) queryMapping(ctx context.Context, floor int) []int {
	f, err := a.request(ctx, MappingQuery(floor), func(f Frame) bool {
		return f.Kind == FrameMappingReply && f.Floor == floor
	})
	if err != nil {
		a.logDebug("no mapping reply", "floor", floor, "error", err)
		return nil
	}
	return f.NodeIDs
}

// queryOutput asks one node for its output state.
func (a *Access) queryOutput(ctx context.Context, nodeID int) (claim, bool) {
	r, err := a.request(ctx, OutputQuery(nodeID), func(f Frame) bool {
		return f.Kind == FrameOutputReply && f.NodeID == nodeID
	})
	if err != nil {
		a.logDebug("no output reply", "node", FormatNodeID(nodeID), "error", err)
		return claim{}, false
	}
	return r, true
}

// request sends msg and waits for the first frame satisfying match.
func (a *Access) request(ctx context.Context, msg Message, match func(Frame) bool) (claim, error) {
	f, err := a.corr.await(ctx, a.replyTimeout, match, func() error {
		return a.send(msg)
	})
	if errors.Is(err, ErrTimeout) {
		a.timeouts.Add(1)
	}
	return f, err
}

// send writes a frame and counts the outcome.
func (a *Access) send(msg Message) error {
	if err := a.device.Send(msg); err != nil {
		a.sendErrors.Add(1)
		return err
	}
	a.framesTx.Add(1)
	return nil
}

func (a *Access) getListener() Listener {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	return a.listener
}

// SetLogger sets the logger for the access layer.
func (a *Access) SetLogger(logger Logger) {
	a.loggerMu.Lock()
	a.logger = logger
	a.loggerMu.Unlock()
}

func (a *Access) getLogger() Logger {
	a.loggerMu.RLock()
	defer a.loggerMu.RUnlock()
	return a.logger
}

func (a *Access) logInfo(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (a *Access) logWarn(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (a *Access) logDebug(msg string, keysAndValues ...any) {
	if logger := a.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (a *Access) logError(msg string, err error) {
	if logger := a.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
