// Package simulator provides an in-memory relay network that implements
// canrelay.Device. It answers mapping and output queries, applies output
// commands and broadcasts the resulting output replies, so the bridge can
// run without CAN hardware.
//
// Test hooks can flip relays silently, toggle them as a wall switch would,
// drop replies, inject raw frames, delay readiness and raise fatal errors.
package simulator

import (
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// outboxSize bounds frames queued for delivery to the handler.
const outboxSize = 256

// Options configures a Network.
type Options struct {
	// ReadyDelay postpones readiness after Connect. Zero means ready at once.
	ReadyDelay time.Duration

	// Logger is optional.
	Logger canrelay.Logger
}

// Network is a simulated relay network behind a CAN adapter.
//
// Frames for the handler are delivered in order from a single goroutine,
// never from the caller of Send.
type Network struct {
	readyDelay time.Duration
	logger     canrelay.Logger

	mu          sync.Mutex
	relays      map[int]bool // node ID -> on
	status      canrelay.DeviceStatus
	handler     canrelay.FrameHandler
	dropReplies bool
	failConnect bool
	sent        []canrelay.Message
	outbox      chan canrelay.Message
	done        chan struct{}
	readyTimer  *time.Timer
}

var _ canrelay.Device = (*Network)(nil)

// New creates an empty network.
func New(opts Options) *Network {
	return &Network{
		readyDelay: opts.ReadyDelay,
		logger:     opts.Logger,
		relays:     make(map[int]bool),
		status:     canrelay.StatusUninitialized,
	}
}

// AddRelay installs a relay with an initial state.
func (n *Network) AddRelay(nodeID int, on bool) error {
	if err := canrelay.ValidateNodeID(nodeID); err != nil {
		return err
	}
	n.mu.Lock()
	n.relays[nodeID] = on
	n.mu.Unlock()
	return nil
}

// RemoveRelay takes a relay off the network.
func (n *Network) RemoveRelay(nodeID int) {
	n.mu.Lock()
	delete(n.relays, nodeID)
	n.mu.Unlock()
}

// SetRelay changes a relay without broadcasting, as when the output reply
// is lost on the bus. It reports whether the relay exists.
func (n *Network) SetRelay(nodeID int, on bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.relays[nodeID]; !ok {
		return false
	}
	n.relays[nodeID] = on
	return true
}

// Toggle flips a relay and broadcasts its output reply, as a wall switch
// press does. It reports whether the relay exists.
func (n *Network) Toggle(nodeID int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	on, ok := n.relays[nodeID]
	if !ok {
		return false
	}
	n.relays[nodeID] = !on
	n.emitLocked(canrelay.OutputReply(nodeID, !on))
	return true
}

// Relay returns a relay's state and whether it exists.
func (n *Network) Relay(nodeID int) (on, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	on, ok = n.relays[nodeID]
	return on, ok
}

// Relays returns every relay ordered by node ID.
func (n *Network) Relays() []canrelay.LightState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]canrelay.LightState, 0, len(n.relays))
	for id, on := range n.relays {
		out = append(out, canrelay.LightState{NodeID: id, On: on})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// SetDropReplies makes the network ignore queries.
func (n *Network) SetDropReplies(drop bool) {
	n.mu.Lock()
	n.dropReplies = drop
	n.mu.Unlock()
}

// SetConnectFailure makes Connect report StatusFailed.
func (n *Network) SetConnectFailure(fail bool) {
	n.mu.Lock()
	n.failConnect = fail
	n.mu.Unlock()
}

// Inject queues a raw frame for the handler as if it came off the bus.
func (n *Network) Inject(msg canrelay.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emitLocked(msg)
}

// Fail marks the adapter failed and reports a fatal error from a separate
// goroutine.
func (n *Network) Fail(reason string) {
	n.mu.Lock()
	n.status = canrelay.StatusFailed
	h := n.handler
	n.mu.Unlock()

	if h != nil {
		go h.OnDeviceFatalError(reason)
	}
}

// Sent returns a copy of every frame written with Send.
func (n *Network) Sent() []canrelay.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]canrelay.Message, len(n.sent))
	copy(out, n.sent)
	return out
}

// Connect brings the simulated adapter up. The bit rate must be the relay
// bus rate.
func (n *Network) Connect(port string, bitrate int) canrelay.DeviceStatus {
	n.Disconnect()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failConnect || bitrate != canrelay.RelayBusBitrate {
		n.status = canrelay.StatusFailed
		return n.status
	}

	n.outbox = make(chan canrelay.Message, outboxSize)
	n.done = make(chan struct{})
	go n.deliver(n.outbox, n.done)

	if n.readyDelay > 0 {
		n.status = canrelay.StatusConnected
		done := n.done
		n.readyTimer = time.AfterFunc(n.readyDelay, func() { n.becomeReady(done) })
	} else {
		n.status = canrelay.StatusReady
		if h := n.handler; h != nil {
			go h.OnDeviceReady()
		}
	}

	n.logInfo("simulated CAN adapter connected", "port", port, "relays", len(n.relays))
	return n.status
}

// Disconnect stops delivery. Idempotent.
func (n *Network) Disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.readyTimer != nil {
		n.readyTimer.Stop()
		n.readyTimer = nil
	}
	if n.done != nil {
		close(n.done)
		n.done = nil
		n.outbox = nil
	}
	if n.status != canrelay.StatusUninitialized {
		n.status = canrelay.StatusDisconnected
	}
}

// Send applies a frame to the network and queues any reply.
func (n *Network) Send(msg canrelay.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.status.IsConnected() {
		return canrelay.ErrNotConnected
	}
	n.sent = append(n.sent, msg)

	f := canrelay.ParseFrame(msg)
	if f.Kind != canrelay.FrameQueryEcho && f.Kind != canrelay.FrameCommandEcho {
		return nil
	}

	switch {
	case f.Kind == canrelay.FrameCommandEcho:
		if _, ok := n.relays[f.NodeID]; ok {
			n.relays[f.NodeID] = f.On
			n.emitLocked(canrelay.OutputReply(f.NodeID, f.On))
		}
	case n.dropReplies:
	case f.NodeID < 0:
		var ids []int
		for id := range n.relays {
			if canrelay.FloorOf(id) == f.Floor {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			n.emitLocked(canrelay.MappingReply(f.Floor, ids...))
		}
	default:
		if on, ok := n.relays[f.NodeID]; ok {
			n.emitLocked(canrelay.OutputReply(f.NodeID, on))
		}
	}
	return nil
}

// Status returns the current connection state.
func (n *Network) Status() canrelay.DeviceStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetHandler registers the receiver of bus events.
func (n *Network) SetHandler(h canrelay.FrameHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// emitLocked queues a frame for delivery. Caller holds n.mu.
func (n *Network) emitLocked(msg canrelay.Message) {
	if n.outbox == nil {
		return
	}
	select {
	case n.outbox <- msg:
	default:
		n.logWarn("simulator outbox full, frame dropped", "frame", msg.String())
	}
}

func (n *Network) deliver(outbox <-chan canrelay.Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-outbox:
			n.mu.Lock()
			h := n.handler
			n.mu.Unlock()
			if h != nil {
				h.OnMessage(msg)
			}
		}
	}
}

func (n *Network) becomeReady(done chan struct{}) {
	n.mu.Lock()
	if n.done != done {
		n.mu.Unlock()
		return
	}
	n.status = canrelay.StatusReady
	n.readyTimer = nil
	h := n.handler
	n.mu.Unlock()

	if h != nil {
		h.OnDeviceReady()
	}
}

func (n *Network) logInfo(msg string, keysAndValues ...any) {
	if n.logger != nil {
		n.logger.Info(msg, keysAndValues...)
	}
}

func (n *Network) logWarn(msg string, keysAndValues ...any) {
	if n.logger != nil {
		n.logger.Warn(msg, keysAndValues...)
	}
}
