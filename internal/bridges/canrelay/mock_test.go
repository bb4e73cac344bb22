package canrelay

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// MockDevice implements Device for testing. With answering enabled it
// behaves like a small relay network, replying to queries from its own
// goroutine the way a bus reader would.
type MockDevice struct {
	mu            sync.Mutex
	status        DeviceStatus
	connectStatus DeviceStatus
	handler       FrameHandler
	sent          []Message
	sendError     error
	sendHook      func(Message)
	answering     bool
	nodes         map[int]bool // node ID -> on
	connectPort   string
	connectRate   int
	disconnects   int
}

func NewMockDevice() *MockDevice {
	return &MockDevice{
		status:        StatusUninitialized,
		connectStatus: StatusReady,
		answering:     true,
		nodes:         make(map[int]bool),
	}
}

func (m *MockDevice) Connect(port string, bitrate int) DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectPort = port
	m.connectRate = bitrate
	m.status = m.connectStatus
	return m.status
}

func (m *MockDevice) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.status = StatusDisconnected
}

func (m *MockDevice) Send(msg Message) error {
	m.mu.Lock()
	if m.sendError != nil {
		m.mu.Unlock()
		return m.sendError
	}
	m.sent = append(m.sent, msg)
	if m.answering {
		m.answerLocked(msg)
	}
	hook := m.sendHook
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (m *MockDevice) Status() DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockDevice) SetHandler(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// answerLocked replies to queries and applies commands. Caller holds m.mu.
func (m *MockDevice) answerLocked(msg Message) {
	f := ParseFrame(msg)
	var reply *Message
	switch {
	case f.Kind == FrameQueryEcho && f.NodeID < 0:
		var ids []int
		for id := range m.nodes {
			if FloorOf(id) == f.Floor {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return // absent floor stays silent
		}
		r := MappingReply(f.Floor, ids...)
		reply = &r
	case f.Kind == FrameQueryEcho:
		on, ok := m.nodes[f.NodeID]
		if !ok {
			return
		}
		r := OutputReply(f.NodeID, on)
		reply = &r
	case f.Kind == FrameCommandEcho:
		if _, ok := m.nodes[f.NodeID]; ok {
			m.nodes[f.NodeID] = f.On
		}
	}

	if reply != nil && m.handler != nil {
		h := m.handler
		r := *reply
		go h.OnMessage(r)
	}
}

func (m *MockDevice) SetStatus(s DeviceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *MockDevice) SetNode(nodeID int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = on
}

// SetSendHook registers fn to run after every successful Send, outside
// the device lock.
func (m *MockDevice) SetSendHook(fn func(Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = fn
}

func (m *MockDevice) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendError = err
}

func (m *MockDevice) GetSent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockDevice) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// MockListener records listener callbacks.
type MockListener struct {
	mu      sync.Mutex
	changes []LightState
	offline []string
}

func (l *MockListener) OnLightSwitchChanged(nodeID int, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, LightState{NodeID: nodeID, On: on})
}

func (l *MockListener) OnCanRelayOffline(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = append(l.offline, reason)
}

func (l *MockListener) GetChanges() []LightState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LightState, len(l.changes))
	copy(out, l.changes)
	return out
}

func (l *MockListener) GetOffline() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.offline))
	copy(out, l.offline)
	return out
}

func (l *MockListener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = nil
	l.offline = nil
}

var errMockSend = errors.New("mock: bus write failed")

const testReplyTimeout = 50 * time.Millisecond

// newTestAccess returns a connected Access over a mock device with short
// timeouts.
func newTestAccess(t *testing.T) (*Access, *MockDevice, *MockListener) {
	t.Helper()
	dev := NewMockDevice()
	listener := &MockListener{}
	a := NewAccess(dev, AccessOptions{
		ReplyTimeout:      testReplyTimeout,
		ReadyTimeout:      200 * time.Millisecond,
		ReadyPollInterval: 10 * time.Millisecond,
		Listener:          listener,
	})
	a.Connect("can0")
	return a, dev, listener
}
