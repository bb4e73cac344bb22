package canrelay

// DeviceStatus is the connection state reported by a Device.
type DeviceStatus int

// Device states.
const (
	// StatusUninitialized means Connect has never been called.
	StatusUninitialized DeviceStatus = iota

	// StatusConnected means the port is open but the transport is still
	// negotiating with the bus.
	StatusConnected

	// StatusReady means frames can be exchanged with the bus.
	StatusReady

	// StatusDisconnected means the device was closed.
	StatusDisconnected

	// StatusFailed means the port could not be opened or broke.
	StatusFailed
)

// String returns the status name used in logs and health messages.
func (s DeviceStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusConnected:
		return "connected"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsConnected reports whether the port is open, ready or not.
func (s DeviceStatus) IsConnected() bool {
	return s == StatusConnected || s == StatusReady
}

// Device is a CAN transport. Implementations own a reader goroutine that
// delivers frames to the registered FrameHandler.
type Device interface {
	// Connect opens the port at the given bus bit rate.
	Connect(port string, bitrate int) DeviceStatus

	// Disconnect closes the port. Safe to call in any state.
	Disconnect()

	// Send writes one frame to the bus.
	Send(msg Message) error

	// Status returns the current connection state.
	Status() DeviceStatus

	// SetHandler registers the receiver of bus events.
	SetHandler(h FrameHandler)
}

// FrameHandler receives events from a Device's reader goroutine.
type FrameHandler interface {
	OnMessage(msg Message)
	OnDeviceReady()
	OnDeviceFatalError(reason string)
}

// Listener is notified of relay state changes and of the relay network
// going offline.
//
// Callbacks run one at a time on a delivery goroutine owned by Access, in
// the order the changes were applied to the cache. They may read from
// Access but must not call Flush, InitCache or RefreshCache.
type Listener interface {
	OnLightSwitchChanged(nodeID int, on bool)
	OnCanRelayOffline(reason string)
}

// Sources of a relay state.
const (
	SourceBus     = "bus"
	SourceInit    = "init"
	SourceRefresh = "refresh"
)

// ObservingListener is a Listener that also wants states found by
// discovery, tagged with where they came from. Access calls
// OnLightStateObserved with SourceInit in place of OnLightSwitchChanged
// for every node InitCache loads, and with SourceRefresh for every change
// RefreshCache finds. Plain listeners never hear about refresh results.
type ObservingListener interface {
	Listener
	OnLightStateObserved(nodeID int, on bool, source string)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
