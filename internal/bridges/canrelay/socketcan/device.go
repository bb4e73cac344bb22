package socketcan

import (
	"fmt"
	"sync"

	"github.com/brutella/can"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// OpenFunc opens the CAN bus on a network interface.
type OpenFunc func(iface string) (*can.Bus, error)

// Options configures a Device.
type Options struct {
	// Open replaces the bus opener. Used by tests.
	Open OpenFunc

	// Logger is optional.
	Logger canrelay.Logger
}

// Device is a canrelay.Device for Linux SocketCAN interfaces. The port
// argument of Connect is the interface name, e.g. "can0". The bus bit
// rate is configured on the interface itself (ip link set can0 type can
// bitrate 125000); Connect only logs it.
type Device struct {
	open   OpenFunc
	logger canrelay.Logger

	mu      sync.Mutex
	bus     *can.Bus
	status  canrelay.DeviceStatus
	handler canrelay.FrameHandler

	writeMu sync.Mutex
}

var _ canrelay.Device = (*Device)(nil)

// New creates a SocketCAN device.
func New(opts Options) *Device {
	if opts.Open == nil {
		opts.Open = can.NewBusForInterfaceWithName
	}
	return &Device{
		open:   opts.Open,
		logger: opts.Logger,
		status: canrelay.StatusUninitialized,
	}
}

// Connect binds the bus to the interface and starts publishing received
// frames. The device is ready as soon as the socket is bound.
func (d *Device) Connect(port string, bitrate int) canrelay.DeviceStatus {
	d.Disconnect()

	bus, err := d.open(port)
	if err != nil {
		d.logError("socketcan bind failed", fmt.Errorf("iface=%s: %w", port, err))
		d.mu.Lock()
		d.status = canrelay.StatusFailed
		d.mu.Unlock()
		return canrelay.StatusFailed
	}
	bus.SubscribeFunc(func(f can.Frame) { d.receive(bus, f) })

	d.mu.Lock()
	d.bus = bus
	d.status = canrelay.StatusReady
	handler := d.handler
	d.mu.Unlock()

	go d.publish(bus)

	d.logInfo("socketcan bound", "iface", port, "bitrate", bitrate)
	if handler != nil {
		handler.OnDeviceReady()
	}
	return canrelay.StatusReady
}

// Disconnect closes the bus.
func (d *Device) Disconnect() {
	d.mu.Lock()
	bus := d.bus
	d.bus = nil
	if d.status != canrelay.StatusUninitialized || bus != nil {
		d.status = canrelay.StatusDisconnected
	}
	d.mu.Unlock()

	if bus != nil {
		if err := bus.Disconnect(); err != nil {
			d.logError("socketcan close failed", err)
		}
	}
}

// Send writes one frame to the bus.
func (d *Device) Send(msg canrelay.Message) error {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()

	if bus == nil {
		return canrelay.ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := bus.Publish(toFrame(msg)); err != nil {
		return fmt.Errorf("%w: %v", canrelay.ErrSendFailed, err)
	}
	return nil
}

// Status returns the current connection state.
func (d *Device) Status() canrelay.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetHandler registers the receiver of bus events.
func (d *Device) SetHandler(h canrelay.FrameHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// publish runs the bus read loop until the socket fails or is closed.
func (d *Device) publish(bus *can.Bus) {
	err := bus.ConnectAndPublish()

	d.mu.Lock()
	if d.bus != bus {
		d.mu.Unlock()
		return
	}
	d.status = canrelay.StatusFailed
	handler := d.handler
	d.mu.Unlock()

	if handler != nil {
		handler.OnDeviceFatalError(fmt.Sprintf("socketcan read: %v", err))
	}
}

func (d *Device) receive(bus *can.Bus, f can.Frame) {
	msg, err := fromFrame(f)
	if err != nil {
		d.logDebug("socketcan dropped frame", "error", err)
		return
	}

	d.mu.Lock()
	handler, current := d.handler, d.bus == bus
	d.mu.Unlock()
	if current && handler != nil {
		handler.OnMessage(msg)
	}
}

func (d *Device) logInfo(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Info(msg, keysAndValues...)
	}
}

func (d *Device) logDebug(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, keysAndValues...)
	}
}

func (d *Device) logError(msg string, err error) {
	if d.logger != nil {
		d.logger.Error(msg, "error", err)
	}
}
