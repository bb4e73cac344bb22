package slcan

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// DefaultBaudRate is the serial speed of common SLCAN adapters.
const DefaultBaudRate = 115200

// OpenFunc opens the serial port of an adapter.
type OpenFunc func(name string, baud int) (io.ReadWriteCloser, error)

// Options configures a Device.
type Options struct {
	// BaudRate is the serial speed. Default: 115200.
	BaudRate int

	// Open replaces the serial port opener. Used by tests.
	Open OpenFunc

	// Logger is optional.
	Logger canrelay.Logger
}

// Device is a canrelay.Device for serial SLCAN (Lawicel) adapters.
//
// Connect writes the close, bit rate and open commands and returns
// Connected. The reader goroutine reports the device ready when the
// adapter acknowledges the open command.
type Device struct {
	baud   int
	open   OpenFunc
	logger canrelay.Logger

	mu      sync.Mutex
	port    io.ReadWriteCloser
	status  canrelay.DeviceStatus
	handler canrelay.FrameHandler

	writeMu sync.Mutex

	txErrors atomic.Uint64
}

var _ canrelay.Device = (*Device)(nil)

// New creates an SLCAN device.
func New(opts Options) *Device {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.Open == nil {
		opts.Open = openSerial
	}
	return &Device{
		baud:   opts.BaudRate,
		open:   opts.Open,
		logger: opts.Logger,
		status: canrelay.StatusUninitialized,
	}
}

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Connect opens the serial port and starts the CAN channel.
func (d *Device) Connect(port string, bitrate int) canrelay.DeviceStatus {
	setBitrate, err := BitrateCommand(bitrate)
	if err != nil {
		d.logError("slcan connect failed", err)
		return d.setStatus(canrelay.StatusFailed)
	}

	d.Disconnect()

	p, err := d.open(port, d.baud)
	if err != nil {
		d.logError("slcan open failed", fmt.Errorf("port=%s: %w", port, err))
		return d.setStatus(canrelay.StatusFailed)
	}

	setup := &setupState{pending: []byte{'C', 'S', 'O'}}

	d.mu.Lock()
	d.port = p
	d.status = canrelay.StatusConnected
	d.mu.Unlock()

	go d.readLoop(p, setup)

	for _, cmd := range [][]byte{cmdClose, setBitrate, cmdOpen} {
		if err := d.write(p, cmd); err != nil {
			d.logError("slcan setup write failed", err)
			d.Disconnect()
			return d.setStatus(canrelay.StatusFailed)
		}
	}

	d.logInfo("slcan port opened", "port", port, "baud", d.baud, "bitrate", bitrate)
	return canrelay.StatusConnected
}

// Disconnect closes the CAN channel and the serial port.
func (d *Device) Disconnect() {
	d.mu.Lock()
	p := d.port
	d.port = nil
	if d.status != canrelay.StatusUninitialized || p != nil {
		d.status = canrelay.StatusDisconnected
	}
	d.mu.Unlock()

	if p == nil {
		return
	}
	//nolint:errcheck // Best-effort during shutdown
	d.write(p, cmdClose)
	if err := p.Close(); err != nil {
		d.logError("slcan close failed", err)
	}
}

// Send writes one frame to the bus.
func (d *Device) Send(msg canrelay.Message) error {
	d.mu.Lock()
	p := d.port
	status := d.status
	d.mu.Unlock()

	if p == nil || !status.IsConnected() {
		return canrelay.ErrNotConnected
	}
	if err := d.write(p, EncodeFrame(msg)); err != nil {
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

// TxErrors returns the number of BEL replies received after setup.
func (d *Device) TxErrors() uint64 {
	return d.txErrors.Load()
}

func (d *Device) write(p io.Writer, b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := p.Write(b)
	return err
}

func (d *Device) setStatus(s canrelay.DeviceStatus) canrelay.DeviceStatus {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
	return s
}

// current reports whether p is still the open port.
func (d *Device) current(p io.ReadWriteCloser) (canrelay.FrameHandler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler, d.port == p
}

// setupState tracks the replies still owed for the setup commands.
type setupState struct {
	pending []byte
}

func (s *setupState) next() (byte, bool) {
	if len(s.pending) == 0 {
		return 0, false
	}
	cmd := s.pending[0]
	s.pending = s.pending[1:]
	return cmd, true
}

// readLoop splits adapter output into lines and BEL replies until the
// port fails or is closed.
func (d *Device) readLoop(p io.ReadWriteCloser, setup *setupState) {
	r := bufio.NewReader(p)
	line := make([]byte, 0, maxLineLen)
	overlong := false

	for {
		b, err := r.ReadByte()
		if err != nil {
			d.readFailed(p, err)
			return
		}

		switch b {
		case CR:
			if overlong {
				d.logDebug("slcan dropped overlong line", "max", maxLineLen)
			} else {
				d.handleLine(p, setup, line)
			}
			line = line[:0]
			overlong = false
		case BEL:
			d.handleBell(p, setup)
			line = line[:0]
			overlong = false
		default:
			if len(line) == maxLineLen {
				overlong = true
				continue
			}
			line = append(line, b)
		}
	}
}

func (d *Device) handleLine(p io.ReadWriteCloser, setup *setupState, line []byte) {
	handler, ok := d.current(p)
	if !ok {
		return
	}

	if len(line) == 0 {
		if cmd, ok := setup.next(); ok && cmd == 'O' {
			d.mu.Lock()
			if d.port == p {
				d.status = canrelay.StatusReady
			}
			d.mu.Unlock()
			d.logInfo("slcan channel open")
			if handler != nil {
				handler.OnDeviceReady()
			}
		}
		return
	}

	switch line[0] {
	case frameStandard:
		msg, err := DecodeFrame(line)
		if err != nil {
			d.logDebug("slcan dropped line", "line", string(line), "error", err)
			return
		}
		if handler != nil {
			handler.OnMessage(msg)
		}
	case 'z', 'Z':
		// transmit acknowledged
	default:
		d.logDebug("slcan ignored line", "line", string(line))
	}
}

func (d *Device) handleBell(p io.ReadWriteCloser, setup *setupState) {
	handler, ok := d.current(p)
	if !ok {
		return
	}

	cmd, inSetup := setup.next()
	switch {
	case inSetup && cmd == 'C':
		// channel was already closed
	case inSetup:
		d.setStatus(canrelay.StatusFailed)
		if handler != nil {
			handler.OnDeviceFatalError(fmt.Sprintf("slcan adapter rejected %q command", cmd))
		}
	default:
		d.txErrors.Add(1)
		d.logDebug("slcan adapter reported error")
	}
}

func (d *Device) readFailed(p io.ReadWriteCloser, err error) {
	handler, ok := d.current(p)
	if !ok {
		return
	}
	d.setStatus(canrelay.StatusFailed)
	if handler != nil {
		handler.OnDeviceFatalError(fmt.Sprintf("slcan read: %v", err))
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
