package slcan

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// fakePort is an in-memory adapter. reply decides what the adapter
// answers to each write.
type fakePort struct {
	mu      sync.Mutex
	written []string
	rx      chan []byte
	buf     []byte
	closed  chan struct{}
	once    sync.Once
	reply   func(cmd string) string
}

func newFakePort(reply func(cmd string) string) *fakePort {
	return &fakePort{
		rx:     make(chan []byte, 64),
		closed: make(chan struct{}),
		reply:  reply,
	}
}

// ackAll acknowledges setup commands and transmits like a healthy adapter.
func ackAll(cmd string) string {
	if strings.HasPrefix(cmd, "t") {
		return "z\r"
	}
	return "\r"
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.buf) == 0 {
		select {
		case data := <-p.rx:
			p.buf = data
		case <-p.closed:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	p.written = append(p.written, string(b))
	p.mu.Unlock()
	if p.reply != nil {
		if r := p.reply(string(b)); r != "" {
			p.rx <- []byte(r)
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) inject(s string) {
	p.rx <- []byte(s)
}

func (p *fakePort) getWritten() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	copy(out, p.written)
	return out
}

// recordingHandler implements canrelay.FrameHandler.
type recordingHandler struct {
	messages chan canrelay.Message
	ready    chan struct{}
	fatal    chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages: make(chan canrelay.Message, 16),
		ready:    make(chan struct{}, 4),
		fatal:    make(chan string, 4),
	}
}

func (h *recordingHandler) OnMessage(msg canrelay.Message) { h.messages <- msg }
func (h *recordingHandler) OnDeviceReady()                 { h.ready <- struct{}{} }
func (h *recordingHandler) OnDeviceFatalError(r string)    { h.fatal <- r }

func newTestDevice(port *fakePort) (*Device, *recordingHandler) {
	d := New(Options{
		Open: func(string, int) (io.ReadWriteCloser, error) { return port, nil },
	})
	h := newRecordingHandler()
	d.SetHandler(h)
	return d, h
}

func waitReady(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.ready:
	case <-time.After(time.Second):
		t.Fatal("device never became ready")
	}
}

func TestConnectSetupSequence(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)

	if got := d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate); got != canrelay.StatusConnected {
		t.Fatalf("Connect() = %s, want connected", got)
	}
	waitReady(t, h)

	if d.Status() != canrelay.StatusReady {
		t.Errorf("Status() = %s, want ready", d.Status())
	}
	written := port.getWritten()
	want := []string{"C\r", "S4\r", "O\r"}
	if len(written) != len(want) {
		t.Fatalf("written = %q, want %q", written, want)
	}
	for i := range want {
		if written[i] != want[i] {
			t.Errorf("written[%d] = %q, want %q", i, written[i], want[i])
		}
	}
}

func TestConnectToleratesBellOnClose(t *testing.T) {
	port := newFakePort(func(cmd string) string {
		if cmd == "C\r" {
			return "\a"
		}
		return "\r"
	})
	d, h := newTestDevice(port)

	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)
}

func TestConnectRejectedBitrate(t *testing.T) {
	port := newFakePort(func(cmd string) string {
		if strings.HasPrefix(cmd, "S") {
			return "\a"
		}
		return "\r"
	})
	d, h := newTestDevice(port)

	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)

	select {
	case reason := <-h.fatal:
		if !strings.Contains(reason, "S") {
			t.Errorf("reason = %q, want mention of S command", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no fatal error reported")
	}
	if d.Status() == canrelay.StatusReady {
		t.Error("device should not be ready")
	}
}

func TestConnectUnsupportedBitrate(t *testing.T) {
	port := newFakePort(ackAll)
	d, _ := newTestDevice(port)

	if got := d.Connect("/dev/ttyACM0", 33333); got != canrelay.StatusFailed {
		t.Errorf("Connect() = %s, want failed", got)
	}
	if len(port.getWritten()) != 0 {
		t.Error("nothing should be written for an unsupported bitrate")
	}
}

func TestConnectOpenError(t *testing.T) {
	d := New(Options{
		Open: func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no such device") },
	})

	if got := d.Connect("/dev/ttyACM9", canrelay.RelayBusBitrate); got != canrelay.StatusFailed {
		t.Errorf("Connect() = %s, want failed", got)
	}
	if err := d.Send(canrelay.MappingQuery(0)); !errors.Is(err, canrelay.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestReceiveFrames(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	port.inject("t40021540\rgarbage\rt4001\r")

	select {
	case msg := <-h.messages:
		if !msg.Equal(canrelay.OutputReply(0x15, true)) {
			t.Errorf("received %s, want output reply", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	select {
	case msg := <-h.messages:
		t.Errorf("unexpected frame %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverlongLineDropped(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	// A valid frame hidden at the end of a line with no CR for too long
	// must not be decoded.
	port.inject(strings.Repeat("A", 4*maxLineLen) + "t40021540\r")
	port.inject("t40021500\r")

	select {
	case msg := <-h.messages:
		if !msg.Equal(canrelay.OutputReply(0x15, false)) {
			t.Errorf("received %s, want the frame after the overlong line", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not recover after an overlong line")
	}

	select {
	case msg := <-h.messages:
		t.Errorf("unexpected frame %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWritesFrameLine(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	if err := d.Send(canrelay.OutputCommand(0x15, false)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	written := port.getWritten()
	if last := written[len(written)-1]; last != "t515102\r" {
		t.Errorf("last write = %q, want t515102\\r", last)
	}
}

func TestTransmitErrorCounted(t *testing.T) {
	port := newFakePort(func(cmd string) string {
		if strings.HasPrefix(cmd, "t") {
			return "\a"
		}
		return "\r"
	})
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	if err := d.Send(canrelay.MappingQuery(0)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for d.TxErrors() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.TxErrors() != 1 {
		t.Errorf("TxErrors() = %d, want 1", d.TxErrors())
	}
	if d.Status() != canrelay.StatusReady {
		t.Errorf("Status() = %s, want ready", d.Status())
	}
}

func TestReadFailureIsFatal(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	// Closing underneath the device looks like an unplugged adapter.
	port.Close()

	select {
	case reason := <-h.fatal:
		if !strings.Contains(reason, "read") {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no fatal error reported")
	}
	if d.Status() != canrelay.StatusFailed {
		t.Errorf("Status() = %s, want failed", d.Status())
	}
}

func TestDisconnect(t *testing.T) {
	port := newFakePort(ackAll)
	d, h := newTestDevice(port)
	d.Connect("/dev/ttyACM0", canrelay.RelayBusBitrate)
	waitReady(t, h)

	d.Disconnect()
	d.Disconnect()

	if d.Status() != canrelay.StatusDisconnected {
		t.Errorf("Status() = %s, want disconnected", d.Status())
	}
	select {
	case reason := <-h.fatal:
		t.Errorf("Disconnect reported fatal error %q", reason)
	case <-time.After(50 * time.Millisecond):
	}

	written := port.getWritten()
	if last := written[len(written)-1]; last != "C\r" {
		t.Errorf("last write = %q, want C\\r", last)
	}
}

func TestWorksWithAccess(t *testing.T) {
	port := newFakePort(func(cmd string) string {
		switch cmd {
		case "t1010\r":
			return "z\r"
		case "t1000\r":
			return "z\rt20080800000000000000\r"
		case "t300103\r":
			return "z\rt40020340\r"
		}
		return ackAll(cmd)
	})
	d := New(Options{
		Open: func(string, int) (io.ReadWriteCloser, error) { return port, nil },
	})
	access := canrelay.NewAccess(d, canrelay.AccessOptions{
		ReplyTimeout: 100 * time.Millisecond,
	})

	access.Connect("/dev/ttyACM0")
	states := access.DetectLightStates(t.Context())

	if len(states) != 1 || states[0].NodeID != 0x03 || !states[0].On {
		t.Errorf("DetectLightStates() = %v, want [0x03=on]", states)
	}
}
