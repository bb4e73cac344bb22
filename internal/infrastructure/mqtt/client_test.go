package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
)

// testConfig points at a local Mosquitto on 127.0.0.1:1883.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectTestClient connects to the local broker, skipping the test when
// none is running.
func connectTestClient(t *testing.T, clientID string) *Client {
	t.Helper()
	c, err := Connect(testConfig(clientID))
	if err != nil {
		t.Skipf("no MQTT broker on 127.0.0.1:1883: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup
	return c
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.add("ERROR " + msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("WARN " + msg) }

func (l *recordingLogger) add(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestStatusTopic(t *testing.T) {
	if got := StatusTopic("canrelay-01"); got != "graylogic/system/canrelay/canrelay-01" {
		t.Errorf("StatusTopic() = %q", got)
	}
}

func TestStatusPayload(t *testing.T) {
	var st ServiceStatus
	if err := json.Unmarshal(statusPayload("canrelay-01", StatusOffline, ReasonConnection), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Service != "canrelay" || st.ClientID != "canrelay-01" || st.Status != StatusOffline || st.Reason != ReasonConnection {
		t.Errorf("status = %+v", st)
	}
	if _, err := time.Parse(time.RFC3339, st.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", st.Timestamp, err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("canrelay-01")
	cfg.Broker.TLS = true
	cfg.Auth.Username = "relay"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.Username != "relay" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set")
	}
	if !opts.WillEnabled || opts.WillTopic != StatusTopic("canrelay-01") || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v", opts.MaxReconnectInterval)
	}
}

func TestValidationBeforeConnection(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish qos 3", c.Publish("graylogic/state/canrelay/0x101", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("graylogic/state/canrelay/0x101", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("graylogic/state/canrelay/0x101", []byte("{}"), 1, true), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 1, noop), ErrInvalidTopic},
		{"subscribe nil handler", c.Subscribe("graylogic/command/canrelay/+", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("graylogic/command/canrelay/+", 1, noop), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}
	if len(c.subscriptions) != 0 {
		t.Errorf("rejected subscriptions were tracked: %v", c.subscriptions)
	}
}

func TestHealthCheckWithoutConnection(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() = %v, want context.Canceled", err)
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	log := &recordingLogger{}
	c := &Client{logger: log}

	h := c.wrapHandler(func(string, []byte) error { panic("bad relay command") })
	h(nil, fakeMessage{topic: "graylogic/command/canrelay/0x101"})

	h = c.wrapHandler(func(string, []byte) error { return fmt.Errorf("unknown node") })
	h(nil, fakeMessage{topic: "graylogic/command/canrelay/0x999"})

	want := []string{"ERROR MQTT handler panic recovered", "WARN MQTT handler returned error"}
	if fmt.Sprint(log.lines) != fmt.Sprint(want) {
		t.Errorf("logged %v, want %v", log.lines, want)
	}
}

func TestConnectRefused(t *testing.T) {
	cfg := testConfig("canrelay-refused")
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestRelayCommandRoundtrip(t *testing.T) {
	gateway := connectTestClient(t, "canrelay-test-gateway")
	core := connectTestClient(t, "canrelay-test-core")

	received := make(chan string, 1)
	err := gateway.Subscribe("graylogic/test/command/canrelay/+", 1, func(topic string, payload []byte) error {
		received <- topic + " " + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := core.Publish("graylogic/test/command/canrelay/0x101", []byte(`{"on":true}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `graylogic/test/command/canrelay/0x101 {"on":true}` {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relay command")
	}
}

func TestServiceStatusAnnounced(t *testing.T) {
	observer := connectTestClient(t, "canrelay-test-observer")

	statuses := make(chan ServiceStatus, 4)
	err := observer.Subscribe(StatusTopic("canrelay-test-announce"), 1, func(_ string, payload []byte) error {
		var st ServiceStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			return err
		}
		statuses <- st
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	gateway := connectTestClient(t, "canrelay-test-announce")
	waitStatus(t, statuses, StatusOnline)

	if err := gateway.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if st := waitStatus(t, statuses, StatusOffline); st.Reason != ReasonShutdown {
		t.Errorf("offline reason = %q, want %q", st.Reason, ReasonShutdown)
	}
}

// waitStatus drains statuses until one with the given status arrives.
func waitStatus(t *testing.T, statuses <-chan ServiceStatus, want string) ServiceStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-statuses:
			if st.Status == want {
				return st
			}
		case <-deadline:
			t.Fatalf("no %s status within 5s", want)
		}
	}
}
