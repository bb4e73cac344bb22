package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second

	maxQoS         = 2
	maxPayloadSize = 1 << 20

	// statusQoS is used for the retained service status and the will.
	statusQoS = 1
)

// StatusTopicPrefix is the root of the per-gateway service status topics.
const StatusTopicPrefix = "graylogic/system/canrelay"

// StatusTopic returns the retained status topic for one gateway process,
// so several relay gateways can share a broker.
//
// Example: graylogic/system/canrelay/canrelay-01
func StatusTopic(clientID string) string {
	return StatusTopicPrefix + "/" + clientID
}

// Service status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Offline reasons.
const (
	ReasonShutdown   = "graceful_shutdown"
	ReasonConnection = "unexpected_disconnect"
)

// ServiceStatus is the retained payload on StatusTopic. The broker
// publishes the offline variant as the will if the gateway drops off.
type ServiceStatus struct {
	Service   string `json:"service"`
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(clientID, status, reason string) []byte {
	payload, _ := json.Marshal(ServiceStatus{ //nolint:errcheck // plain strings always encode
		Service:   "canrelay",
		ClientID:  clientID,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}

// buildClientOptions maps the mqtt section of config.yaml onto paho options.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Relay consumers watch the will to mark every relay unavailable.
	opts.SetBinaryWill(StatusTopic(cfg.Broker.ClientID),
		statusPayload(cfg.Broker.ClientID, StatusOffline, ReasonConnection), statusQoS, true)

	return opts
}
