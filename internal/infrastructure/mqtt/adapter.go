package mqtt

// publisherSubscriber is the subset of *Client wrapped by BridgeAdapter.
type publisherSubscriber interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	IsConnected() bool
}

// BridgeAdapter adapts a Client to the protocol bridge MQTT interface.
// Bridge handlers do not return errors, so they are wrapped to return nil.
//
// The underlying client is owned by the caller: Disconnect is a no-op and
// the connection is closed through Client.Close.
type BridgeAdapter struct {
	client publisherSubscriber
}

// NewBridgeAdapter wraps client for use by a protocol bridge.
func NewBridgeAdapter(client *Client) *BridgeAdapter {
	return &BridgeAdapter{client: client}
}

// Publish sends payload to topic.
func (a *BridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe registers a bridge handler on topic.
func (a *BridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected reports the broker connection state.
func (a *BridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect is a no-op.
func (a *BridgeAdapter) Disconnect(_ uint) {}
