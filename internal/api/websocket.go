package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/logging"
)

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// wsChannels are the channels a client may subscribe to.
var wsChannels = map[string]bool{
	canrelay.EventRelayState:   true,
	canrelay.EventRelayOffline: true,
}

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the relay nodes
// whose state events the client wants. No nodes means every node.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Nodes    []string `json:"nodes,omitempty"`
}

// Hub fans relay events out to WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*WSClient]struct{}
	snapshot func() []canrelay.NodeState
}

// WSClient is one connected WebSocket.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string // token subject the ticket was issued to

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	nodes         map[int]struct{} // nil: all nodes
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

var _ canrelay.EventBroadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetSnapshot sets the source of current relay states sent to a client
// when it subscribes to canrelay.state.
func (h *Hub) SetSnapshot(states func() []canrelay.NodeState) {
	h.mu.Lock()
	h.snapshot = states
	h.mu.Unlock()
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Safe to call
// twice.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client subscribed to channel. State
// events honour each client's node filter.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	nodeID := -1
	if st, ok := payload.(canrelay.NodeState); ok {
		nodeID = st.NodeID
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.wants(channel, nodeID) {
			client.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

func (h *Hub) states() []canrelay.NodeState {
	h.mu.RLock()
	fn := h.snapshot
	h.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subject:       entry.subject,
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // best-effort
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // any traffic counts as liveness
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error is checked
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeSubscription re-decodes the generic payload and checks every
// channel and node.
func decodeSubscription(payload any) (WSSubscribePayload, map[int]struct{}, error) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(payload)
	if err == nil {
		err = json.Unmarshal(raw, &sub)
	}
	if err != nil || len(sub.Channels) == 0 {
		return sub, nil, fmt.Errorf("payload must list channels")
	}
	for _, ch := range sub.Channels {
		if !wsChannels[ch] {
			return sub, nil, fmt.Errorf("unknown channel: %s", ch)
		}
	}

	var nodes map[int]struct{}
	if len(sub.Nodes) > 0 {
		nodes = make(map[int]struct{}, len(sub.Nodes))
		for _, s := range sub.Nodes {
			id, err := canrelay.ParseNodeID(s)
			if err != nil {
				return sub, nil, err
			}
			nodes[id] = struct{}{}
		}
	}
	return sub, nodes, nil
}

// handleSubscribe adds channels and replaces the node filter. Subscribing
// to canrelay.state also sends the current relay states as a snapshot.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, nodes, err := decodeSubscription(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.subscriptions[ch] = struct{}{}
	}
	c.nodes = nodes
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "subject", c.subject, "channels", sub.Channels, "nodes", sub.Nodes)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	for _, ch := range sub.Channels {
		if ch == canrelay.EventRelayState {
			c.sendSnapshot(msg.ID)
			break
		}
	}
}

func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, _, err := decodeSubscription(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.subscriptions, ch)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

func (c *WSClient) sendSnapshot(id string) {
	all := c.hub.states()
	states := make([]canrelay.NodeState, 0, len(all))
	for _, st := range all {
		if c.wants(canrelay.EventRelayState, st.NodeID) {
			states = append(states, st)
		}
	}
	c.sendResponse(id, WSTypeSnapshot, states)
}

// wants reports whether an event on channel for nodeID (-1 when the event
// is not about one node) should reach this client.
func (c *WSClient) wants(channel string, nodeID int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	if nodeID < 0 || c.nodes == nil {
		return true
	}
	_, ok := c.nodes[nodeID]
	return ok
}

// trySend queues data, dropping it when the buffer is full or the client
// has gone.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by Unregister
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
