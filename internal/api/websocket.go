package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
	"github.com/nerrad567/pebble-core/internal/infrastructure/logging"
	"github.com/nerrad567/pebble-core/internal/ingest"
	"github.com/nerrad567/pebble-core/internal/pebble"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// ChannelOutcome carries every handler outcome.
const ChannelOutcome = "pebble.outcome"

const (
	deviceChannelPrefix = "pebble.device."

	wsSendBufferSize = 256

	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 8192
)

// DeviceChannel names the channel carrying outcomes for one device.
func DeviceChannel(deviceID string) string {
	return deviceChannelPrefix + deviceID
}

// validChannel reports whether clients may subscribe to ch.
func validChannel(ch string) bool {
	if ch == ChannelOutcome {
		return true
	}
	id, ok := strings.CutPrefix(ch, deviceChannelPrefix)
	return ok && id != ""
}

// WSMessage is a frame sent to a client, and the shape clients send back.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame with its payload left undecoded.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// keepalive holds the read limit and ping timing for one connection.
type keepalive struct {
	readLimit int64
	ping      time.Duration
	wait      time.Duration
}

func newKeepalive(cfg config.WebSocketConfig) keepalive {
	k := keepalive{
		readLimit: int64(cfg.MaxMessageSize),
		ping:      time.Duration(cfg.PingInterval) * time.Second,
		wait:      time.Duration(cfg.PongTimeout) * time.Second,
	}
	if k.readLimit <= 0 {
		k.readLimit = defaultMaxMessageSize
	}
	if k.ping <= 0 {
		k.ping = defaultPingInterval
	}
	if k.wait <= 0 {
		k.wait = defaultPongTimeout
	}
	return k
}

// readDeadline is how long a connection may stay silent before it is dropped.
func (k keepalive) readDeadline() time.Time {
	return time.Now().Add(k.ping + k.wait)
}

// Hub fans handler outcomes out to subscribed WebSocket clients.
// It is a pebble.Observer.
type Hub struct {
	ka      keepalive
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
	dropped atomic.Uint64
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	closed        bool
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Run must be called for it to shut down cleanly.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		ka:      newKeepalive(cfg),
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were discarded because a client's send
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Observe sends o on ChannelOutcome and on the device's channel. A client
// subscribed to both receives it once.
func (h *Hub) Observe(_ context.Context, o pebble.Outcome) {
	channels := []string{ChannelOutcome}
	if o.DeviceID != "" {
		channels = append(channels, DeviceChannel(o.DeviceID))
	}
	h.broadcast(ChannelOutcome, channels, ingest.NewOutcomeMessage(o))
}

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.broadcast(channel, []string{channel}, payload)
}

func (h *Hub) broadcast(eventType string, channels []string, payload any) {
	data, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("failed to encode broadcast", "event_type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range recipients {
		if !slices.ContainsFunc(channels, c.isSubscribed) {
			continue
		}
		if c.enqueue(data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "event_type", eventType, "recipients", sent)
	}
}

// encodeFrame stamps msg with the current time and marshals it.
func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}

// handleWebSocket upgrades the connection. With ingress auth on, a ticket
// from POST /auth/ws-ticket must be passed as ?ticket=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.secCfg.IngressAuth {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		if !s.tickets.consume(ticket) {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	hub := s.Hub()
	c := &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	hub.Register(c)

	go c.writePump(hub.ka)
	go c.readPump(hub.ka)
}

// readPump owns reads on the connection and unregisters the client when
// the connection ends.
func (c *WSClient) readPump(ka keepalive) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(ka.readLimit)
	//nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetReadDeadline(ka.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(ka.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application frames count as liveness too.
		//nolint:errcheck // a failed deadline surfaces on the next read
		c.conn.SetReadDeadline(ka.readDeadline())
		c.handleMessage(data)
	}
}

// writePump owns writes on the connection. It exits when the send channel
// is closed or a write fails.
func (c *WSClient) writePump(ka keepalive) {
	ticker := time.NewTicker(ka.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces on the write
		c.conn.SetWriteDeadline(time.Now().Add(ka.wait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is closing anyway
				write(websocket.CloseMessage, nil)
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
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(req, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(req, false)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorBody("unknown message type: "+req.Type))
	}
}

// updateSubscriptions applies a subscribe (add) or unsubscribe request.
// A request naming any unknown channel is rejected as a whole.
func (c *WSClient) updateSubscriptions(req wsRequest, add bool) {
	var body WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &body) != nil || len(body.Channels) == 0 {
		c.reply(req.ID, WSTypeError, errorBody("payload must list channels"))
		return
	}
	if add {
		for _, ch := range body.Channels {
			if !validChannel(ch) {
				c.reply(req.ID, WSTypeError, errorBody("unknown channel: "+ch))
				return
			}
		}
	}

	c.mu.Lock()
	for _, ch := range body.Channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "channels", body.Channels)
	}
	c.reply(req.ID, WSTypeResponse, map[string]any{key: body.Channels})
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}

// reply sends a response frame correlated by id.
func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := encodeFrame(WSMessage{Type: msgType, ID: id, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue queues data for writePump. It reports false when the client is
// gone or its buffer is full; the latter is counted as a drop.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.dropped.Add(1)
		return false
	}
}

// shutdown closes the send channel once.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}
