package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalhaus/fleetcore/internal/fleet"
	"github.com/signalhaus/fleetcore/internal/infrastructure/config"
	"github.com/signalhaus/fleetcore/internal/infrastructure/logging"
)

// WebSocket frame types.
const (
	WSTypeSnapshot   = "snapshot"
	WSTypeCommand    = "command"
	WSTypeCommandAck = "command-ack"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
	WSTypeError      = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSFrame is the wire format for both WebSocket surfaces.
type WSFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// marshalFrame encodes an outbound frame.
func marshalFrame(frameType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(WSFrame{Type: frameType, Payload: raw})
}

// Hub manages dashboard observer connections and fans fleet events out to
// them.
//
// It implements fleet.Notifier: every registry or router event becomes one
// frame per observer, delivered best-effort. A slow observer's frames are
// dropped rather than blocking the rest of the fleet.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected dashboard observer.
type WSClient struct {
	id   string
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	addr string
}

// NewHub creates a new observer hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("observer connected", "observer_id", client.id, "observers", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("observer disconnected", "observer_id", client.id, "observers", h.ClientCount())
}

// Notify implements fleet.Notifier. The event is delivered to every
// connected observer except the one identified by excludeConn.
// Lock ordering: hub lock is snapshotted and released before any sends.
func (h *Hub) Notify(event fleet.Event, excludeConn string) {
	data, err := marshalFrame(event.Type, event.Payload)
	if err != nil {
		h.logger.Error("failed to marshal event frame", "event", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.id == excludeConn {
			continue
		}
		client.trySend(data)
		sent++
	}
	if sent > 0 {
		h.logger.Debug("event broadcast", "event", event.Type, "recipients", sent)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close() //nolint:errcheck // Best-effort close during shutdown
		}
		delete(h.clients, client)
	}
}

// newWSClient creates an observer client for an upgraded connection.
func newWSClient(srv *Server, conn *websocket.Conn, addr string) *WSClient {
	return &WSClient{
		id:   uuid.NewString(),
		hub:  srv.hub,
		srv:  srv,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		addr: addr,
	}
}

// readPump reads messages from the observer connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // Connection teardown
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("observer read error", "observer_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("observer closed", "observer_id", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the observer connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // Connection teardown
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// commandFrame is the payload of an observer-issued command frame.
type commandFrame struct {
	TabletID string         `json:"tabletId"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
}

// commandAck is the per-sender acknowledgment for a command frame.
// It reports dispatch outcome only; execution results arrive separately as
// command-result events.
type commandAck struct {
	TabletID string `json:"tabletId"`
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// handleMessage processes an incoming observer message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendFrame(WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeCommand:
		c.handleCommand(msg)
	case WSTypePing:
		c.sendFrame(WSTypePong, nil)
	default:
		c.sendFrame(WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// handleCommand dispatches an observer-issued command to a tablet.
func (c *WSClient) handleCommand(msg WSFrame) {
	var cmd commandFrame
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		c.sendFrame(WSTypeError, map[string]string{"message": "invalid command payload"})
		return
	}
	if cmd.TabletID == "" || cmd.Command == "" {
		c.sendFrame(WSTypeError, map[string]string{"message": "tabletId and command are required"})
		return
	}

	ack := commandAck{TabletID: cmd.TabletID, Command: cmd.Command, Success: true}
	if err := c.srv.router.Dispatch(cmd.TabletID, cmd.Command, cmd.Params, c.addr); err != nil {
		ack.Success = false
		ack.Error = "tablet not connected"
	}
	c.sendFrame(WSTypeCommandAck, ack)
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendFrame marshals and sends a frame to this observer only.
func (c *WSClient) sendFrame(frameType string, payload any) {
	data, err := marshalFrame(frameType, payload)
	if err != nil {
		return
	}
	c.trySend(data)
}
