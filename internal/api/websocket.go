package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalhaus/fleetcore/internal/fleet"
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleDashboardWS upgrades an observer connection and streams fleet events
// to it. The observer receives a full snapshot on connect, then incremental
// events via the hub.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s, conn, remoteHost(r))
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)

	// Late joiners get the current fleet state up front; there is no replay
	// of events they missed.
	client.sendFrame(WSTypeSnapshot, s.registry.Snapshot())
}

// tabletConn is one live device connection. It implements fleet.Conn so the
// registry and router can address the device without knowing the transport.
type tabletConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// ErrConnClosed is returned by Send when the connection is gone or its
// outbound buffer is full.
var ErrConnClosed = errors.New("api: tablet connection closed or congested")

// ID returns the ephemeral connection handle.
func (tc *tabletConn) ID() string {
	return tc.id
}

// Send queues a message for delivery to the tablet. Delivery is best-effort:
// a full buffer or closed connection drops the message with an error.
func (tc *tabletConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-tc.closed:
		return ErrConnClosed
	default:
	}

	select {
	case tc.send <- data:
		return nil
	default:
		return ErrConnClosed
	}
}

// shutdown marks the connection closed exactly once. The send channel is
// deliberately left open: closing it could panic a Send racing the
// disconnect, so the write pump exits on the closed signal instead.
func (tc *tabletConn) shutdown() {
	tc.closeOnce.Do(func() {
		close(tc.closed)
	})
}

// handleTabletWS upgrades a device connection and runs its message loop.
//
// The device drives the protocol: it registers, reports status, and emits
// command results. The core pushes commands down the same connection. When
// the read loop exits for any reason the device is removed from the
// registry, which broadcasts its offline event.
func (s *Server) handleTabletWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	tc := &tabletConn{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		closed: make(chan struct{}),
	}

	s.logger.Info("tablet connection opened", "conn_id", tc.id, "remote", r.RemoteAddr)

	go s.tabletWritePump(tc)
	go s.tabletReadPump(tc, remoteHost(r))
}

// tabletReadPump reads and dispatches device frames until the connection
// dies.
func (s *Server) tabletReadPump(tc *tabletConn, remoteIP string) {
	defer func() {
		tc.shutdown()
		tc.conn.Close() //nolint:errcheck // Connection teardown

		// A device that never registered has nothing to remove.
		if _, err := s.registry.Remove(tc.id); err != nil && !errors.Is(err, fleet.ErrTabletNotFound) {
			s.logger.Warn("tablet removal failed", "conn_id", tc.id, "error", err)
		}
	}()

	tc.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	tc.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	tc.conn.SetPongHandler(func(string) error {
		return tc.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := tc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("tablet read error", "conn_id", tc.id, "error", err)
			} else {
				s.logger.Debug("tablet connection closed", "conn_id", tc.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		tc.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		s.handleTabletFrame(tc, message, remoteIP)
	}
}

// tabletWritePump writes queued frames and protocol pings to the device.
func (s *Server) tabletWritePump(tc *tabletConn) {
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		tc.conn.Close() //nolint:errcheck // Connection teardown
	}()

	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second

	for {
		select {
		case <-tc.closed:
			//nolint:errcheck // Best-effort close message
			tc.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case message := <-tc.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			tc.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := tc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			tc.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := tc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Device frame types.
const (
	tabletTypeRegister      = "register"
	tabletTypeStatus        = "status"
	tabletTypeCommandResult = "command-executed"
)

// handleTabletFrame processes one inbound device frame.
//
// Malformed frames are logged and dropped; they never tear down the
// connection.
func (s *Server) handleTabletFrame(tc *tabletConn, data []byte, remoteIP string) {
	var msg WSFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("invalid tablet frame", "conn_id", tc.id, "error", err)
		return
	}

	switch msg.Type {
	case tabletTypeRegister:
		var p fleet.RegisterPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.logger.Warn("invalid register payload", "conn_id", tc.id, "error", err)
				return
			}
		}
		// The server sees the real peer address; only trust a device-supplied
		// IP when the observed one is unavailable.
		if p.IP == nil && remoteIP != "" {
			p.IP = &remoteIP
		}
		s.registry.Register(tc, p)

	case tabletTypeStatus:
		var p fleet.StatusPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.logger.Warn("invalid status payload", "conn_id", tc.id, "error", err)
				return
			}
		}
		// Status from an unregistered connection is a no-op.
		if _, err := s.registry.UpdateStatus(tc.id, p); err != nil && !errors.Is(err, fleet.ErrTabletNotFound) {
			s.logger.Warn("status update failed", "conn_id", tc.id, "error", err)
		}

	case tabletTypeCommandResult:
		var res fleet.CommandResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			s.logger.Warn("invalid command result payload", "conn_id", tc.id, "error", err)
			return
		}
		// Fill in the emitting identity when the device omits it.
		if res.TabletID == "" {
			if own, lookupErr := s.lookupByConn(tc.id); lookupErr == nil {
				res.TabletID = own.TabletID
			}
		}
		s.router.HandleResult(tc.id, res)

	default:
		s.logger.Warn("unknown tablet frame type", "conn_id", tc.id, "type", msg.Type)
	}
}

// lookupByConn finds the tablet registered on a given connection handle.
func (s *Server) lookupByConn(connID string) (*fleet.Tablet, error) {
	for _, t := range s.registry.Snapshot() {
		if t.ConnID == connID {
			tab := t
			return &tab, nil
		}
	}
	return nil, fleet.ErrTabletNotFound
}

// remoteHost strips the port from a request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
