package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalhaus/fleetcore/internal/fleet"
	"github.com/signalhaus/fleetcore/internal/infrastructure/config"
	"github.com/signalhaus/fleetcore/internal/infrastructure/database"
	"github.com/signalhaus/fleetcore/internal/infrastructure/logging"
	_ "github.com/signalhaus/fleetcore/migrations" // Embed schema migrations
)

// stubConn is a fleet.Conn backed by a channel, for driving the registry
// without a real WebSocket.
type stubConn struct {
	id   string
	sent chan any
}

func newStubConn(id string) *stubConn {
	return &stubConn{id: id, sent: make(chan any, 16)}
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Send(v any) error {
	c.sent <- v
	return nil
}

// setupAPITestRepo creates a migrated SQLite repository on a temp file.
func setupAPITestRepo(t *testing.T) *fleet.SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "fleet.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	return fleet.NewSQLiteRepository(db)
}

// testServer creates a Server wired the way main does it: hub as the
// registry notifier, SQLite-backed repository, real command router.
func testServer(t *testing.T, port int) (*Server, *fleet.Registry, *fleet.SQLiteRepository) {
	t.Helper()

	repo := setupAPITestRepo(t)
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	wsCfg := config.WebSocketConfig{
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}
	hub := NewHub(wsCfg, log)

	registry := fleet.NewRegistry(repo, hub)
	router := fleet.NewRouter(registry, repo, hub)

	srv, err := New(Deps{
		Config: config.ServerConfig{
			Host: "127.0.0.1",
			Port: port,
			Timeouts: config.ServerTimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS:          wsCfg,
		Logger:      log,
		Registry:    registry,
		Router:      router,
		Repo:        repo,
		ExternalHub: hub,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return srv, registry, repo
}

// registerStubTablet binds a stub connection into the registry.
func registerStubTablet(t *testing.T, registry *fleet.Registry, connID, tabletID string) *stubConn {
	t.Helper()

	conn := newStubConn(connID)
	registry.Register(conn, fleet.RegisterPayload{TabletID: &tabletID})
	return conn
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp["success"] != true {
		t.Errorf("success = %v, want true", resp["success"])
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

// hijackRecorder is a ResponseRecorder that also satisfies http.Hijacker.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriter_HijackDelegates(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	// The wrapped writer must still be upgradeable to a raw connection.
	var hj http.Hijacker = w
	if _, _, err := hj.Hijack(); err != nil {
		t.Fatalf("Hijack() error = %v", err)
	}
	if !rec.hijacked {
		t.Error("Hijack() did not reach the underlying writer")
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack() should fail when the underlying writer cannot hijack")
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Tablet Endpoint Tests ─────────────────────────────────────────

func TestListTablets_Empty(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if int(resp["count"].(float64)) != 0 {
		t.Errorf("count = %v, want 0", resp["count"])
	}
}

func TestListTablets_Connected(t *testing.T) {
	srv, registry, _ := testServer(t, 0)
	router := srv.buildRouter()

	registerStubTablet(t, registry, "conn-a", "lobby")
	registerStubTablet(t, registry, "conn-b", "kitchen")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Success bool           `json:"success"`
		Count   int            `json:"count"`
		Tablets []fleet.Tablet `json:"tablets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	// Snapshot is sorted by tablet id
	if resp.Tablets[0].TabletID != "kitchen" || resp.Tablets[1].TabletID != "lobby" {
		t.Errorf("tablet order = %s, %s; want kitchen, lobby", resp.Tablets[0].TabletID, resp.Tablets[1].TabletID)
	}
}

func TestGetTablet_FromRegistry(t *testing.T) {
	srv, registry, _ := testServer(t, 0)
	router := srv.buildRouter()

	registerStubTablet(t, registry, "conn-a", "lobby")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets/lobby", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Tablet fleet.Tablet `json:"tablet"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Tablet.Status != fleet.StatusOnline {
		t.Errorf("status = %s, want online", resp.Tablet.Status)
	}
}

func TestGetTablet_FallsBackToStore(t *testing.T) {
	srv, _, repo := testServer(t, 0)
	router := srv.buildRouter()

	// Known to the durable store but not connected.
	stored := &fleet.Tablet{
		TabletID: "hallway",
		Name:     "Hallway Display",
		Status:   fleet.StatusOffline,
		LastSeen: time.Now().UTC(),
	}
	if err := repo.UpsertTablet(context.Background(), stored); err != nil {
		t.Fatalf("UpsertTablet: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets/hallway", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Tablet fleet.Tablet `json:"tablet"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Tablet.Status != fleet.StatusOffline {
		t.Errorf("status = %s, want offline", resp.Tablet.Status)
	}
	if resp.Tablet.Name != "Hallway Display" {
		t.Errorf("name = %q, want %q", resp.Tablet.Name, "Hallway Display")
	}
}

func TestGetTablet_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
}

// ─── Command Dispatch Tests ────────────────────────────────────────

func TestSendCommand(t *testing.T) {
	srv, registry, _ := testServer(t, 0)
	router := srv.buildRouter()

	conn := registerStubTablet(t, registry, "conn-a", "lobby")

	body := `{"command": "navigate", "params": {"url": "https://example.test/menu"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tablets/lobby/command", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	select {
	case sent := <-conn.sent:
		msg, ok := sent.(fleet.CommandMessage)
		if !ok {
			t.Fatalf("sent message type = %T, want fleet.CommandMessage", sent)
		}
		if msg.Command != "navigate" {
			t.Errorf("command = %q, want %q", msg.Command, "navigate")
		}
		if msg.Params["url"] != "https://example.test/menu" {
			t.Errorf("params url = %v", msg.Params["url"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command on tablet connection")
	}
}

func TestSendCommand_NotConnected(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	body := `{"command": "reload"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tablets/ghost/command", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSendCommand_MissingCommand(t *testing.T) {
	srv, registry, _ := testServer(t, 0)
	router := srv.buildRouter()

	registerStubTablet(t, registry, "conn-a", "lobby")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tablets/lobby/command", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSendCommand_InvalidJSON(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tablets/lobby/command", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ─── Command Log Tests ─────────────────────────────────────────────

func TestTabletCommandLog(t *testing.T) {
	srv, _, repo := testServer(t, 0)
	router := srv.buildRouter()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		entry := &fleet.CommandLogEntry{
			TabletID:  "lobby",
			Command:   fmt.Sprintf("cmd-%d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.AppendCommandLog(ctx, entry); err != nil {
			t.Fatalf("AppendCommandLog: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tablets/lobby/logs?limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Count int                     `json:"count"`
		Logs  []fleet.CommandLogEntry `json:"logs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestCommandLog_InvalidLimit(t *testing.T) {
	srv, _, _ := testServer(t, 0)
	router := srv.buildRouter()

	for _, limit := range []string{"abc", "0", "-5"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/logs?limit="+limit, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

// ─── Stats Tests ───────────────────────────────────────────────────

func TestStats(t *testing.T) {
	srv, registry, repo := testServer(t, 0)
	router := srv.buildRouter()

	registerStubTablet(t, registry, "conn-a", "lobby")

	// A tablet known only to the store counts as known but not connected.
	offline := &fleet.Tablet{
		TabletID: "hallway",
		Name:     "Hallway Display",
		Status:   fleet.StatusOffline,
		LastSeen: time.Now().UTC(),
	}
	if err := repo.UpsertTablet(context.Background(), offline); err != nil {
		t.Fatalf("UpsertTablet: %v", err)
	}
	// Registry registration persists asynchronously; write through directly
	// so the stats query sees both rows.
	online, err := registry.Lookup("lobby")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := repo.UpsertTablet(context.Background(), online); err != nil {
		t.Fatalf("UpsertTablet: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Connected int `json:"connected"`
		Known     int `json:"known"`
		Online    int `json:"online"`
		Observers int `json:"observers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Connected != 1 {
		t.Errorf("connected = %d, want 1", resp.Connected)
	}
	if resp.Known != 2 {
		t.Errorf("known = %d, want 2", resp.Known)
	}
	if resp.Online != 1 {
		t.Errorf("online = %d, want 1", resp.Online)
	}
	if resp.Observers != 0 {
		t.Errorf("observers = %d, want 0", resp.Observers)
	}
}

// ─── Observer Hub Tests ────────────────────────────────────────────

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testHubClient(hub *Hub) *WSClient {
	return &WSClient{
		id:   "observer-1",
		hub:  hub,
		send: make(chan []byte, wsSendBufferSize),
	}
}

func TestHub_NotifyBroadcasts(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	client := testHubClient(hub)
	hub.Register(client)

	hub.Notify(fleet.Event{
		Type:    fleet.EventTabletOnline,
		Payload: &fleet.Tablet{TabletID: "lobby", Status: fleet.StatusOnline},
	}, "")

	select {
	case data := <-client.send:
		var frame WSFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != fleet.EventTabletOnline {
			t.Errorf("frame type = %q, want %q", frame.Type, fleet.EventTabletOnline)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast frame")
	}
}

func TestHub_NotifyExcludesOriginator(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	client := testHubClient(hub)
	hub.Register(client)

	// Event originated by this observer's own connection id.
	hub.Notify(fleet.Event{Type: fleet.EventCommandResult}, client.id)

	select {
	case <-client.send:
		t.Error("originating connection should not receive its own event")
	case <-time.After(100 * time.Millisecond):
		// OK - no frame received
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := testHubClient(hub)
	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestMarshalFrame(t *testing.T) {
	data, err := marshalFrame(WSTypePong, nil)
	if err != nil {
		t.Fatalf("marshalFrame: %v", err)
	}

	var frame WSFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != WSTypePong {
		t.Errorf("type = %q, want %q", frame.Type, WSTypePong)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("payload = %s, want empty", frame.Payload)
	}
}

// ─── WebSocket Integration Tests ───────────────────────────────────

// startTestServer starts a server on a real listener and returns its address.
func startTestServer(t *testing.T, port int) (*Server, *fleet.Registry, string) {
	t.Helper()

	srv, registry, _ := testServer(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test cleanup

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Wait for listener to come up
	time.Sleep(100 * time.Millisecond)

	return srv, registry, fmt.Sprintf("127.0.0.1:%d", port)
}

func TestServer_StartAndClose(t *testing.T) {
	srv, _, addr := startTestServer(t, 19180)

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_HealthCheck(t *testing.T) {
	srv, _, _ := testServer(t, 0)

	// Not started yet; the health check should report that.
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail before Start()")
	}
}

func TestDashboardWS_SnapshotOnConnect(t *testing.T) {
	_, registry, addr := startTestServer(t, 19181)

	registerStubTablet(t, registry, "conn-a", "lobby")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if frame.Type != WSTypeSnapshot {
		t.Fatalf("first frame type = %q, want %q", frame.Type, WSTypeSnapshot)
	}

	var tablets []fleet.Tablet
	if err := json.Unmarshal(frame.Payload, &tablets); err != nil {
		t.Fatalf("unmarshal snapshot payload: %v", err)
	}
	if len(tablets) != 1 || tablets[0].TabletID != "lobby" {
		t.Errorf("snapshot = %+v, want one tablet lobby", tablets)
	}
}

func TestDashboardWS_PingPong(t *testing.T) {
	_, _, addr := startTestServer(t, 19182)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if err := ws.WriteJSON(WSFrame{Type: WSTypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Type != WSTypePong {
		t.Errorf("frame type = %q, want %q", frame.Type, WSTypePong)
	}
}

func TestDashboardWS_InvalidMessage(t *testing.T) {
	_, _, addr := startTestServer(t, 19183)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}

	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame.Type != WSTypeError {
		t.Errorf("frame type = %q, want %q", frame.Type, WSTypeError)
	}
}

func TestDashboardWS_CommandAck(t *testing.T) {
	_, registry, addr := startTestServer(t, 19184)

	conn := registerStubTablet(t, registry, "conn-a", "lobby")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	payload, _ := json.Marshal(commandFrame{TabletID: "lobby", Command: "reload"})
	if err := ws.WriteJSON(WSFrame{Type: WSTypeCommand, Payload: payload}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if frame.Type != WSTypeCommandAck {
		t.Fatalf("frame type = %q, want %q", frame.Type, WSTypeCommandAck)
	}

	var ack commandAck
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Errorf("ack success = false, want true; error = %q", ack.Error)
	}

	// The command reaches the tablet connection
	select {
	case sent := <-conn.sent:
		msg, ok := sent.(fleet.CommandMessage)
		if !ok || msg.Command != "reload" {
			t.Errorf("tablet received %+v, want reload command", sent)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for command on tablet connection")
	}
}

func TestDashboardWS_CommandUnknownTablet(t *testing.T) {
	_, _, addr := startTestServer(t, 19185)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	payload, _ := json.Marshal(commandFrame{TabletID: "ghost", Command: "reload"})
	if err := ws.WriteJSON(WSFrame{Type: WSTypeCommand, Payload: payload}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	var ack commandAck
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Success {
		t.Error("ack success = true for unknown tablet, want false")
	}
}

func TestTabletConn_SendRacesShutdown(t *testing.T) {
	tc := &tabletConn{
		id:     "conn-race",
		send:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tc.Send(fleet.CommandMessage{Type: "command", Command: "reload"})
		}
	}()

	// A disconnect landing mid-dispatch must not panic the sender.
	tc.shutdown()
	wg.Wait()

	if err := tc.Send(fleet.CommandMessage{Type: "command", Command: "reload"}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send after shutdown = %v, want ErrConnClosed", err)
	}
}

func TestTabletWS_RegisterAndBroadcast(t *testing.T) {
	_, registry, addr := startTestServer(t, 19186)

	// Connect a device and register it
	tabletWS, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/tablet", nil)
	if err != nil {
		t.Fatalf("tablet dial failed: %v", err)
	}
	defer tabletWS.Close()

	registerPayload, _ := json.Marshal(map[string]any{
		"tabletId": "lobby",
		"name":     "Lobby Display",
	})
	if err := tabletWS.WriteJSON(WSFrame{Type: "register", Payload: registerPayload}); err != nil {
		t.Fatalf("write register frame: %v", err)
	}

	// Wait for the registration to land
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := registry.Lookup("lobby"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for tablet registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// An observer connecting now sees the tablet in the snapshot
	dashWS, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/dashboard", nil)
	if err != nil {
		t.Fatalf("dashboard dial failed: %v", err)
	}
	defer dashWS.Close()

	dashWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame WSFrame
	if err := dashWS.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var tablets []fleet.Tablet
	if err := json.Unmarshal(frame.Payload, &tablets); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(tablets) != 1 || tablets[0].Name != "Lobby Display" {
		t.Fatalf("snapshot = %+v, want Lobby Display", tablets)
	}

	// A status report from the device reaches the observer as an event
	statusPayload, _ := json.Marshal(map[string]any{
		"currentUrl": "https://example.test/menu",
	})
	if err := tabletWS.WriteJSON(WSFrame{Type: "status", Payload: statusPayload}); err != nil {
		t.Fatalf("write status frame: %v", err)
	}

	if err := dashWS.ReadJSON(&frame); err != nil {
		t.Fatalf("read status event: %v", err)
	}
	if frame.Type != fleet.EventTabletStatusChanged {
		t.Errorf("frame type = %q, want %q", frame.Type, fleet.EventTabletStatusChanged)
	}

	var updated fleet.Tablet
	if err := json.Unmarshal(frame.Payload, &updated); err != nil {
		t.Fatalf("unmarshal status event: %v", err)
	}
	if updated.CurrentURL != "https://example.test/menu" {
		t.Errorf("currentUrl = %q, want %q", updated.CurrentURL, "https://example.test/menu")
	}

	// Closing the device connection broadcasts its offline event
	tabletWS.Close()

	if err := dashWS.ReadJSON(&frame); err != nil {
		t.Fatalf("read offline event: %v", err)
	}
	if frame.Type != fleet.EventTabletOffline {
		t.Errorf("frame type = %q, want %q", frame.Type, fleet.EventTabletOffline)
	}
}
