package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pebble-core/internal/audit"
	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
	"github.com/nerrad567/pebble-core/internal/infrastructure/database"
	"github.com/nerrad567/pebble-core/internal/infrastructure/logging"
	"github.com/nerrad567/pebble-core/internal/ingest"
	"github.com/nerrad567/pebble-core/internal/metrics"
	"github.com/nerrad567/pebble-core/internal/pebble"
	"github.com/nerrad567/pebble-core/internal/resource"
	_ "github.com/nerrad567/pebble-core/migrations" // registers the schema migrations
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// testEnv is a server wired to a real handler over in-memory SQLite.
type testEnv struct {
	srv    *Server
	router http.Handler
	store  *pebble.SQLiteStore
	db     *database.DB
}

// testServer creates a Server over a real event stack. mutate may adjust
// the dependencies before the server is built.
func testServer(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store, err := pebble.NewSQLiteStore(db.Sqlx(), pebble.DefaultRelations())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	table := resource.NewTable(16)
	machine := pebble.NewMachine(store)
	handler := pebble.NewHandler(table, nil, machine)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	handler.AddObserver(audit.NewRecorder(auditRepo))

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testSecret,
				AccessTokenTTL: 15,
			},
		},
		Logger:     logging.Discard(),
		Dispatcher: ingest.NewDispatcher(handler, table, time.Second),
		Store:      store,
		States:     machine,
		AuditRepo:  auditRepo,
		Health:     map[string]HealthChecker{"database": db},
		DB:         db,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	handler.AddObserver(srv.Hub())

	return &testEnv{srv: srv, router: srv.buildRouter(), store: store, db: db}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postEvent(t *testing.T, kind, payload string) ingest.Result {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/events/"+kind, payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST %s status = %d, body %s", kind, w.Code, w.Body.String())
	}
	var res ingest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res
}

type failingChecker struct{}

func (failingChecker) HealthCheck(context.Context) error { return errors.New("broker unreachable") }

// ─── Health and middleware ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Status     string            `json:"status"`
		Version    string            `json:"version"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("body = %+v", body)
	}
	if body.Components["database"] != "ok" {
		t.Errorf("database component = %q, want ok", body.Components["database"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Health["mqtt"] = failingChecker{}
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(w.Body.String(), "broker unreachable") {
		t.Errorf("body %s does not name the failing component", w.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}

	w = env.do(t, http.MethodGet, "/api/v1/health", "", map[string]string{"X-Request-ID": "client-42"})
	if got := w.Header().Get("X-Request-ID"); got != "client-42" {
		t.Errorf("X-Request-ID = %q, want client-42", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://ops.local"}
	})

	w := env.do(t, http.MethodOptions, "/api/v1/events/data", "", map[string]string{"Origin": "http://ops.local"})
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ops.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	w = env.do(t, http.MethodOptions, "/api/v1/events/data", "", map[string]string{"Origin": "http://evil.local"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetricsRoute(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Metrics = metrics.New().Handler()
	})

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected runtime collectors in exposition")
	}
}

// ─── Event ingress ─────────────────────────────────────────────────

func TestIngestEvent_Lifecycle(t *testing.T) {
	env := testServer(t, nil)

	steps := []struct {
		kind    string
		payload string
		want    pebble.Status
	}{
		{"data", `{"pebbleId":"p1","message":"m0","timestamp":"t0"}`, pebble.StatusFailed},
		{"registered", `{"pebbleId":"p1","vehicleId":"v1"}`, pebble.StatusOK},
		{"registered", `{"pebbleId":"p1","vehicleId":"v2"}`, pebble.StatusFailed},
		{"binding", `{"pebbleId":"p1","wallet":"0xabc","isBound":"true"}`, pebble.StatusOK},
		{"data", `{"pebbleId":"p1","message":"m1","timestamp":"t1"}`, pebble.StatusOK},
		{"data", `not json`, pebble.StatusFailed},
	}

	for i, step := range steps {
		res := env.postEvent(t, step.kind, step.payload)
		if res.Status != step.want {
			t.Errorf("step %d (%s): status = %d, want %d", i, step.kind, res.Status, step.want)
		}
		if res.EventID == "" {
			t.Errorf("step %d: empty event_id", i)
		}
	}

	readings, err := env.store.Readings(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("Readings: %v", err)
	}
	if len(readings) != 1 || readings[0].Data != "m1" {
		t.Errorf("readings = %+v, want only m1", readings)
	}
}

func TestIngestEvent_UnknownKind(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/events/unbind", `{"pebbleId":"p1"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestIngestEvent_TooLarge(t *testing.T) {
	env := testServer(t, nil)

	body := `{"pebbleId":"p1","message":"` + strings.Repeat("x", maxRequestBodySize) + `","timestamp":"t"}`
	w := env.do(t, http.MethodPost, "/api/v1/events/data", body, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestIngestEvent_Auth(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Security.IngressAuth = true
	})
	payload := `{"pebbleId":"p1","vehicleId":"v1"}`

	w := env.do(t, http.MethodPost, "/api/v1/events/registered", payload, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/events/registered", payload,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", w.Code)
	}

	token, err := IssueToken(testSecret, "gateway-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	w = env.do(t, http.MethodPost, "/api/v1/events/registered", payload,
		map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, body %s", w.Code, w.Body.String())
	}

	// Health stays open.
	w = env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health with auth enabled: status = %d, want 200", w.Code)
	}
}

func TestNew_AuthWithoutSecret(t *testing.T) {
	_, err := New(Deps{
		Logger:     logging.Discard(),
		Dispatcher: ingest.NewDispatcher(nil, resource.NewTable(1), 0),
		Store:      &pebble.SQLiteStore{},
		States:     pebble.NewMachine(nil),
		Security:   config.SecurityConfig{IngressAuth: true},
	})
	if err == nil {
		t.Error("expected error when ingress auth has no secret")
	}
}

func TestIngestEvent_RateLimited(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})
	payload := `{"pebbleId":"p1","vehicleId":"v1"}`

	if w := env.do(t, http.MethodPost, "/api/v1/events/registered", payload, nil); w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/v1/events/registered", payload, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Queries are not rate limited.
	if w := env.do(t, http.MethodGet, "/api/v1/stats", "", nil); w.Code != http.StatusOK {
		t.Errorf("stats: status = %d, want 200", w.Code)
	}
}

// ─── Tokens and tickets ────────────────────────────────────────────

func TestParseToken(t *testing.T) {
	token, err := IssueToken(testSecret, "gateway-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	subject, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if subject != "gateway-1" {
		t.Errorf("subject = %q, want gateway-1", subject)
	}

	if _, err := ParseToken("another-secret", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v, want ErrInvalidToken", err)
	}

	expired, err := IssueToken(testSecret, "gateway-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken(testSecret, expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: err = %v, want ErrInvalidToken", err)
	}

	if _, err := IssueToken("", "gateway-1", time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty secret: err = %v, want ErrInvalidToken", err)
	}
}

func TestWSTicket_SingleUse(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/auth/ws-ticket", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ticket, ok := resp["ticket"].(string)
	if !ok || ticket == "" {
		t.Fatal("expected ticket to be a non-empty string")
	}

	if !env.srv.tickets.consume(ticket) {
		t.Error("ticket should be valid on first use")
	}
	if env.srv.tickets.consume(ticket) {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	ts := newTicketStore()
	ticket := ts.issue()
	ts.tickets[ticket] = time.Now().Add(-time.Second)

	if ts.consume(ticket) {
		t.Error("expired ticket should not be valid")
	}

	stale := ts.issue()
	ts.tickets[stale] = time.Now().Add(-time.Second)
	ts.clean()
	if len(ts.tickets) != 0 {
		t.Errorf("clean left %d tickets", len(ts.tickets))
	}
}

// ─── Operator queries ──────────────────────────────────────────────

func TestGetPebble(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/pebbles/p1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown device: status = %d, want 404", w.Code)
	}

	env.postEvent(t, "registered", `{"pebbleId":"p1","vehicleId":"v1"}`)

	var resp struct {
		DeviceID     string               `json:"device_id"`
		State        string               `json:"state"`
		Registration *pebble.Registration `json:"registration"`
		Binding      *pebble.Binding      `json:"binding"`
	}
	w = env.do(t, http.MethodGet, "/api/v1/pebbles/p1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State != "registered" || resp.Registration == nil || resp.Registration.VehicleID != "v1" {
		t.Errorf("registered device = %+v", resp)
	}
	if resp.Binding != nil {
		t.Errorf("unexpected binding %+v", resp.Binding)
	}

	env.postEvent(t, "binding", `{"pebbleId":"p1","wallet":"0xabc","isBound":"true"}`)

	resp.Binding = nil
	w = env.do(t, http.MethodGet, "/api/v1/pebbles/p1", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.State != "bound" || resp.Binding == nil || resp.Binding.OwnerWallet != "0xabc" {
		t.Errorf("bound device = %+v", resp)
	}
}

func TestListReadings(t *testing.T) {
	env := testServer(t, nil)
	env.postEvent(t, "registered", `{"pebbleId":"p1","vehicleId":"v1"}`)
	env.postEvent(t, "binding", `{"pebbleId":"p1","wallet":"0xabc","isBound":"true"}`)
	env.postEvent(t, "data", `{"pebbleId":"p1","message":"m1","timestamp":"t1"}`)
	env.postEvent(t, "data", `{"pebbleId":"p1","message":"m2","timestamp":"t2"}`)

	w := env.do(t, http.MethodGet, "/api/v1/pebbles/p1/readings?limit=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Readings []pebble.Reading `json:"readings"`
		Count    int              `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || resp.Readings[0].Data != "m2" {
		t.Errorf("readings = %+v, want newest only", resp)
	}

	w = env.do(t, http.MethodGet, "/api/v1/pebbles/unknown/readings", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"readings":[]`) {
		t.Errorf("unknown device: status %d body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/pebbles/p1/readings?limit=zero", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestStats(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Transports = map[string]ConnectionReporter{"mqtt": disconnected{}}
	})
	env.postEvent(t, "registered", `{"pebbleId":"p1","vehicleId":"v1"}`)
	env.postEvent(t, "registered", `{"pebbleId":"p2","vehicleId":"v2"}`)
	env.postEvent(t, "binding", `{"pebbleId":"p1","wallet":"0xabc","isBound":"true"}`)

	w := env.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats SystemStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Relations.Registered != 2 || stats.Relations.Bound != 1 || stats.Relations.Readings != 0 {
		t.Errorf("relations = %+v", stats.Relations)
	}
	if connected, ok := stats.Transports["mqtt"]; !ok || connected {
		t.Errorf("transports = %v, want mqtt disconnected", stats.Transports)
	}
	if stats.Database == nil || stats.Runtime.Goroutines == 0 {
		t.Errorf("missing runtime or database stats: %+v", stats)
	}
}

type disconnected struct{}

func (disconnected) IsConnected() bool { return false }

func TestListAudit(t *testing.T) {
	env := testServer(t, nil)
	env.postEvent(t, "registered", `{"pebbleId":"p1","vehicleId":"v1"}`)
	env.postEvent(t, "data", `{"pebbleId":"p1","message":"m","timestamp":"t"}`)

	w := env.do(t, http.MethodGet, "/api/v1/audit?failed=true", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var result audit.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 1 || result.Records[0].Kind != "data" || result.Records[0].ErrorKind != "precondition" {
		t.Errorf("failed records = %+v", result)
	}
	if result.Records[0].Source != ingest.SourceHTTP {
		t.Errorf("source = %q, want %q", result.Records[0].Source, ingest.SourceHTTP)
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit?device_id=p1&kind=registered", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 1 || result.Records[0].Status != 0 {
		t.Errorf("registered records = %+v", result)
	}

	w = env.do(t, http.MethodGet, "/api/v1/audit?failed=maybe", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad failed flag: status = %d, want 400", w.Code)
	}
}

func TestListAudit_NotConfigured(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.AuditRepo = nil })

	w := env.do(t, http.MethodGet, "/api/v1/audit", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── WebSocket hub ─────────────────────────────────────────────────

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func newFakeClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	return &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: subs,
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := newFakeClient(hub, "test.channel")
	hub.Register(client)

	hub.Broadcast("test.channel", map[string]any{"key": "value"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != "test.channel" {
			t.Errorf("event_type = %q, want %q", wsMsg.EventType, "test.channel")
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := newTestHub(t)
	client := newFakeClient(hub, "other.channel")
	hub.Register(client)

	hub.Broadcast("test.channel", map[string]any{"key": "value"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ObserveOutcome(t *testing.T) {
	hub := newTestHub(t)
	both := newFakeClient(hub, ChannelOutcome, DeviceChannel("p1"))
	device := newFakeClient(hub, DeviceChannel("p1"))
	otherDevice := newFakeClient(hub, DeviceChannel("p2"))
	for _, c := range []*WSClient{both, device, otherDevice} {
		hub.Register(c)
	}

	hub.Observe(context.Background(), pebble.Outcome{
		EventID:  "ev-1",
		Kind:     pebble.EventRegistered,
		DeviceID: "p1",
		Status:   pebble.StatusOK,
		Transition: pebble.Transition{
			Kind: pebble.EventRegistered, DeviceID: "p1",
			From: pebble.StateUnknown, To: pebble.StateRegistered,
		},
		At: time.Now(),
	})

	if got := len(both.send); got != 1 {
		t.Errorf("client on both channels got %d messages, want 1", got)
	}
	if got := len(device.send); got != 1 {
		t.Errorf("device subscriber got %d messages, want 1", got)
	}
	if got := len(otherDevice.send); got != 0 {
		t.Errorf("other device subscriber got %d messages, want 0", got)
	}

	var msg struct {
		EventType string                `json:"event_type"`
		Payload   ingest.OutcomeMessage `json:"payload"`
	}
	if err := json.Unmarshal(<-device.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.EventType != ChannelOutcome || msg.Payload.EventID != "ev-1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := newFakeClient(hub)
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

// ─── Real listener ─────────────────────────────────────────────────

// startServer starts env's server on an ephemeral port.
func startServer(t *testing.T, env *testEnv) string {
	t.Helper()
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { env.srv.Close() })
	return env.srv.Addr()
}

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t, nil)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}

	addr := startServer(t, env)
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestWebSocket_OutcomeStream(t *testing.T) {
	env := testServer(t, nil)
	addr := startServer(t, env)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelOutcome}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", ack)
	}

	resp, err := http.Post("http://"+addr+"/api/v1/events/registered", "application/json",
		bytes.NewBufferString(`{"pebbleId":"p1","vehicleId":"v1"}`))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	var res ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	resp.Body.Close()

	var event struct {
		Type      string                `json:"type"`
		EventType string                `json:"event_type"`
		Payload   ingest.OutcomeMessage `json:"payload"`
	}
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read outcome: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelOutcome {
		t.Errorf("event = %+v", event)
	}
	if event.Payload.EventID != res.EventID || event.Payload.To != pebble.StateRegistered {
		t.Errorf("payload = %+v, want event %s registered", event.Payload, res.EventID)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := testServer(t, nil)
	addr := startServer(t, env)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("response = %+v, want pong ping-1", resp)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Errorf("response type = %s, want error", resp.Type)
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.Security.IngressAuth = true })
	addr := startServer(t, env)

	for _, url := range []string{
		"ws://" + addr + "/api/v1/ws",
		"ws://" + addr + "/api/v1/ws?ticket=invalid-ticket",
	} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("%s: expected dial error", url)
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", url, resp.StatusCode)
		}
	}

	ticket := env.srv.tickets.issue()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket="+ticket, nil)
	if err != nil {
		t.Fatalf("dial with ticket: %v", err)
	}
	ws.Close()
}
