package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/factory-core/internal/core"
	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/logging"
	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/refresh"
	"github.com/nerrad567/factory-core/internal/registry"
)

const sampleRoot = "../../configs/registry"

const activeOrder = `[{
	"orderId": "P1",
	"orderType": "PRODUCTION",
	"type": "RED",
	"state": "IN_PROGRESS",
	"productionSteps": [
		{"id": "n1", "type": "NAVIGATION", "state": "FINISHED", "source": "HBW", "target": "DRILL"},
		{"id": "m1", "type": "MANUFACTURE", "state": "IN_PROGRESS", "moduleType": "DRILL", "command": "PICK"},
		{"id": "n2", "type": "NAVIGATION", "state": "PENDING", "source": "DRILL", "target": "DPS"}
	]
}]`

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server over a core connected to the mock
// environment, with the hub running and refresh events relayed.
func testServer(t *testing.T) (*Server, *core.Core) {
	t.Helper()
	return newTestServer(t, true, true)
}

// newTestServer optionally starts the core and runs the hub. Tests that
// call Server.Start leave the hub to it.
func newTestServer(t *testing.T, start, runHub bool) (*Server, *core.Core) {
	t.Helper()

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error: %v", err)
	}
	cfg.Environment = config.EnvMock

	reg, err := registry.Load(sampleRoot)
	if err != nil {
		t.Fatalf("registry.Load() error: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	if err != nil {
		t.Fatalf("metrics.New() error: %v", err)
	}

	c, err := core.New(cfg, reg, core.WithMetrics(m))
	if err != nil {
		t.Fatalf("core.New() error: %v", err)
	}
	if start {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("core.Start() error: %v", err)
		}
	}
	t.Cleanup(func() { c.Stop() })

	srv, err := New(Deps{
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
		Logger:   testLogger(),
		Core:     c,
		Gatherer: promReg,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if runHub {
		ctx, cancel := context.WithCancel(context.Background())
		go srv.hub.Run(ctx)
		unsubscribe := srv.relayRefreshEvents()
		t.Cleanup(func() {
			unsubscribe()
			cancel()
		})
	}

	return srv, c
}

// do runs one request against the router and returns the recorder.
func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
}

// inject delivers payload on the admin transport and waits for dispatch.
func inject(t *testing.T, c *core.Core, topic, payload string) {
	t.Helper()
	dc, ok := c.Domain("admin")
	if !ok {
		t.Fatal("admin domain missing")
	}
	if err := dc.Transport.Inject(topic, []byte(payload)); err != nil {
		t.Fatalf("Inject(%s) error: %v", topic, err)
	}
	if err := dc.Transport.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle() error: %v", err)
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	decodeBody(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["environment"] != config.EnvMock {
		t.Errorf("environment = %v, want mock", resp["environment"])
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestMetrics_Prometheus(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "factorycore_transport_connected") {
		t.Errorf("metrics output missing connection gauge:\n%s", w.Body.String())
	}
}

func TestSystem(t *testing.T) {
	srv, c := testServer(t)
	inject(t, c, "ccu/order/active", activeOrder)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/system", "")
	if w.Code != http.StatusOK {
		t.Fatalf("system status = %d, want 200", w.Code)
	}

	var resp SystemMetrics
	decodeBody(t, w, &resp)

	if resp.Environment != config.EnvMock {
		t.Errorf("environment = %q, want mock", resp.Environment)
	}
	admin, ok := resp.Domains["admin"]
	if !ok {
		t.Fatalf("domains = %v, want admin entry", resp.Domains)
	}
	if !admin.Connected {
		t.Error("admin should be connected")
	}
	if admin.ActiveOrders != 1 {
		t.Errorf("active orders = %d, want 1", admin.ActiveOrders)
	}
	if admin.MessagesByTopic["ccu/order/active"] != 1 {
		t.Errorf("messages by topic = %v", admin.MessagesByTopic)
	}
	if admin.ReceivedByTopic["ccu/order/active"] != 1 {
		t.Errorf("received by topic = %v", admin.ReceivedByTopic)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
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
	srv, _ := testServer(t)
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

func TestCORS_DisallowedOrigin(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Domain Tests ──────────────────────────────────────────────────

func TestListDomains(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/domains", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Domains []struct {
			Domain    string `json:"domain"`
			Connected bool   `json:"connected"`
		} `json:"domains"`
		Count int `json:"count"`
	}
	decodeBody(t, w, &resp)

	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Domains[0].Domain != "admin" || resp.Domains[1].Domain != "ccu" {
		t.Errorf("domains = %+v, want admin then ccu", resp.Domains)
	}
	for _, d := range resp.Domains {
		if !d.Connected {
			t.Errorf("domain %s not connected", d.Domain)
		}
	}
}

func TestDomain_Unknown(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	for _, path := range []string{
		"/api/v1/domains/warehouse/status",
		"/api/v1/domains/warehouse/orders",
		"/api/v1/domains/warehouse/stock",
	} {
		if w := do(t, router, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
}

func TestDomainStatusAndConnection(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/domains/admin/status", "")
	var status struct {
		Connected    bool `json:"connected"`
		TopicsCount  int  `json:"topics_count"`
		SchemasCount int  `json:"schemas_count"`
	}
	decodeBody(t, w, &status)
	if !status.Connected || status.TopicsCount == 0 || status.SchemasCount == 0 {
		t.Errorf("status = %+v", status)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/connection", "")
	var info struct {
		State            string   `json:"state"`
		SubscribedTopics []string `json:"subscribed_topics"`
	}
	decodeBody(t, w, &info)
	if info.State != "MOCK" {
		t.Errorf("state = %q, want mock", info.State)
	}
	if len(info.SubscribedTopics) == 0 {
		t.Error("expected subscribed topics")
	}
}

func TestTopicsAndSchemas(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/domains/admin/topics", "")
	var topics struct {
		Topics     []map[string]any `json:"topics"`
		Published  []string         `json:"published"`
		Subscribed []string         `json:"subscribed"`
	}
	decodeBody(t, w, &topics)
	if len(topics.Topics) == 0 {
		t.Error("expected registered topics")
	}
	if !contains(topics.Published, "ccu/order/request") {
		t.Errorf("published = %v, want ccu/order/request", topics.Published)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/schemas", "")
	var schemas map[string]string
	decodeBody(t, w, &schemas)
	if schemas["ccu/order/request"] != "ccu_order_request" {
		t.Errorf("schema of ccu/order/request = %q", schemas["ccu/order/request"])
	}
}

func TestBuffers(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()
	inject(t, c, "/j1/txt/1/i/ldr", `{"ldr": 300}`)

	w := do(t, router, http.MethodGet, "/api/v1/domains/admin/buffers?topic=/j1/txt/1/i/ldr", "")
	var buffers map[string][]map[string]any
	decodeBody(t, w, &buffers)
	if got := len(buffers["/j1/txt/1/i/ldr"]); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}

	w = do(t, router, http.MethodDelete, "/api/v1/domains/admin/buffers", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d, want 204", w.Code)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/buffers?topic=/j1/txt/1/i/ldr", "")
	decodeBody(t, w, &buffers)
	if got := len(buffers["/j1/txt/1/i/ldr"]); got != 0 {
		t.Errorf("buffered after clear = %d, want 0", got)
	}
}

// ─── Message Tests ─────────────────────────────────────────────────

func TestGenerate(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/domains/admin/messages/generate",
		`{"topic":"ccu/order/request","params":{"type":"BLUE"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payload map[string]any `json:"payload"`
	}
	decodeBody(t, w, &resp)
	if resp.Payload["type"] != "BLUE" {
		t.Errorf("payload type = %v, want BLUE", resp.Payload["type"])
	}
}

func TestGenerate_Errors(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing topic", `{}`, http.StatusBadRequest},
		{"no schema", `{"topic":"nowhere/at/all"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/domains/admin/messages/generate", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	tests := []struct {
		name      string
		payload   string
		wantValid bool
	}{
		{"missing required fields", `{}`, false},
		{"wrong enum", `{"type":"GREEN","orderType":"PRODUCTION"}`, false},
		{"valid", `{"type":"RED","orderType":"STORAGE"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"topic":"ccu/order/request","payload":` + tt.payload + `}`
			w := do(t, router, http.MethodPost, "/api/v1/domains/admin/messages/validate", body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp struct {
				Valid  bool     `json:"valid"`
				Errors []string `json:"errors"`
			}
			decodeBody(t, w, &resp)
			if resp.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (errors %v)", resp.Valid, tt.wantValid, resp.Errors)
			}
			if !tt.wantValid && len(resp.Errors) == 0 {
				t.Error("expected errors for invalid payload")
			}
		})
	}
}

func TestPublish_Accepted(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodPost, "/api/v1/domains/admin/messages/publish",
		`{"topic":"ccu/order/request","payload":{"type":"RED","orderType":"PRODUCTION"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}

	dc, _ := c.Domain("admin")
	published := dc.Transport.Mock().Published()
	if len(published) != 1 {
		t.Fatalf("published = %d, want 1", len(published))
	}
	if published[0].QoS != 2 {
		t.Errorf("qos = %d, want 2 from the registry", published[0].QoS)
	}

	w = do(t, router, http.MethodGet, "/api/v1/audit?domain=admin&outcome=ok", "")
	var res struct {
		Total   int `json:"total"`
		Records []struct {
			Topic string `json:"topic"`
			QoS   int    `json:"qos"`
		} `json:"records"`
	}
	decodeBody(t, w, &res)
	if res.Total != 1 || res.Records[0].Topic != "ccu/order/request" || res.Records[0].QoS != 2 {
		t.Errorf("audit = %+v", res)
	}
}

func TestPublish_QoSOverride(t *testing.T) {
	srv, c := testServer(t)

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/domains/admin/messages/publish",
		`{"topic":"ccu/order/request","payload":{"type":"RED","orderType":"PRODUCTION"},"qos":0,"retain":true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	dc, _ := c.Domain("admin")
	published := dc.Transport.Mock().Published()
	if len(published) != 1 || published[0].QoS != 0 || !published[0].Retained {
		t.Errorf("published = %+v, want qos 0 retained", published)
	}
}

func TestPublish_SchemaRejected(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()

	w := do(t, router, http.MethodPost, "/api/v1/domains/admin/messages/publish",
		`{"topic":"ccu/order/request","payload":{}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}

	var resp Error
	decodeBody(t, w, &resp)
	if resp.Code != ErrCodeValidation {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeValidation)
	}
	if details, ok := resp.Details.([]any); !ok || len(details) == 0 {
		t.Errorf("details = %v, want violations", resp.Details)
	}

	dc, _ := c.Domain("admin")
	if n := len(dc.Transport.Mock().Published()); n != 0 {
		t.Errorf("broker received %d messages, want 0", n)
	}

	w = do(t, router, http.MethodGet, "/api/v1/audit?outcome=rejected", "")
	var res struct {
		Total int `json:"total"`
	}
	decodeBody(t, w, &res)
	if res.Total != 1 {
		t.Errorf("rejected audit records = %d, want 1", res.Total)
	}
}

func TestPublish_BadRequests(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `nope`, http.StatusBadRequest},
		{"missing topic", `{"payload":{}}`, http.StatusBadRequest},
		{"missing payload", `{"topic":"ccu/order/request"}`, http.StatusBadRequest},
		{"qos out of range", `{"topic":"ccu/order/request","payload":{},"qos":3}`, http.StatusBadRequest},
		{"not published by domain", `{"topic":"ccu/order/active","payload":[]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/domains/admin/messages/publish", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestPublish_NotConnected(t *testing.T) {
	srv, _ := newTestServer(t, false, true)

	w := do(t, srv.buildRouter(), http.MethodPost, "/api/v1/domains/admin/messages/publish",
		`{"topic":"ccu/order/request","payload":{"type":"RED","orderType":"PRODUCTION"}}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Domain Manager Tests ──────────────────────────────────────────

func TestOrders(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()
	inject(t, c, "ccu/order/active", activeOrder)

	w := do(t, router, http.MethodGet, "/api/v1/domains/admin/orders", "")
	var list OrdersResponse
	decodeBody(t, w, &list)
	if len(list.Active) != 1 || len(list.Completed) != 0 {
		t.Fatalf("orders = %+v, want one active", list)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/orders/P1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get order status = %d, want 200", w.Code)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/orders/P1/plan", "")
	var plan struct {
		Steps []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"steps"`
	}
	decodeBody(t, w, &plan)
	if len(plan.Steps) != 3 {
		t.Fatalf("plan steps = %d, want 3", len(plan.Steps))
	}

	if w := do(t, router, http.MethodGet, "/api/v1/domains/admin/orders/NOPE", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown order status = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/v1/domains/admin/orders/NOPE/plan", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown plan status = %d, want 404", w.Code)
	}
}

func TestStock(t *testing.T) {
	srv, c := testServer(t)
	inject(t, c, "/j1/txt/1/f/i/stock",
		`{"stockItems":[{"location":"A1","workpiece":{"type":"RED"}},{"location":"C3","workpiece":null}]}`)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/domains/admin/stock", "")
	var resp struct {
		Inventory map[string]*string `json:"inventory"`
		Need      map[string]int     `json:"need"`
	}
	decodeBody(t, w, &resp)

	if resp.Inventory["A1"] == nil || *resp.Inventory["A1"] != "RED" {
		t.Errorf("A1 = %v, want RED", resp.Inventory["A1"])
	}
	if resp.Inventory["C3"] != nil {
		t.Errorf("C3 = %v, want null", *resp.Inventory["C3"])
	}
	if resp.Need["RED"] != 2 || resp.Need["WHITE"] != 3 {
		t.Errorf("need = %v", resp.Need)
	}
}

func TestSensors(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/domains/admin/sensors/camera", ""); w.Code != http.StatusNotFound {
		t.Errorf("camera before any frame status = %d, want 404", w.Code)
	}

	inject(t, c, "/j1/txt/1/i/bme680", `{"t": 21.5, "h": 40, "p": 1013, "gr": 12000, "iaq": 50}`)
	// Base64 of the 8-byte PNG signature.
	inject(t, c, "/j1/txt/1/i/cam", `{"data": "data:image/png;base64,iVBORw0KGgo="}`)

	w := do(t, router, http.MethodGet, "/api/v1/domains/admin/sensors", "")
	var resp struct {
		Readings struct {
			BME680 *struct {
				Temperature float64 `json:"t"`
				Gas         float64 `json:"gas"`
			} `json:"bme680"`
			LDR *struct{} `json:"ldr"`
			Cam *struct {
				Format string `json:"format"`
				Image  []byte `json:"image"`
			} `json:"cam"`
		} `json:"readings"`
		Counts map[string]int `json:"counts"`
	}
	decodeBody(t, w, &resp)

	if resp.Readings.BME680 == nil || resp.Readings.BME680.Temperature != 21.5 || resp.Readings.BME680.Gas != 12000 {
		t.Errorf("bme680 = %+v", resp.Readings.BME680)
	}
	if resp.Readings.LDR != nil {
		t.Error("ldr should be null before any reading")
	}
	if resp.Readings.Cam == nil || resp.Readings.Cam.Format != "png" || resp.Readings.Cam.Image != nil {
		t.Errorf("cam = %+v, want png without inline image", resp.Readings.Cam)
	}
	if resp.Counts["bme680"] != 1 || resp.Counts["cam"] != 1 || resp.Counts["ldr"] != 0 {
		t.Errorf("counts = %v", resp.Counts)
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/sensors/camera", "")
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("camera Content-Type = %q, want image/png", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "\x89PNG") {
		t.Errorf("camera body = %q, want PNG signature", w.Body.String())
	}
}

// ─── Environment, Refresh and Audit Tests ──────────────────────────

func TestRefresh(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()

	if w := do(t, router, http.MethodGet, "/api/v1/refresh/order_updates", ""); w.Code != http.StatusNotFound {
		t.Errorf("refresh before any message status = %d, want 404", w.Code)
	}

	inject(t, c, "ccu/order/active", activeOrder)

	w := do(t, router, http.MethodGet, "/api/v1/refresh/order_updates", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", w.Code)
	}
	var ev struct {
		Group   string         `json:"group"`
		Details map[string]any `json:"details"`
	}
	decodeBody(t, w, &ev)
	if ev.Group != "order_updates" || ev.Details["topic"] != "ccu/order/active" {
		t.Errorf("event = %+v", ev)
	}

	w = do(t, router, http.MethodGet, "/api/v1/refresh", "")
	var all map[string]any
	decodeBody(t, w, &all)
	if _, ok := all["order_updates"]; !ok {
		t.Errorf("snapshot = %v, want order_updates", all)
	}
}

func TestSwitchEnvironment(t *testing.T) {
	srv, c := testServer(t)
	router := srv.buildRouter()
	inject(t, c, "ccu/order/active", activeOrder)

	w := do(t, router, http.MethodPut, "/api/v1/environment", `{"environment":"mock"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("switch status = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/api/v1/domains/admin/orders", "")
	var list OrdersResponse
	decodeBody(t, w, &list)
	if len(list.Active) != 0 {
		t.Errorf("active after switch = %d, want 0", len(list.Active))
	}

	w = do(t, router, http.MethodGet, "/api/v1/environment", "")
	var env map[string]any
	decodeBody(t, w, &env)
	if env["environment"] != config.EnvMock {
		t.Errorf("environment = %v, want mock", env["environment"])
	}
}

func TestSwitchEnvironment_BadRequest(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	for _, body := range []string{`{`, `{"environment":"staging"}`} {
		if w := do(t, router, http.MethodPut, "/api/v1/environment", body); w.Code != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", body, w.Code)
		}
	}
}

func TestAudit_BadParams(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	for _, q := range []string{"limit=ten", "offset=-1"} {
		if w := do(t, router, http.MethodGet, "/api/v1/audit?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("GET /audit?%s status = %d, want 400", q, w.Code)
		}
	}
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func newTestHub(t *testing.T, last LastEventFunc) *Hub {
	t.Helper()
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger(), last)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// receive reads one frame from the client queue or fails after a second.
func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case frame := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return WSMessage{}
}

func expectSilence(t *testing.T, c *WSClient) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Errorf("unexpected frame %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishRefresh(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil, "stock_updates")
	hub.Register(client)

	hub.PublishRefresh(refresh.Event{Group: "stock_updates", Details: map[string]any{"domain": "admin"}})

	msg := receive(t, client)
	if msg.Type != WSTypeEvent {
		t.Errorf("type = %q, want %q", msg.Type, WSTypeEvent)
	}
	if msg.EventType != "stock_updates" {
		t.Errorf("event_type = %q, want %q", msg.EventType, "stock_updates")
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil, "sensor_updates")
	hub.Register(client)

	hub.PublishRefresh(refresh.Event{Group: "order_updates"})

	expectSilence(t, client)
}

func TestHub_AllChannel(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil, WSChannelAll)
	hub.Register(client)

	hub.PublishRefresh(refresh.Event{Group: "module_status"})

	if msg := receive(t, client); msg.EventType != "module_status" {
		t.Errorf("event_type = %q, want module_status", msg.EventType)
	}
}

func TestHub_DomainFilter(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil, "order_updates")
	client.domain = "ccu"
	hub.Register(client)

	hub.PublishRefresh(refresh.Event{Group: "order_updates", Details: map[string]any{"domain": "admin"}})
	expectSilence(t, client)

	hub.PublishRefresh(refresh.Event{Group: "order_updates", Details: map[string]any{"domain": "ccu"}})
	receive(t, client)

	// Broadcasts bypass the domain filter.
	client.channels[WSChannelEnvironment] = struct{}{}
	hub.Broadcast(WSChannelEnvironment, map[string]string{"environment": "replay"})
	if msg := receive(t, client); msg.EventType != WSChannelEnvironment {
		t.Errorf("event_type = %q, want environment", msg.EventType)
	}
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil, "order_updates")
	hub.Register(client)

	for i := 0; i < wsSendBufferSize+3; i++ {
		hub.PublishRefresh(refresh.Event{Group: "order_updates"})
	}

	if got := hub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestHub_UnregisterTwice(t *testing.T) {
	hub := newTestHub(t, nil)

	client := newWSClient(hub, nil)
	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if client.enqueue([]byte("{}")) {
		t.Error("enqueue on a closed client should fail")
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub(t, nil)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	client := newWSClient(hub, nil)
	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

// ─── Server Lifecycle Tests ────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _ := newTestServer(t, true, false)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	_, err = http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err == nil {
		t.Error("server still responding after Close()")
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

// connectWebSocket starts an httptest server for srv and dials its hub.
func connectWebSocket(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) WSMessage {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
	return resp
}

func TestWebSocket_SubscribeReplaysLastEvent(t *testing.T) {
	srv, c := testServer(t)
	inject(t, c, "/j1/txt/1/f/i/stock", `{"stockItems":[]}`)

	ws := connectWebSocket(t, srv)
	resp := subscribe(t, ws, "stock_updates", "order_updates")

	payload, _ := resp.Payload.(map[string]any)
	last, _ := payload["last"].(map[string]any)
	if _, ok := last["stock_updates"]; !ok {
		t.Errorf("last = %v, want the stock_updates event", payload["last"])
	}
	if _, ok := last["order_updates"]; ok {
		t.Error("order_updates has no event yet and should not be replayed")
	}
}

func TestWebSocket_RefreshRelay(t *testing.T) {
	srv, c := testServer(t)
	ws := connectWebSocket(t, srv)
	subscribe(t, ws, "order_updates")

	inject(t, c, "ccu/order/active", activeOrder)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != "order_updates" {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["group"] != "order_updates" {
		t.Errorf("payload = %v, want the refresh event", msg.Payload)
	}
}

func TestWebSocket_Unsubscribe(t *testing.T) {
	srv, _ := testServer(t)
	ws := connectWebSocket(t, srv)
	subscribe(t, ws, "order_updates", "stock_updates")

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{"stock_updates"}},
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}

	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read unsubscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "unsub-1" {
		t.Errorf("unsubscribe response = %+v", resp)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, _ := testServer(t)
	ws := connectWebSocket(t, srv)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	if resp.Type != WSTypePong {
		t.Errorf("response type = %s, want pong", resp.Type)
	}
	if resp.ID != "ping-1" {
		t.Errorf("response ID = %s, want ping-1", resp.ID)
	}
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	srv, _ := testServer(t)
	ws := connectWebSocket(t, srv)

	for _, raw := range []string{"not json", `{"type":"unknown_type","id":"x"}`} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write %q: %v", raw, err)
		}

		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var resp WSMessage
		if err := ws.ReadJSON(&resp); err != nil {
			t.Fatalf("read error response: %v", err)
		}
		if resp.Type != WSTypeError {
			t.Errorf("response to %q = %s, want error", raw, resp.Type)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
