package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/cluster"
	"github.com/MarcoPoloResearchLab/imgate/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"github.com/MarcoPoloResearchLab/imgate/internal/fanout"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgate/internal/offline"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"github.com/MarcoPoloResearchLab/imgate/internal/relay"
	"github.com/MarcoPoloResearchLab/imgate/internal/router"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

type fakeCluster struct {
	accepting bool
	nodes     []cluster.GatewayNode
	err       error
}

func (f *fakeCluster) NodeID() string  { return "n1" }
func (f *fakeCluster) Accepting() bool { return f.accepting }

func (f *fakeCluster) ListNodes(context.Context) ([]cluster.GatewayNode, error) {
	return f.nodes, f.err
}

func (f *fakeCluster) SelectNode(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return cluster.SelectNode(f.nodes)
}

type gatewayOptions struct {
	cluster    *fakeCluster
	transport  TransportConfig
	adminToken string
}

type gateway struct {
	server   *httptest.Server
	registry *presence.Registry
	store    *directory.Store
}

func newGateway(t *testing.T, opts gatewayOptions) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append([]any{&offline.Entry{}}, directory.Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	gatewayMetrics := metrics.New(promRegistry)

	store, err := directory.NewStore(directory.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	queue, err := offline.NewQueue(offline.QueueConfig{Database: database, TTL: time.Hour, Metrics: gatewayMetrics})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	registry := presence.NewRegistry(presence.RegistryConfig{NodeID: "n1", Metrics: gatewayMetrics})
	dispatcher := delivery.NewDispatcher(delivery.Config{
		NodeID:  "n1",
		Local:   registry,
		Locator: store,
		Relay:   relay.NewLocalNetwork().Relay("n1", time.Second),
		Queue:   queue,
		Metrics: gatewayMetrics,
	})
	engine := fanout.NewEngine(fanout.Config{Groups: store, Dispatcher: dispatcher, Queue: queue, Metrics: gatewayMetrics})
	connRouter := router.New(router.Config{
		Registry:   registry,
		Dispatcher: dispatcher,
		Fanout:     engine,
		Offline:    queue,
		Blacklist:  store,
		Store:      store,
		Metrics:    gatewayMetrics,
	})

	clusterView := opts.cluster
	if clusterView == nil {
		clusterView = &fakeCluster{accepting: true}
	}
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := NewHTTPHandler(Dependencies{
		Context:    ctx,
		Router:     connRouter,
		Sessions:   registry,
		Cluster:    clusterView,
		Directory:  store,
		Gatherer:   promRegistry,
		Transport:  opts.transport,
		AdminToken: opts.adminToken,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &gateway{server: server, registry: registry, store: store}
}

func (g *gateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *gateway) login(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := g.dial(t)
	if err := conn.WriteJSON(messages.Frame{Type: messages.FrameTypeAuth, SenderID: userID}); err != nil {
		t.Fatalf("auth write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != messages.FrameTypeSystem || frame.Reason != router.ReasonConnected {
		t.Fatalf("expected connected frame, got %+v", frame)
	}
	return conn
}

func (g *gateway) request(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, g.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := g.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func readFrame(t *testing.T, conn *websocket.Conn) messages.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	var frame messages.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return frame
}

func expectClosed(t *testing.T, conn *websocket.Conn, within time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(within)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open after %v", within)
			}
			return
		}
	}
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
}

func TestWebSocketDirectMessageRoundTrip(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	alice := g.login(t, "alice")
	bob := g.login(t, "bob")

	if err := alice.WriteJSON(messages.Frame{Type: messages.FrameTypeText, ReceiverID: "bob", Content: "hello"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	received := readFrame(t, bob)
	if received.Content != "hello" || received.SenderID != "alice" {
		t.Fatalf("unexpected delivery %+v", received)
	}
	sent := readFrame(t, alice)
	if sent.Status != messages.StatusSent {
		t.Fatalf("expected SENT ack, got %+v", sent)
	}
	delivered := readFrame(t, alice)
	if delivered.Status != messages.StatusDelivered || delivered.MessageID != received.MessageID {
		t.Fatalf("expected DELIVERED ack for %s, got %+v", received.MessageID, delivered)
	}
}

func TestWebSocketRejectedWhileNotAccepting(t *testing.T) {
	g := newGateway(t, gatewayOptions{cluster: &fakeCluster{accepting: false}})

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", response)
	}

	health := g.request(t, http.MethodGet, "/healthz", "", "")
	if health.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", health.StatusCode)
	}
}

func TestIdleConnectionGetsKeepaliveThenCloses(t *testing.T) {
	g := newGateway(t, gatewayOptions{transport: TransportConfig{
		ReadIdle:  400 * time.Millisecond,
		WriteIdle: 100 * time.Millisecond,
	}})
	conn := g.login(t, "alice")

	keepalive := readFrame(t, conn)
	if keepalive.Type != messages.FrameTypeKeepalive {
		t.Fatalf("expected keepalive frame, got %+v", keepalive)
	}
	expectClosed(t, conn, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for g.registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSelectNodeReportsLeastLoaded(t *testing.T) {
	g := newGateway(t, gatewayOptions{cluster: &fakeCluster{accepting: true, nodes: []cluster.GatewayNode{
		{NodeID: "n2", OnlineCount: 4},
		{NodeID: "n3", OnlineCount: 1},
	}}})

	response := g.request(t, http.MethodGet, "/nodes/select", "", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var payload struct {
		NodeID string `json:"nodeId"`
	}
	decodeBody(t, response, &payload)
	if payload.NodeID != "n3" {
		t.Fatalf("expected n3, got %s", payload.NodeID)
	}
}

func TestSelectNodeWithoutNodes(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	response := g.request(t, http.MethodGet, "/nodes/select", "", "")
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", response.StatusCode)
	}
	var payload map[string]string
	decodeBody(t, response, &payload)
	if payload["error"] != errorNoAvailableNode {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestAdminGroupMembership(t *testing.T) {
	g := newGateway(t, gatewayOptions{})

	added := g.request(t, http.MethodPost, "/groups/g-1/members", `{"userId":"bob"}`, "")
	if added.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", added.StatusCode)
	}
	invalid := g.request(t, http.MethodPost, "/groups/g-1/members", `{}`, "")
	if invalid.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user, got %d", invalid.StatusCode)
	}

	listed := g.request(t, http.MethodGet, "/groups/g-1/members", "", "")
	var payload struct {
		Members []string `json:"members"`
	}
	decodeBody(t, listed, &payload)
	if len(payload.Members) != 1 || payload.Members[0] != "bob" {
		t.Fatalf("unexpected members %v", payload.Members)
	}

	removed := g.request(t, http.MethodDelete, "/groups/g-1/members/bob", "", "")
	if removed.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", removed.StatusCode)
	}
	members, err := g.store.Members(context.Background(), "g-1")
	if err != nil || len(members) != 0 {
		t.Fatalf("expected empty group, got %v (%v)", members, err)
	}
}

func TestAdminBlacklistRoutes(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	ctx := context.Background()

	if response := g.request(t, http.MethodPut, "/users/bob/blacklist/alice", "", ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	blocked, err := g.store.IsBlocked(ctx, "bob", "alice")
	if err != nil || !blocked {
		t.Fatalf("expected bob to block alice, got %v (%v)", blocked, err)
	}

	if response := g.request(t, http.MethodDelete, "/users/bob/blacklist/alice", "", ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	blocked, err = g.store.IsBlocked(ctx, "bob", "alice")
	if err != nil || blocked {
		t.Fatalf("expected edge removed, got %v (%v)", blocked, err)
	}
}

func TestAdminKickClosesSession(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	conn := g.login(t, "alice")

	listed := g.request(t, http.MethodGet, "/sessions", "", "")
	var payload struct {
		Sessions []presence.SessionInfo `json:"sessions"`
	}
	decodeBody(t, listed, &payload)
	if len(payload.Sessions) != 1 || payload.Sessions[0].UserID != "alice" {
		t.Fatalf("unexpected sessions %+v", payload.Sessions)
	}

	if response := g.request(t, http.MethodDelete, "/sessions/alice", "", ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	expectClosed(t, conn, 2*time.Second)

	if response := g.request(t, http.MethodDelete, "/sessions/alice", "", ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", response.StatusCode)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	g := newGateway(t, gatewayOptions{adminToken: "s3cret"})

	if response := g.request(t, http.MethodGet, "/sessions", "", ""); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
	if response := g.request(t, http.MethodGet, "/sessions", "", "wrong"); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", response.StatusCode)
	}
	if response := g.request(t, http.MethodGet, "/sessions", "", "s3cret"); response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", response.StatusCode)
	}
	if response := g.request(t, http.MethodGet, "/nodes", "", ""); response.StatusCode != http.StatusOK {
		t.Fatalf("discovery stays public, got %d", response.StatusCode)
	}
}

func TestMetricsEndpointExposesGatewayCollectors(t *testing.T) {
	g := newGateway(t, gatewayOptions{})
	g.login(t, "alice")

	response := g.request(t, http.MethodGet, "/metrics", "", "")
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(body), "imgate_sessions 1") {
		t.Fatalf("expected session gauge in metrics output")
	}
}

func TestCORSPreflightAllowsAdminMethods(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(corsMiddleware())
	engine.DELETE("/sessions/:userId", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	request := httptest.NewRequest(http.MethodOptions, "/sessions/alice", http.NoBody)
	request.Header.Set("Origin", "https://console.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowMethods := recorder.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allowMethods, http.MethodDelete) {
		t.Fatalf("expected DELETE in allowed methods, got %q", allowMethods)
	}
}
