package wsagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
	"github.com/courage2groww/network-master/internal/servercore/alert"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
	"github.com/courage2groww/network-master/internal/servercore/ingest"
	"github.com/courage2groww/network-master/internal/servercore/registry"
	"github.com/courage2groww/network-master/internal/servercore/route"
	"github.com/courage2groww/network-master/internal/servercore/stats"
	"github.com/courage2groww/network-master/internal/servercore/store"
)

type fakeStore struct {
	agents       map[uuid.UUID]store.Agent
	apiKeys      map[uuid.UUID]string
	targets      map[uuid.UUID][]store.Target
	sessionOwner map[uuid.UUID]uuid.UUID // session_id -> target_id
	lastSeen     map[uuid.UUID]int
	online       map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:       make(map[uuid.UUID]store.Agent),
		apiKeys:      make(map[uuid.UUID]string),
		targets:      make(map[uuid.UUID][]store.Target),
		sessionOwner: make(map[uuid.UUID]uuid.UUID),
		lastSeen:     make(map[uuid.UUID]int),
		online:       make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) VerifyAgentCredential(_ context.Context, id uuid.UUID, apiKey string) (*store.Agent, error) {
	a, ok := f.agents[id]
	if !ok || f.apiKeys[id] != apiKey {
		return nil, errors.New("invalid credentials")
	}
	return &a, nil
}

func (f *fakeStore) MarkAgentConnected(_ context.Context, id uuid.UUID, hostname, osInfo, version, ipAddress string) error {
	f.online[id] = true
	return nil
}

func (f *fakeStore) SetAgentOnline(_ context.Context, id uuid.UUID, online bool) error {
	f.online[id] = online
	return nil
}

func (f *fakeStore) TouchAgentLastSeen(_ context.Context, id uuid.UUID) error {
	f.lastSeen[id]++
	return nil
}

func (f *fakeStore) ActiveTargets(_ context.Context, agentID uuid.UUID) ([]store.Target, error) {
	return f.targets[agentID], nil
}

func (f *fakeStore) OpenSession(_ context.Context, targetID uuid.UUID) (*store.TraceSession, error) {
	sessionID := uuid.New()
	f.sessionOwner[sessionID] = targetID
	return &store.TraceSession{ID: sessionID, TargetID: targetID, StartedAt: time.Now().UTC()}, nil
}

func (f *fakeStore) PatchHopMetadata(context.Context, uuid.UUID, int, string, *string, *int, *string, *string, *string, *float64, *float64) error {
	return nil
}

func (f *fakeStore) SessionTarget(_ context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	targetID, ok := f.sessionOwner[sessionID]
	if !ok {
		return uuid.Nil, gorm.ErrRecordNotFound
	}
	return targetID, nil
}

type fakeRouteStore struct{}

func (fakeRouteStore) LatestRouteSnapshot(context.Context, uuid.UUID) (*store.RouteSnapshot, error) {
	return nil, gorm.ErrRecordNotFound
}
func (fakeRouteStore) InsertRouteSnapshot(context.Context, *store.RouteSnapshot) error { return nil }
func (fakeRouteStore) InsertRouteChange(context.Context, *store.RouteChange) error     { return nil }

type fakeIngestStore struct{}

func (fakeIngestStore) UpsertHop(context.Context, uuid.UUID, int, string) (uuid.UUID, error) {
	return uuid.New(), nil
}
func (fakeIngestStore) InsertSamples(context.Context, []store.Sample) error { return nil }
func (fakeIngestStore) IncrementSampleCount(context.Context, uuid.UUID, int) error { return nil }

type fakeAlertStore struct{}

func (fakeAlertStore) EnabledAlertRules(context.Context, uuid.UUID) ([]store.AlertRule, error) {
	return nil, nil
}
func (fakeAlertStore) LatestAlertEvent(context.Context, uuid.UUID) (*store.AlertEvent, error) {
	return nil, gorm.ErrRecordNotFound
}
func (fakeAlertStore) InsertAlertEvent(context.Context, *store.AlertEvent) error { return nil }

func newTestHandler(t *testing.T, st *fakeStore) (*Handler, *broadcast.Hubs) {
	t.Helper()

	meter := noop.NewMeterProvider().Meter("test")
	metrics, err := observability.NewMetricsManager(meter)
	if err != nil {
		t.Fatalf("NewMetricsManager: %v", err)
	}
	trace := observability.NewTraceManager("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	statsStore := stats.New()
	hubs := broadcast.NewHubs()
	routes := route.New(fakeRouteStore{})
	alertEval := alert.New(fakeAlertStore{}, statsStore, hubs.Alerts, trace, metrics, logger)
	pipeline := ingest.New(fakeIngestStore{}, statsStore, routes, alertEval, hubs, trace, metrics, logger)
	reg := registry.New()

	h := New(st, reg, pipeline, routes, hubs, metrics, trace, logger)
	return h, hubs
}

func dialTestServer(t *testing.T, h *Handler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAuthenticateSuccessRegistersAgentAndRespondsWithTargets(t *testing.T) {
	st := newFakeStore()
	agentID := uuid.New()
	targetID := uuid.New()
	st.agents[agentID] = store.Agent{ID: agentID}
	st.apiKeys[agentID] = "secret"
	st.targets[agentID] = []store.Target{{ID: targetID, AgentID: agentID, Address: "1.1.1.1", ProbeMethod: "icmp", MaxHops: 30}}

	h, hubs := newTestHandler(t, st)
	statusSub := hubs.AgentStatus.Subscribe()
	defer statusSub.Close()

	conn := dialTestServer(t, h)

	env, err := protocol.Pack(protocol.TagAuthRequest, protocol.AuthRequest{AgentID: agentID, APIKey: "secret"})
	if err != nil {
		t.Fatalf("pack auth request: %v", err)
	}
	raw, err := protocol.EncodeBinary(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth_response: %v", err)
	}
	respEnv, err := protocol.DecodeBinary(respRaw)
	if err != nil {
		t.Fatalf("decode auth_response: %v", err)
	}
	if respEnv.Type != protocol.TagAuthResponse {
		t.Fatalf("Type = %q, want auth_response", respEnv.Type)
	}
	var resp protocol.AuthResponse
	if err := protocol.Unpack(respEnv, &resp); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if len(resp.AssignedTargets) != 1 || resp.AssignedTargets[0].Target.TargetID != targetID {
		t.Fatalf("unexpected assigned targets: %+v", resp.AssignedTargets)
	}

	select {
	case status := <-statusSub.C():
		if status.AgentID != agentID || !status.IsOnline {
			t.Fatalf("unexpected agent status broadcast: %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an AgentOnlineStatus broadcast on successful auth")
	}
}

func TestAuthenticateBadCredentialsClosesConnection(t *testing.T) {
	st := newFakeStore()
	agentID := uuid.New()
	st.agents[agentID] = store.Agent{ID: agentID}
	st.apiKeys[agentID] = "secret"

	h, _ := newTestHandler(t, st)
	conn := dialTestServer(t, h)

	env, _ := protocol.Pack(protocol.TagAuthRequest, protocol.AuthRequest{AgentID: agentID, APIKey: "wrong"})
	raw, _ := protocol.EncodeBinary(env)
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth_response: %v", err)
	}
	respEnv, _ := protocol.DecodeBinary(respRaw)
	var resp protocol.AuthResponse
	_ = protocol.Unpack(respEnv, &resp)
	if resp.Success {
		t.Fatal("expected auth failure")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after an auth failure")
	}
}

func TestHeartbeatTouchesLastSeen(t *testing.T) {
	st := newFakeStore()
	agentID := uuid.New()
	st.agents[agentID] = store.Agent{ID: agentID}
	st.apiKeys[agentID] = "secret"

	h, _ := newTestHandler(t, st)
	conn := dialTestServer(t, h)

	env, _ := protocol.Pack(protocol.TagAuthRequest, protocol.AuthRequest{AgentID: agentID, APIKey: "secret"})
	raw, _ := protocol.EncodeBinary(env)
	conn.WriteMessage(websocket.BinaryMessage, raw)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // drain auth_response

	hbEnv, _ := protocol.Pack(protocol.TagHeartbeat, protocol.Heartbeat{AgentID: agentID})
	hbRaw, _ := protocol.EncodeBinary(hbEnv)
	if err := conn.WriteMessage(websocket.BinaryMessage, hbRaw); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.lastSeen[agentID] > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected TouchAgentLastSeen to be called after a heartbeat frame")
}
