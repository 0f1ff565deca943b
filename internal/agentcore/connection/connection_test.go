package connection

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courage2groww/network-master/internal/protocol"
)

type fakeScheduler struct {
	mu            sync.Mutex
	added         []protocol.TargetConfig
	removed       []uuid.UUID
	reconfigured  []protocol.TargetConfig
}

func (f *fakeScheduler) Add(config protocol.TargetConfig, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, config)
}

func (f *fakeScheduler) Remove(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ids...)
}

func (f *fakeScheduler) Reconfigure(config protocol.TargetConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigured = append(f.reconfigured, config)
}

func (f *fakeScheduler) Len() int { return 0 }

func (f *fakeScheduler) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fakeUpdater struct {
	applied chan protocol.UpdateCommand
}

func (f *fakeUpdater) Apply(_ context.Context, cmd protocol.UpdateCommand) {
	f.applied <- cmd
}

func newTestManager(serverURL string, sched Scheduler, upd Updater, reports <-chan protocol.TraceRoundReport) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	identity := Identity{AgentID: uuid.New(), APIKey: "k", AgentVersion: "1.0.0", Hostname: "host", OSInfo: "linux"}
	return New(serverURL, identity, 2*time.Second, sched, upd, reports, nil, logger)
}

// newAuthServer builds a test WS server that reads one auth_request and
// responds with the given AuthResponse, then idles until the client closes.
func newAuthServer(t *testing.T, resp protocol.AuthResponse) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeBinary(raw)
		if err != nil || env.Type != protocol.TagAuthRequest {
			return
		}

		respEnv, err := protocol.Pack(protocol.TagAuthResponse, resp)
		if err != nil {
			return
		}
		data, err := protocol.EncodeBinary(respEnv)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestRunAuthenticatesAndSchedulesAssignedTargets(t *testing.T) {
	targetID := uuid.New()
	sessionID := uuid.New()
	resp := protocol.AuthResponse{
		Success: true,
		AssignedTargets: []protocol.AssignedTarget{
			{Target: protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", MaxHops: 5}, SessionID: sessionID},
		},
	}
	srv, wsURL := newAuthServer(t, resp)
	defer srv.Close()

	sched := &fakeScheduler{}
	reports := make(chan protocol.TraceRoundReport)
	m := newTestManager(wsURL, sched, &fakeUpdater{applied: make(chan protocol.UpdateCommand, 1)}, reports)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if sched.addedCount() != 1 {
		t.Fatalf("scheduler.Add called %d times, want 1", sched.addedCount())
	}
}

func TestAuthenticateReturnsErrAuthFailedOnRejection(t *testing.T) {
	srv, wsURL := newAuthServer(t, protocol.AuthResponse{Success: false, Error: "bad credentials"})
	defer srv.Close()

	sched := &fakeScheduler{}
	reports := make(chan protocol.TraceRoundReport)
	m := newTestManager(wsURL, sched, &fakeUpdater{applied: make(chan protocol.UpdateCommand, 1)}, reports)

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := m.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = m.authenticate(conn)
	if err == nil {
		t.Fatal("expected an error for a rejected auth_response")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("error = %v, want it to wrap errAuthFailed", err)
	}
}

func TestDispatchInboundTargetAssignmentAddsToScheduler(t *testing.T) {
	sched := &fakeScheduler{}
	m := newTestManager("ws://unused", sched, &fakeUpdater{applied: make(chan protocol.UpdateCommand, 1)}, nil)

	env, err := protocol.Pack(protocol.TagTargetAssignment, protocol.TargetAssignment{
		Target:    protocol.TargetConfig{TargetID: uuid.New(), Address: "10.0.0.1"},
		SessionID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	m.dispatchInbound(context.Background(), env)

	if sched.addedCount() != 1 {
		t.Fatalf("scheduler.Add called %d times, want 1", sched.addedCount())
	}
}

func TestDispatchInboundConfigUpdateReconfiguresScheduler(t *testing.T) {
	sched := &fakeScheduler{}
	m := newTestManager("ws://unused", sched, &fakeUpdater{applied: make(chan protocol.UpdateCommand, 1)}, nil)

	env, err := protocol.Pack(protocol.TagConfigUpdate, protocol.ConfigUpdate{
		Target: protocol.TargetConfig{TargetID: uuid.New(), Address: "10.0.0.1", PacketSize: 128},
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	m.dispatchInbound(context.Background(), env)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.reconfigured) != 1 {
		t.Fatalf("scheduler.Reconfigure called %d times, want 1", len(sched.reconfigured))
	}
}

func TestDispatchInboundUpdateCommandTriggersUpdaterAsync(t *testing.T) {
	upd := &fakeUpdater{applied: make(chan protocol.UpdateCommand, 1)}
	m := newTestManager("ws://unused", &fakeScheduler{}, upd, nil)

	env, err := protocol.Pack(protocol.TagUpdateCommand, protocol.UpdateCommand{Version: "2.0.0", SHA256: "abc"})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	m.dispatchInbound(context.Background(), env)

	select {
	case cmd := <-upd.applied:
		if cmd.Version != "2.0.0" {
			t.Fatalf("Version = %q, want 2.0.0", cmd.Version)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for updater.Apply to be invoked")
	}
}
