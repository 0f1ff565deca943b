// Package wsagent implements the Server Agent WS Handler: the per-connection
// auth handshake, writer/reader task pair, and inbound message dispatch
// described in spec.md §4.5.
package wsagent

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
	"github.com/courage2groww/network-master/internal/servercore/ingest"
	"github.com/courage2groww/network-master/internal/servercore/registry"
	"github.com/courage2groww/network-master/internal/servercore/route"
	"github.com/courage2groww/network-master/internal/servercore/store"
)

// authTimeout is the 10 s window for step 1 of spec.md §4.5.
const authTimeout = 10 * time.Second

// Store is the subset of store.Store the handler needs.
type Store interface {
	VerifyAgentCredential(ctx context.Context, id uuid.UUID, apiKey string) (*store.Agent, error)
	MarkAgentConnected(ctx context.Context, id uuid.UUID, hostname, osInfo, version, ipAddress string) error
	SetAgentOnline(ctx context.Context, id uuid.UUID, online bool) error
	TouchAgentLastSeen(ctx context.Context, id uuid.UUID) error
	ActiveTargets(ctx context.Context, agentID uuid.UUID) ([]store.Target, error)
	OpenSession(ctx context.Context, targetID uuid.UUID) (*store.TraceSession, error)
	PatchHopMetadata(ctx context.Context, sessionID uuid.UUID, hopNumber int, ipAddress string,
		hostname *string, asn *int, asName *string, geoCountry, geoCity *string, geoLat, geoLon *float64) error
	SessionTarget(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error)
}

// Handler upgrades inbound agent connections and runs their lifecycle.
type Handler struct {
	store    Store
	registry *registry.Registry
	pipeline *ingest.Pipeline
	routes   *route.Detector
	hubs     *broadcast.Hubs
	metrics  *observability.MetricsManager
	trace    *observability.TraceManager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(st Store, reg *registry.Registry, pipeline *ingest.Pipeline, routes *route.Detector,
	hubs *broadcast.Hubs, metrics *observability.MetricsManager, trace *observability.TraceManager,
	logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		registry: reg,
		pipeline: pipeline,
		routes:   routes,
		hubs:     hubs,
		metrics:  metrics,
		trace:    trace,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Agents are not browser clients; there is no cross-origin risk
			// to police here the way there would be for the dashboard path.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "wsagent: upgrade failed", "error", err)
		return
	}
	h.handleConnection(conn, r.RemoteAddr)
}

func (h *Handler) handleConnection(conn *websocket.Conn, remoteAddr string) {
	ctx := context.Background()

	agent, assigned, ok := h.authenticate(ctx, conn, remoteAddr)
	if !ok {
		conn.Close()
		return
	}

	targetIDs := make([]uuid.UUID, len(assigned))
	sessionIDs := make([]uuid.UUID, len(assigned))
	for i, a := range assigned {
		targetIDs[i] = a.Target.TargetID
		sessionIDs[i] = a.SessionID
	}

	_, outbound := h.registry.Register(agent.ID, agent.Hostname, targetIDs)
	h.metrics.AgentConnected(ctx)
	h.hubs.AgentStatus.Publish(protocol.AgentOnlineStatus{AgentID: agent.ID, IsOnline: true})

	// stopWriter, not outbound closing, is what ends writeLoop: the
	// registry never closes outbound (see registry.Unregister), since a
	// concurrent SendToAgent could still be sending on it.
	stopWriter := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(conn, outbound, stopWriter, writerDone)

	h.readLoop(ctx, conn, agent.ID)
	close(stopWriter)

	h.registry.Unregister(agent.ID)
	for _, sessionID := range sessionIDs {
		h.routes.Forget(sessionID)
	}
	if err := h.store.SetAgentOnline(ctx, agent.ID, false); err != nil {
		h.logger.WarnContext(ctx, "wsagent: failed marking agent offline", "agent_id", agent.ID, "error", err)
	}
	h.metrics.AgentDisconnected(ctx)
	h.hubs.AgentStatus.Publish(protocol.AgentOnlineStatus{AgentID: agent.ID, IsOnline: false})
	<-writerDone
	conn.Close()
}

// authenticate runs spec.md §4.5 steps 1-4. ok is false whenever the
// connection should be dropped (malformed frame, timeout, or bad
// credentials); in that case the caller closes the socket without
// registering anything.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn, remoteAddr string) (*store.Agent, []protocol.AssignedTarget, bool) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.DebugContext(ctx, "wsagent: no auth frame within timeout", "error", err)
		return nil, nil, false
	}

	env, err := protocol.DecodeBinary(raw)
	if err != nil || env.Type != protocol.TagAuthRequest {
		h.logger.DebugContext(ctx, "wsagent: first frame was not an auth_request", "error", err)
		return nil, nil, false
	}

	var authReq protocol.AuthRequest
	if err := protocol.Unpack(env, &authReq); err != nil {
		h.logger.DebugContext(ctx, "wsagent: malformed auth_request", "error", err)
		return nil, nil, false
	}

	agent, err := h.store.VerifyAgentCredential(ctx, authReq.AgentID, authReq.APIKey)
	if err != nil {
		h.sendAuthFailure(conn, "invalid credentials")
		h.logger.WarnContext(ctx, "wsagent: auth failed", "agent_id", authReq.AgentID, "remote_addr", remoteAddr, "error", err)
		return nil, nil, false
	}

	if err := h.store.MarkAgentConnected(ctx, agent.ID, authReq.Hostname, authReq.OSInfo, authReq.AgentVersion, hostOnly(remoteAddr)); err != nil {
		h.sendAuthFailure(conn, "failed updating agent record")
		h.logger.ErrorContext(ctx, "wsagent: mark connected failed", "agent_id", agent.ID, "error", err)
		return nil, nil, false
	}

	targets, err := h.store.ActiveTargets(ctx, agent.ID)
	if err != nil {
		h.sendAuthFailure(conn, "failed loading targets")
		h.logger.ErrorContext(ctx, "wsagent: active targets lookup failed", "agent_id", agent.ID, "error", err)
		return nil, nil, false
	}

	assigned := make([]protocol.AssignedTarget, 0, len(targets))
	for _, t := range targets {
		session, err := h.store.OpenSession(ctx, t.ID)
		if err != nil {
			h.logger.ErrorContext(ctx, "wsagent: failed opening session", "target_id", t.ID, "error", err)
			continue
		}
		assigned = append(assigned, protocol.AssignedTarget{
			Target: protocol.TargetConfig{
				TargetID:    t.ID,
				Address:     t.Address,
				ProbeMethod: protocol.ProbeMethod(t.ProbeMethod),
				ProbePort:   t.ProbePort,
				PacketSize:  t.PacketSize,
				IntervalMs:  t.IntervalMs,
				MaxHops:     t.MaxHops,
			},
			SessionID: session.ID,
		})
	}

	env, err = protocol.Pack(protocol.TagAuthResponse, protocol.AuthResponse{Success: true, AssignedTargets: assigned})
	if err != nil {
		return nil, nil, false
	}
	if err := h.writeEnvelope(conn, env); err != nil {
		h.logger.WarnContext(ctx, "wsagent: failed sending auth_response", "agent_id", agent.ID, "error", err)
		return nil, nil, false
	}

	conn.SetReadDeadline(time.Time{})
	return agent, assigned, true
}

// hostOnly strips the port from a RemoteAddr; falls back to the raw value
// when it isn't a host:port pair (e.g. a unix socket address in tests).
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (h *Handler) sendAuthFailure(conn *websocket.Conn, reason string) {
	env, err := protocol.Pack(protocol.TagAuthResponse, protocol.AuthResponse{Success: false, Error: reason})
	if err != nil {
		return
	}
	_ = h.writeEnvelope(conn, env)
}

func (h *Handler) writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.EncodeBinary(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (h *Handler) writeLoop(conn *websocket.Conn, outbound <-chan protocol.Envelope, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env := <-outbound:
			if err := h.writeEnvelope(conn, env); err != nil {
				h.logger.DebugContext(context.Background(), "wsagent: write failed, closing", "error", err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, agentID uuid.UUID) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.DecodeBinary(raw)
		if err != nil {
			h.logger.DebugContext(ctx, "wsagent: dropping malformed frame", "agent_id", agentID, "error", err)
			continue
		}

		h.dispatch(ctx, agentID, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, agentID uuid.UUID, env protocol.Envelope) {
	switch env.Type {
	case protocol.TagTraceRound:
		var report protocol.TraceRoundReport
		if err := protocol.Unpack(env, &report); err != nil {
			h.logger.WarnContext(ctx, "wsagent: malformed trace_round", "agent_id", agentID, "error", err)
			return
		}
		if err := h.pipeline.Ingest(ctx, agentID, report); err != nil {
			h.logger.ErrorContext(ctx, "wsagent: ingest failed", "agent_id", agentID, "session_id", report.SessionID, "error", err)
		}

	case protocol.TagRouteDiscovery:
		var disc protocol.RouteDiscovery
		if err := protocol.Unpack(env, &disc); err != nil {
			h.logger.WarnContext(ctx, "wsagent: malformed route_discovery", "agent_id", agentID, "error", err)
			return
		}
		h.handleRouteDiscovery(ctx, disc)

	case protocol.TagHeartbeat:
		if err := h.store.TouchAgentLastSeen(ctx, agentID); err != nil {
			h.logger.WarnContext(ctx, "wsagent: failed touching last_seen_at", "agent_id", agentID, "error", err)
		}

	case protocol.TagHopMetadata:
		var meta protocol.HopMetadata
		if err := protocol.Unpack(env, &meta); err != nil {
			h.logger.WarnContext(ctx, "wsagent: malformed hop_metadata", "agent_id", agentID, "error", err)
			return
		}
		if err := h.store.PatchHopMetadata(ctx, meta.SessionID, meta.HopNumber, meta.IPAddress,
			meta.Hostname, meta.ASN, meta.ASName, meta.GeoCountry, meta.GeoCity, meta.GeoLat, meta.GeoLon); err != nil {
			h.logger.WarnContext(ctx, "wsagent: failed patching hop metadata", "agent_id", agentID, "error", err)
		}

	case protocol.TagAgentStatus:
		var status protocol.AgentStatus
		if err := protocol.Unpack(env, &status); err == nil {
			h.logger.InfoContext(ctx, "wsagent: agent status", "agent_id", agentID, "message", status.Message)
		}

	case protocol.TagUpdateProgress:
		var progress protocol.UpdateProgress
		if err := protocol.Unpack(env, &progress); err != nil {
			h.logger.WarnContext(ctx, "wsagent: malformed update_progress", "agent_id", agentID, "error", err)
			return
		}
		h.hubs.UpdateProgress.Publish(progress)

	case protocol.TagProcessTraffic:
		var traffic protocol.ProcessTraffic
		if err := protocol.Unpack(env, &traffic); err != nil {
			h.logger.WarnContext(ctx, "wsagent: malformed process_traffic", "agent_id", agentID, "error", err)
			return
		}
		h.hubs.Traffic.Publish(protocol.LiveProcessTraffic{
			AgentID:     traffic.AgentID,
			CapturedAt:  traffic.CapturedAt,
			Connections: traffic.Connections,
		})

	default:
		h.logger.DebugContext(ctx, "wsagent: ignoring unknown frame type", "agent_id", agentID, "type", env.Type)
	}
}

func (h *Handler) handleRouteDiscovery(ctx context.Context, disc protocol.RouteDiscovery) {
	change, err := h.routes.CheckExplicit(ctx, disc.SessionID, disc.HopIPs)
	if err != nil {
		h.logger.WarnContext(ctx, "wsagent: route_discovery check failed", "session_id", disc.SessionID, "error", err)
		return
	}
	if change == nil {
		return
	}

	h.metrics.IncrementRouteChanges(ctx)

	targetID, err := h.store.SessionTarget(ctx, disc.SessionID)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			h.logger.WarnContext(ctx, "wsagent: failed resolving session target", "session_id", disc.SessionID, "error", err)
		}
		return
	}

	h.hubs.RouteChanges.Publish(protocol.RouteChangeNotification{
		SessionID:          change.SessionID,
		TargetID:           targetID,
		PreviousSnapshotID: change.PreviousSnapshotID,
		NewSnapshotID:      change.NewSnapshotID,
		HopsChanged:        change.HopsChanged,
	})
}
