// Package wsdash implements the dashboard live-feed WS handler: JSON text
// frames over /ws/live, fanning out all six broadcast hubs to each
// connection with per-connection subscription filtering (spec.md §6).
package wsdash

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
)

// outboundCapacity bounds each dashboard connection's own fan-in buffer,
// independent of the six hub capacities the connection reads from.
const outboundCapacity = 256

// subscriptionControl is the dashboard-to-server control frame named in
// spec.md §6: {type: subscribe|unsubscribe|subscribe_traffic|
// unsubscribe_traffic, data: {target_ids|agent_ids}}.
type subscriptionControl struct {
	Type string `json:"type"`
	Data struct {
		TargetIDs []uuid.UUID `json:"target_ids,omitempty"`
		AgentIDs  []uuid.UUID `json:"agent_ids,omitempty"`
	} `json:"data"`
}

type Handler struct {
	hubs     *broadcast.Hubs
	metrics  *observability.MetricsManager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(hubs *broadcast.Hubs, metrics *observability.MetricsManager, logger *slog.Logger) *Handler {
	return &Handler{
		hubs:    hubs,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "wsdash: upgrade failed", "error", err)
		return
	}
	h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *websocket.Conn) {
	ctx := context.Background()
	h.metrics.DashboardConnected(ctx)
	defer h.metrics.DashboardDisconnected(ctx)

	f := newFilter()
	outbound := make(chan []byte, outboundCapacity)
	done := make(chan struct{})

	liveSub := h.hubs.LiveTraces.Subscribe()
	routeSub := h.hubs.RouteChanges.Subscribe()
	alertSub := h.hubs.Alerts.Subscribe()
	progressSub := h.hubs.UpdateProgress.Subscribe()
	trafficSub := h.hubs.Traffic.Subscribe()
	statusSub := h.hubs.AgentStatus.Subscribe()
	defer liveSub.Close()
	defer routeSub.Close()
	defer alertSub.Close()
	defer progressSub.Close()
	defer trafficSub.Close()
	defer statusSub.Close()

	go forward(liveSub, protocol.TagLiveTraceUpdate, func(m protocol.LiveTraceUpdate) bool {
		return f.allowsTarget(&m.TargetID)
	}, outbound, done, h.logger)
	go forward(routeSub, protocol.TagRouteChangeNotif, func(m protocol.RouteChangeNotification) bool {
		return f.allowsTarget(&m.TargetID)
	}, outbound, done, h.logger)
	go forward(alertSub, protocol.TagAlertFired, func(m protocol.AlertFired) bool {
		return f.allowsTarget(m.TargetID)
	}, outbound, done, h.logger)
	go forward(progressSub, protocol.TagUpdateProgress, func(m protocol.UpdateProgress) bool {
		return f.allowsAgent(m.AgentID)
	}, outbound, done, h.logger)
	go forward(trafficSub, protocol.TagLiveProcessTraffic, func(m protocol.LiveProcessTraffic) bool {
		return f.allowsAgent(m.AgentID)
	}, outbound, done, h.logger)
	go forward(statusSub, protocol.TagAgentOnlineStatus, func(m protocol.AgentOnlineStatus) bool {
		return f.allowsAgent(m.AgentID)
	}, outbound, done, h.logger)

	writerDone := make(chan struct{})
	go h.writeLoop(conn, outbound, writerDone)

	h.readLoop(conn, f)

	close(done)
	conn.Close()
	<-writerDone
}

// forward drains one hub subscription, JSON-encodes matching messages as a
// tagged envelope, and pushes them onto the connection's shared outbound
// channel. It never blocks on outbound: a full connection buffer means a
// slow dashboard client, so the message is dropped (logged) rather than
// stalling every other hub's forwarder.
func forward[T any](sub *broadcast.Subscription[T], tag string, allow func(T) bool,
	outbound chan<- []byte, done <-chan struct{}, logger *slog.Logger) {
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if !allow(msg) {
				continue
			}
			env, err := protocol.Pack(tag, msg)
			if err != nil {
				logger.Warn("wsdash: failed packing message", "type", tag, "error", err)
				continue
			}
			data, err := protocol.EncodeJSON(env)
			if err != nil {
				logger.Warn("wsdash: failed encoding message", "type", tag, "error", err)
				continue
			}
			select {
			case outbound <- data:
			default:
				logger.Warn("wsdash: dropping message for slow connection", "type", tag)
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, outbound <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for data := range outbound {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("wsdash: write failed, closing", "error", err)
			return
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, f *filter) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ctrl subscriptionControl
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			h.logger.Debug("wsdash: dropping malformed control frame", "error", err)
			continue
		}

		switch ctrl.Type {
		case "subscribe":
			f.setTargets(ctrl.Data.TargetIDs)
		case "unsubscribe":
			f.clearTargets(ctrl.Data.TargetIDs)
		case "subscribe_traffic":
			f.setAgents(ctrl.Data.AgentIDs)
		case "unsubscribe_traffic":
			f.clearAgents(ctrl.Data.AgentIDs)
		default:
			h.logger.Debug("wsdash: ignoring unknown control type", "type", ctrl.Type)
		}
	}
}
