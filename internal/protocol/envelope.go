// Package protocol defines the wire envelope shared by the agent↔server
// control channel and the server↔dashboard live channel, and the compact
// binary framing used to carry it.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Tag names are exact per the wire contract; they are also used as Go
// struct discriminators so logs and envelopes always agree on naming.
const (
	TagAuthRequest            = "auth_request"
	TagAuthResponse           = "auth_response"
	TagHeartbeat              = "heartbeat"
	TagTraceRound             = "trace_round"
	TagRouteDiscovery         = "route_discovery"
	TagHopMetadata            = "hop_metadata"
	TagAgentStatus            = "agent_status"
	TagAckResponse            = "ack_response"
	TagUpdateProgress         = "update_progress"
	TagProcessTraffic         = "process_traffic"
	TagTargetAssignment       = "target_assignment"
	TagTargetRemoval          = "target_removal"
	TagConfigUpdate           = "config_update"
	TagServerHeartbeat        = "server_heartbeat"
	TagUpdateCommand          = "update_command"
	TagLiveTraceUpdate        = "live_trace_update"
	TagAlertFired             = "alert_fired"
	TagAgentOnlineStatus      = "agent_online_status"
	TagRouteChangeNotif       = "route_change_notification"
	TagLiveProcessTraffic     = "live_process_traffic"
)

// Envelope is the wire wrapper carrying one tagged payload variant.
//
// Data holds the JSON encoding of the concrete payload named by Type. This
// lets the outer frame stay schema-evolvable (a receiver that doesn't
// recognize Type can still parse the envelope and ignore the payload, per
// the "unknown named tags must be ignored" rule) while the binary framing
// (see codec.go) stays a single gob blob per WebSocket frame.
type Envelope struct {
	MsgID     uuid.UUID `json:"msg_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Data      []byte    `json:"data"`
}

// NewEnvelope stamps a fresh msg_id and UTC timestamp around a payload
// encoded by the caller.
func NewEnvelope(msgType string, data []byte) Envelope {
	return Envelope{
		MsgID:     uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Data:      data,
	}
}
