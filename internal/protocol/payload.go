package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ProbeMethod is rendered lowercase on the wire.
type ProbeMethod string

const (
	ProbeICMP ProbeMethod = "icmp"
	ProbeTCP  ProbeMethod = "tcp"
	ProbeUDP  ProbeMethod = "udp"
)

// UpdateStatus is rendered snake_case on the wire.
type UpdateStatus string

const (
	UpdateDownloading UpdateStatus = "downloading"
	UpdateVerifying   UpdateStatus = "verifying"
	UpdateInstalling  UpdateStatus = "installing"
	UpdateRestarting  UpdateStatus = "restarting"
	UpdateFailed      UpdateStatus = "failed"
)

// TargetConfig is the probing instruction an agent receives for one target.
type TargetConfig struct {
	TargetID    uuid.UUID   `json:"target_id"`
	Address     string      `json:"address"`
	ProbeMethod ProbeMethod `json:"probe_method"`
	ProbePort   int         `json:"probe_port,omitempty"`
	PacketSize  int         `json:"packet_size"`
	IntervalMs  int64       `json:"interval_ms"`
	MaxHops     int         `json:"max_hops"`
}

// AuthRequest is sent once, immediately after the transport opens.
type AuthRequest struct {
	AgentID     uuid.UUID `json:"agent_id"`
	APIKey      string    `json:"api_key"`
	AgentVersion string   `json:"agent_version"`
	Hostname    string    `json:"hostname"`
	OSInfo      string    `json:"os_info"`
}

// AssignedTarget pairs a target with the fresh session the server opened
// for it at connect time.
type AssignedTarget struct {
	Target    TargetConfig `json:"target"`
	SessionID uuid.UUID    `json:"session_id"`
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Success         bool             `json:"success"`
	Error           string           `json:"error,omitempty"`
	AssignedTargets []AssignedTarget `json:"assigned_targets,omitempty"`
}

// Heartbeat is the agent's liveness + resource-usage beacon.
type Heartbeat struct {
	AgentID           uuid.UUID `json:"agent_id"`
	ActiveTargetCount int       `json:"active_target_count"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	CPUUsagePct       float64   `json:"cpu_usage_pct"`
	MemoryUsageMB     float64   `json:"memory_usage_mb"`
}

// ServerHeartbeat is the server's own liveness beacon back to the agent.
type ServerHeartbeat struct {
	ServerTime time.Time `json:"server_time"`
}

// HopSample is one TTL's result within a trace round.
type HopSample struct {
	HopNumber    int     `json:"hop_number"`
	IPAddress    *string `json:"ip_address,omitempty"`
	RTTMicros    *uint32 `json:"rtt_us,omitempty"`
	IsLost       bool    `json:"is_lost"`
	TTLReceived  *int    `json:"ttl_received,omitempty"`
}

// TraceRoundReport is one completed TTL sweep for a target-session.
type TraceRoundReport struct {
	TargetID    uuid.UUID   `json:"target_id"`
	SessionID   uuid.UUID   `json:"session_id"`
	RoundNumber uint64      `json:"round_number"`
	SentAt      time.Time   `json:"sent_at"`
	ProbeMethod ProbeMethod `json:"probe_method"`
	PacketSize  int         `json:"packet_size"`
	Hops        []HopSample `json:"hops"`
}

// RouteDiscovery is the explicit, standalone route-snapshot path (distinct
// from the inline detection folded into each TraceRound).
type RouteDiscovery struct {
	SessionID uuid.UUID `json:"session_id"`
	HopIPs    []*string `json:"hop_ips"`
}

// HopMetadata patches enrichment columns on an already-persisted hop.
type HopMetadata struct {
	SessionID  uuid.UUID `json:"session_id"`
	HopNumber  int       `json:"hop_number"`
	IPAddress  string    `json:"ip_address"`
	Hostname   *string   `json:"hostname,omitempty"`
	ASN        *int      `json:"asn,omitempty"`
	ASName     *string   `json:"as_name,omitempty"`
	GeoCountry *string   `json:"geo_country,omitempty"`
	GeoCity    *string   `json:"geo_city,omitempty"`
	GeoLat     *float64  `json:"geo_lat,omitempty"`
	GeoLon     *float64  `json:"geo_lon,omitempty"`
}

// AgentStatus is a free-form status line, logged only (per §4.5).
type AgentStatus struct {
	AgentID uuid.UUID `json:"agent_id"`
	Message string    `json:"message"`
}

// AckResponse is a generic acknowledgement for request/response exchanges.
type AckResponse struct {
	InReplyTo uuid.UUID `json:"in_reply_to"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// UpdateProgress streams the self-updater's state machine to the server.
type UpdateProgress struct {
	AgentID    uuid.UUID    `json:"agent_id"`
	Status     UpdateStatus `json:"status"`
	PercentPct int          `json:"percent"`
	Error      string       `json:"error,omitempty"`
}

// ConnectionSample is one observed socket for the traffic monitor.
type ConnectionSample struct {
	LocalAddr   string  `json:"local_addr"`
	RemoteAddr  string  `json:"remote_addr"`
	Protocol    string  `json:"protocol"`
	PID         *int32  `json:"pid,omitempty"`
	ProcessName *string `json:"process_name,omitempty"`
	State       *string `json:"state,omitempty"`
}

// ProcessTraffic is the agent-side traffic-monitor sample; it is a live-only
// signal, never persisted (see SPEC_FULL.md §3).
type ProcessTraffic struct {
	AgentID     uuid.UUID          `json:"agent_id"`
	CapturedAt  time.Time          `json:"captured_at"`
	Connections []ConnectionSample `json:"connections"`
}

// TargetAssignment pushes a newly (re)configured target to a connected agent.
type TargetAssignment struct {
	Target    TargetConfig `json:"target"`
	SessionID uuid.UUID    `json:"session_id"`
}

// TargetRemoval tells an agent to stop probing the named targets.
type TargetRemoval struct {
	TargetIDs []uuid.UUID `json:"target_ids"`
}

// ConfigUpdate patches an agent's live scheduler entry in place.
type ConfigUpdate struct {
	Target TargetConfig `json:"target"`
}

// UpdateCommand triggers the agent self-updater.
type UpdateCommand struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
}

// LiveHopData pairs one round's raw sample with the post-update running
// stats snapshot for that hop.
type LiveHopData struct {
	Sample     HopSample `json:"sample"`
	MinRTTUs   uint32    `json:"min_rtt_us"`
	MaxRTTUs   uint32    `json:"max_rtt_us"`
	AvgRTTUs   float64   `json:"avg_rtt_us"`
	LossPct    float64   `json:"loss_pct"`
	AvgJitterUs float64  `json:"avg_jitter_us"`
}

// LiveTraceUpdate is the per-round broadcast fed to dashboard clients.
type LiveTraceUpdate struct {
	AgentID     uuid.UUID     `json:"agent_id"`
	TargetID    uuid.UUID     `json:"target_id"`
	SessionID   uuid.UUID     `json:"session_id"`
	RoundNumber uint64        `json:"round_number"`
	Hops        []LiveHopData `json:"hops"`
}

// AlertFired is broadcast whenever the alert evaluator records a new event.
type AlertFired struct {
	RuleID       uuid.UUID  `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	TargetID     *uuid.UUID `json:"target_id,omitempty"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	HopNumber    *int       `json:"hop_number,omitempty"`
	MetricValue  float64    `json:"metric_value"`
	Threshold    float64    `json:"threshold_value"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
}

// AgentOnlineStatus notifies dashboards of a connect/disconnect transition.
type AgentOnlineStatus struct {
	AgentID  uuid.UUID `json:"agent_id"`
	IsOnline bool      `json:"is_online"`
}

// RouteChangeNotification is broadcast whenever the route detector records
// a new RouteChange row.
type RouteChangeNotification struct {
	SessionID          uuid.UUID `json:"session_id"`
	TargetID           uuid.UUID `json:"target_id"`
	PreviousSnapshotID uuid.UUID `json:"previous_snapshot_id"`
	NewSnapshotID      uuid.UUID `json:"new_snapshot_id"`
	HopsChanged        int       `json:"hops_changed"`
}

// LiveProcessTraffic is the dashboard-facing relay of a ProcessTraffic sample.
type LiveProcessTraffic struct {
	AgentID     uuid.UUID          `json:"agent_id"`
	CapturedAt  time.Time          `json:"captured_at"`
	Connections []ConnectionSample `json:"connections"`
}
