// Package store holds the gorm models and Postgres-backed persistence for
// network-master's durable state: agents, targets, sessions, hops, samples,
// route snapshots/changes, alert rules/events, and the hourly rollup table.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Agent is the durable record of one monitored host's agent process.
type Agent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	APIKeyHash  string    `gorm:"column:api_key_hash;not null"`
	Hostname    string
	OSInfo      string `gorm:"column:os_info"`
	Version     string
	IPAddress   string `gorm:"column:ip_address"`
	DisplayName string
	IsOnline    bool `gorm:"column:is_online;default:false"`
	LastSeenAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Target is a monitoring instruction owned by exactly one Agent.
type Target struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID `gorm:"type:uuid;index;not null"`
	Address     string    `gorm:"not null"`
	ResolvedIP  string    `gorm:"column:resolved_ip"`
	DisplayName string
	ProbeMethod string `gorm:"column:probe_method;not null"` // icmp|tcp|udp
	ProbePort   int    `gorm:"column:probe_port"`
	PacketSize  int    `gorm:"column:packet_size;default:64"`
	IntervalMs  int64  `gorm:"column:interval_ms;default:2500"`
	MaxHops     int    `gorm:"column:max_hops;default:30"`
	IsActive    bool   `gorm:"column:is_active;default:true"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TraceSession is a contiguous probing run for one Target by one Agent.
type TraceSession struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TargetID    uuid.UUID `gorm:"type:uuid;index;not null"`
	StartedAt   time.Time `gorm:"not null"`
	EndedAt     *time.Time
	SampleCount int64 `gorm:"column:sample_count;default:0"`
}

// Hop is a persisted, enrichable position observed within a session.
type Hop struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid;uniqueIndex:uq_hop_identity;not null"`
	HopNumber  int       `gorm:"column:hop_number;uniqueIndex:uq_hop_identity;not null"`
	IPAddress  string    `gorm:"column:ip_address;uniqueIndex:uq_hop_identity;not null"`
	Hostname   *string
	ASN        *int     `gorm:"column:asn"`
	ASName     *string  `gorm:"column:as_name"`
	GeoCountry *string  `gorm:"column:geo_country"`
	GeoCity    *string  `gorm:"column:geo_city"`
	GeoLat     *float64 `gorm:"column:geo_lat"`
	GeoLon     *float64 `gorm:"column:geo_lon"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

func (Hop) TableName() string { return "hops" }

// Sample is one persisted per-hop, per-round measurement.
type Sample struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;index;not null"`
	HopID       uuid.UUID `gorm:"type:uuid;index;not null"`
	RoundNumber uint64    `gorm:"column:round_number;not null"`
	SentAt      time.Time `gorm:"column:sent_at;not null"`
	RTTUs       *uint32   `gorm:"column:rtt_us"`
	IsLost      bool      `gorm:"column:is_lost;not null"`
	JitterUs    *uint32   `gorm:"column:jitter_us"`
	ProbeMethod string    `gorm:"column:probe_method;not null"`
	PacketSize  int       `gorm:"column:packet_size"`
	TTLSent     int       `gorm:"column:ttl_sent"`
	TTLReceived *int      `gorm:"column:ttl_received"`
}

// RouteSnapshot is a captured hop-IP sequence for a session at a point in time.
type RouteSnapshot struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;index;not null"`
	CapturedAt  time.Time `gorm:"column:captured_at;not null"`
	HopCount    int       `gorm:"column:hop_count"`
	HopSequence string    `gorm:"column:hop_sequence"` // canonical textual form, see route.Canonicalize
	RouteHash   string    `gorm:"column:route_hash;index"`
}

// RouteChange links two successive snapshots that differ.
type RouteChange struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID          uuid.UUID `gorm:"type:uuid;index;not null"`
	DetectedAt         time.Time `gorm:"column:detected_at;not null"`
	PreviousSnapshotID uuid.UUID `gorm:"type:uuid;column:previous_snapshot_id"`
	NewSnapshotID      uuid.UUID `gorm:"type:uuid;column:new_snapshot_id"`
	HopsChanged        int       `gorm:"column:hops_changed"`
}

// AlertRule is a (metric, comparator, threshold, cooldown) predicate over
// running stats.
type AlertRule struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Name           string     `gorm:"not null"`
	TargetID       *uuid.UUID `gorm:"type:uuid;index"` // null = fleet-wide
	HopNumber      *int       `gorm:"column:hop_number"`
	Metric         string     `gorm:"not null"` // avg_rtt|max_rtt|min_rtt|loss_pct|jitter
	Comparator     string     `gorm:"not null"` // gt|gte|lt|lte|eq
	Threshold      float64    `gorm:"not null"`
	WindowSeconds  int        `gorm:"column:window_seconds"`
	CooldownSeconds int       `gorm:"column:cooldown_seconds"`
	WebhookURL     *string    `gorm:"column:webhook_url"`
	IsEnabled      bool       `gorm:"column:is_enabled;default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AlertEvent is one firing of an AlertRule.
type AlertEvent struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RuleID        uuid.UUID  `gorm:"type:uuid;index;not null"`
	SessionID     *uuid.UUID `gorm:"type:uuid;index"`
	TriggeredAt   time.Time  `gorm:"column:triggered_at;not null"`
	MetricValue   float64    `gorm:"column:metric_value"`
	ThresholdValue float64   `gorm:"column:threshold_value"`
	Message       string
}

// HopStatsHourly is the hourly rollup written by the Stats Aggregator, keyed
// on (hop_id, hour) per spec.md §6. session_id is carried for display only —
// a hop's session never changes, so it adds no entropy to the key.
type HopStatsHourly struct {
	HopID        uuid.UUID `gorm:"type:uuid;primaryKey;column:hop_id"`
	SessionID    uuid.UUID `gorm:"type:uuid;column:session_id;not null"`
	Hour         time.Time `gorm:"primaryKey"`
	SampleCount  int64     `gorm:"column:sample_count"`
	LossCount    int64     `gorm:"column:loss_count"`
	LossPct      float64   `gorm:"column:loss_pct"`
	RTTMinUs     float64   `gorm:"column:rtt_min_us"`
	RTTAvgUs     float64   `gorm:"column:rtt_avg_us"`
	RTTMaxUs     float64   `gorm:"column:rtt_max_us"`
	RTTStddevUs  float64   `gorm:"column:rtt_stddev_us"`
	JitterAvgUs  float64   `gorm:"column:jitter_avg_us"`
	JitterMaxUs  float64   `gorm:"column:jitter_max_us"`
}

func (HopStatsHourly) TableName() string { return "hop_stats_hourly" }

// AutoMigrate creates/updates every table this package owns. Called once at
// nm-server startup.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&Target{},
		&TraceSession{},
		&Hop{},
		&Sample{},
		&RouteSnapshot{},
		&RouteChange{},
		&AlertRule{},
		&AlertEvent{},
		&HopStatsHourly{},
	)
}
