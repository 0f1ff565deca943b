package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Store is the Postgres-backed persistence layer. It is the opaque
// durable backing named in spec.md §1 — user-auth and CRUD REST endpoints
// that would sit in front of it are out of scope; this type is the contract
// such a layer would bind to, plus everything the hot ingest/alert/route
// paths need directly.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

// --- Agents ---

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var a Agent
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// VerifyAgentCredential looks up the agent and checks apiKey against its
// stored bcrypt hash. Returns ErrNotFound-equivalent gorm error or a bcrypt
// mismatch error; callers treat both as "authentication failed".
func (s *Store) VerifyAgentCredential(ctx context.Context, id uuid.UUID, apiKey string) (*Agent, error) {
	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, fmt.Errorf("store: api key mismatch for agent %s: %w", id, err)
	}
	return agent, nil
}

// HashAPIKey is used by the (out-of-scope) admin path when provisioning a
// new agent credential.
func HashAPIKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (s *Store) MarkAgentConnected(ctx context.Context, id uuid.UUID, hostname, osInfo, version, ipAddress string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Updates(map[string]any{
		"hostname":     hostname,
		"os_info":      osInfo,
		"version":      version,
		"ip_address":   ipAddress,
		"is_online":    true,
		"last_seen_at": now,
	}).Error
}

func (s *Store) SetAgentOnline(ctx context.Context, id uuid.UUID, online bool) error {
	return s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Updates(map[string]any{
		"is_online": online,
	}).Error
}

func (s *Store) TouchAgentLastSeen(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		Update("last_seen_at", time.Now().UTC()).Error
}

// --- Targets & sessions ---

func (s *Store) ActiveTargets(ctx context.Context, agentID uuid.UUID) ([]Target, error) {
	var targets []Target
	err := s.db.WithContext(ctx).Where("agent_id = ? AND is_active", agentID).Find(&targets).Error
	return targets, err
}

// OpenSession creates a fresh TraceSession for a target, per spec.md §4.5
// step 4 ("create a fresh TraceSession row" at each agent (re)connection).
func (s *Store) OpenSession(ctx context.Context, targetID uuid.UUID) (*TraceSession, error) {
	session := &TraceSession{
		ID:        uuid.New(),
		TargetID:  targetID,
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// SessionTarget returns the target a session belongs to, used by the
// route-discovery dispatch path to stamp a RouteChangeNotification with the
// target_id the wire envelope itself doesn't carry.
func (s *Store) SessionTarget(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	var session TraceSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		return uuid.Nil, err
	}
	return session.TargetID, nil
}

func (s *Store) IncrementSampleCount(ctx context.Context, sessionID uuid.UUID, n int) error {
	return s.db.WithContext(ctx).Model(&TraceSession{}).Where("id = ?", sessionID).
		Update("sample_count", gorm.Expr("sample_count + ?", n)).Error
}

// --- Hops ---

// UpsertHop inserts or refreshes the hop row unique on
// (session_id, hop_number, ip_address), returning its id.
func (s *Store) UpsertHop(ctx context.Context, sessionID uuid.UUID, hopNumber int, ipAddress string) (uuid.UUID, error) {
	now := time.Now().UTC()

	var existing Hop
	err := s.db.WithContext(ctx).Where(
		"session_id = ? AND hop_number = ? AND ip_address = ?", sessionID, hopNumber, ipAddress,
	).First(&existing).Error
	if err == nil {
		if uerr := s.db.WithContext(ctx).Model(&Hop{}).Where("id = ?", existing.ID).
			Update("last_seen_at", now).Error; uerr != nil {
			return uuid.Nil, uerr
		}
		return existing.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return uuid.Nil, err
	}

	hop := Hop{
		ID:          uuid.New(),
		SessionID:   sessionID,
		HopNumber:   hopNumber,
		IPAddress:   ipAddress,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&hop).Error; err != nil {
		// Lost the race with a concurrent insert for the same key; re-read.
		if rerr := s.db.WithContext(ctx).Where(
			"session_id = ? AND hop_number = ? AND ip_address = ?", sessionID, hopNumber, ipAddress,
		).First(&existing).Error; rerr == nil {
			return existing.ID, nil
		}
		return uuid.Nil, err
	}
	return hop.ID, nil
}

// PatchHopMetadata applies COALESCE semantics: only non-nil fields overwrite
// existing columns.
func (s *Store) PatchHopMetadata(ctx context.Context, sessionID uuid.UUID, hopNumber int, ipAddress string,
	hostname *string, asn *int, asName *string, geoCountry, geoCity *string, geoLat, geoLon *float64) error {

	updates := map[string]any{}
	if hostname != nil {
		updates["hostname"] = *hostname
	}
	if asn != nil {
		updates["asn"] = *asn
	}
	if asName != nil {
		updates["as_name"] = *asName
	}
	if geoCountry != nil {
		updates["geo_country"] = *geoCountry
	}
	if geoCity != nil {
		updates["geo_city"] = *geoCity
	}
	if geoLat != nil {
		updates["geo_lat"] = *geoLat
	}
	if geoLon != nil {
		updates["geo_lon"] = *geoLon
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Hop{}).Where(
		"session_id = ? AND hop_number = ? AND ip_address = ?", sessionID, hopNumber, ipAddress,
	).Updates(updates).Error
}

// --- Samples ---

// InsertSamples writes one round's samples in a single transaction, per
// spec.md §4.7 step 2. A transaction failure drops the round's samples but
// returns the error so the caller can log and continue.
func (s *Store) InsertSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&samples).Error
	})
}

// --- Route snapshots & changes ---

func (s *Store) LatestRouteSnapshot(ctx context.Context, sessionID uuid.UUID) (*RouteSnapshot, error) {
	var snap RouteSnapshot
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("captured_at DESC").First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) InsertRouteSnapshot(ctx context.Context, snap *RouteSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *Store) InsertRouteChange(ctx context.Context, change *RouteChange) error {
	return s.db.WithContext(ctx).Create(change).Error
}

// --- Alerts ---

// EnabledAlertRules returns rules applying fleet-wide or to the given target.
func (s *Store) EnabledAlertRules(ctx context.Context, targetID uuid.UUID) ([]AlertRule, error) {
	var rules []AlertRule
	err := s.db.WithContext(ctx).Where(
		"is_enabled AND (target_id IS NULL OR target_id = ?)", targetID,
	).Find(&rules).Error
	return rules, err
}

// LatestAlertEvent returns the most recent event for a rule, used for the
// cooldown check. Returns gorm.ErrRecordNotFound when none exists yet.
func (s *Store) LatestAlertEvent(ctx context.Context, ruleID uuid.UUID) (*AlertEvent, error) {
	var ev AlertEvent
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).
		Order("triggered_at DESC").First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) InsertAlertEvent(ctx context.Context, ev *AlertEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// --- Stats aggregator ---

// RollupHourly runs the hourly rollup over the last two hours of samples,
// per spec.md §4.13. One statement, upserting into hop_stats_hourly.
func (s *Store) RollupHourly(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO hop_stats_hourly (
			hop_id, session_id, hour, sample_count, loss_count, loss_pct,
			rtt_min_us, rtt_avg_us, rtt_max_us, rtt_stddev_us, jitter_avg_us, jitter_max_us
		)
		SELECT
			hop_id,
			max(session_id) AS session_id,
			date_trunc('hour', sent_at) AS hour,
			count(*) AS sample_count,
			count(*) FILTER (WHERE is_lost) AS loss_count,
			100.0 * count(*) FILTER (WHERE is_lost) / NULLIF(count(*), 0) AS loss_pct,
			min(rtt_us) FILTER (WHERE NOT is_lost) AS rtt_min_us,
			avg(rtt_us) FILTER (WHERE NOT is_lost) AS rtt_avg_us,
			max(rtt_us) FILTER (WHERE NOT is_lost) AS rtt_max_us,
			stddev(rtt_us) FILTER (WHERE NOT is_lost) AS rtt_stddev_us,
			avg(jitter_us) AS jitter_avg_us,
			max(jitter_us) AS jitter_max_us
		FROM samples
		WHERE sent_at >= now() - interval '2 hours'
		GROUP BY hop_id, date_trunc('hour', sent_at)
		ON CONFLICT (hop_id, hour) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			sample_count = EXCLUDED.sample_count,
			loss_count = EXCLUDED.loss_count,
			loss_pct = EXCLUDED.loss_pct,
			rtt_min_us = EXCLUDED.rtt_min_us,
			rtt_avg_us = EXCLUDED.rtt_avg_us,
			rtt_max_us = EXCLUDED.rtt_max_us,
			rtt_stddev_us = EXCLUDED.rtt_stddev_us,
			jitter_avg_us = EXCLUDED.jitter_avg_us,
			jitter_max_us = EXCLUDED.jitter_max_us
	`).Error
}
