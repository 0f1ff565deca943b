// Package route implements the Route-Change Detector: it compares each
// round's hop-IP sequence against a cached last-known route and records a
// snapshot/diff pair in the durable store when the route changes.
package route

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courage2groww/network-master/internal/servercore/store"
)

// Store is the subset of store.Store the detector needs.
type Store interface {
	LatestRouteSnapshot(ctx context.Context, sessionID uuid.UUID) (*store.RouteSnapshot, error)
	InsertRouteSnapshot(ctx context.Context, snap *store.RouteSnapshot) error
	InsertRouteChange(ctx context.Context, change *store.RouteChange) error
}

// Change describes a detected route change, ready to broadcast.
type Change struct {
	SessionID          uuid.UUID
	PreviousSnapshotID uuid.UUID
	NewSnapshotID      uuid.UUID
	HopsChanged        int
}

// Detector holds the in-memory RouteCache: session_id -> last-seen ordered
// hop-IP sequence. Per spec.md §9, the per-key lock is never held across a
// suspension point (the DB calls below all happen before the cache update).
type Detector struct {
	store Store

	mu    sync.RWMutex
	cache map[uuid.UUID][]*string
}

func New(st Store) *Detector {
	return &Detector{
		store: st,
		cache: make(map[uuid.UUID][]*string),
	}
}

// Canonicalize renders an ordered IP sequence into the deterministic
// textual form used both for persisted hop_sequence and for route_hash.
// Absent hops (nil) render as empty segments so "same positions, same
// gaps" hashes identically and any differing sequence hashes differently.
func Canonicalize(ips []*string) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		if ip != nil {
			parts[i] = *ip
		}
	}
	return strings.Join(parts, "|")
}

func RouteHash(ips []*string) string {
	sum := sha256.Sum256([]byte(Canonicalize(ips)))
	return hex.EncodeToString(sum[:])
}

func routesEqual(a, b []*string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ipEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func ipEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// hopsChanged is the edit distance described in spec.md §3: the count of
// positional differences over i in [0, max(len(prev), len(new))).
func hopsChanged(prev, next []*string) int {
	n := len(prev)
	if len(next) > n {
		n = len(next)
	}
	changed := 0
	for i := 0; i < n; i++ {
		var p, c *string
		if i < len(prev) {
			p = prev[i]
		}
		if i < len(next) {
			c = next[i]
		}
		if !ipEqual(p, c) {
			changed++
		}
	}
	return changed
}

// Check runs one round's route comparison, per spec.md §4.8's "inline"
// path. It returns a non-nil Change only when a route change was recorded;
// a first-ever snapshot for the session or an unchanged route both return
// (nil, nil).
func (d *Detector) Check(ctx context.Context, sessionID uuid.UUID, current []*string) (*Change, error) {
	d.mu.RLock()
	cached, known := d.cache[sessionID]
	d.mu.RUnlock()

	if known && routesEqual(cached, current) {
		return nil, nil
	}

	prevSnapshot, err := d.store.LatestRouteSnapshot(ctx, sessionID)
	hasPrev := true
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		hasPrev = false
	}

	newSnapshot := &store.RouteSnapshot{
		ID:          uuid.New(),
		SessionID:   sessionID,
		CapturedAt:  time.Now().UTC(),
		HopCount:    len(current),
		HopSequence: Canonicalize(current),
		RouteHash:   RouteHash(current),
	}
	if err := d.store.InsertRouteSnapshot(ctx, newSnapshot); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[sessionID] = current
	d.mu.Unlock()

	if !hasPrev {
		// Genuinely the session's first snapshot: record it and stop, per
		// spec.md §4.8. A process restart with a cold cache but an existing
		// DB snapshot falls through to the diff below instead.
		return nil, nil
	}

	var prevIPs []*string
	if prevSnapshot.HopSequence != "" {
		for _, seg := range strings.Split(prevSnapshot.HopSequence, "|") {
			if seg == "" {
				prevIPs = append(prevIPs, nil)
			} else {
				v := seg
				prevIPs = append(prevIPs, &v)
			}
		}
	}
	changed := hopsChanged(prevIPs, current)

	change := &store.RouteChange{
		ID:                 uuid.New(),
		SessionID:          sessionID,
		DetectedAt:         time.Now().UTC(),
		PreviousSnapshotID: prevSnapshot.ID,
		NewSnapshotID:      newSnapshot.ID,
		HopsChanged:        changed,
	}
	if err := d.store.InsertRouteChange(ctx, change); err != nil {
		return nil, err
	}

	return &Change{
		SessionID:          sessionID,
		PreviousSnapshotID: prevSnapshot.ID,
		NewSnapshotID:      newSnapshot.ID,
		HopsChanged:        changed,
	}, nil
}

// CheckExplicit handles the standalone RouteDiscovery envelope path
// (spec.md §4.8 "explicit" source) — identical bookkeeping to Check,
// independent of probe rounds.
func (d *Detector) CheckExplicit(ctx context.Context, sessionID uuid.UUID, hopIPs []*string) (*Change, error) {
	return d.Check(ctx, sessionID, hopIPs)
}

// Forget drops a session's cache entry, e.g. when its connection closes.
func (d *Detector) Forget(sessionID uuid.UUID) {
	d.mu.Lock()
	delete(d.cache, sessionID)
	d.mu.Unlock()
}
