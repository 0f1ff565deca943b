// Package stats holds the process-wide Running Stats Store: a concurrent
// map of monotonically-accumulating per-hop aggregates, keyed by
// (session_id, hop_number).
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// sentinel matches the source's "min is unset" encoding: reported as 0 in
// any live view, per spec.md §4.7 step 5.
const sentinelMinRTT = ^uint32(0)

// HopStats is one (session, hop) running aggregate. It is immutable once
// published — Update builds a new value and swaps it in — so concurrent
// readers never observe a partial update.
type HopStats struct {
	MinRTTUs    uint32
	MaxRTTUs    uint32
	SumRTTUs    uint64
	RTTCount    uint64
	LossCount   uint64
	TotalCount  uint64
	LastRTTUs   *uint32
	SumJitterUs uint64
	JitterCount uint64
}

func newHopStats() *HopStats {
	return &HopStats{MinRTTUs: sentinelMinRTT}
}

// AvgRTTUs is 0 when no round has ever produced a response.
func (h *HopStats) AvgRTTUs() float64 {
	if h.RTTCount == 0 {
		return 0
	}
	return float64(h.SumRTTUs) / float64(h.RTTCount)
}

// MinRTTDisplay substitutes 0 for the sentinel, per spec.md §4.7 step 5.
func (h *HopStats) MinRTTDisplay() uint32 {
	if h.MinRTTUs == sentinelMinRTT {
		return 0
	}
	return h.MinRTTUs
}

func (h *HopStats) LossPct() float64 {
	if h.TotalCount == 0 {
		return 0
	}
	return 100 * float64(h.LossCount) / float64(h.TotalCount)
}

func (h *HopStats) AvgJitterUs() float64 {
	if h.JitterCount == 0 {
		return 0
	}
	return float64(h.SumJitterUs) / float64(h.JitterCount)
}

// Key identifies one running-stats entry.
type Key struct {
	SessionID uuid.UUID
	HopNumber int
}

// Store is the running-stats map. All methods are safe for concurrent use;
// Get is lock-free (an atomic pointer load). Update is safe to call
// concurrently across distinct keys; per spec.md §4.10, callers must
// serialize updates to the SAME key themselves (ingestion already does,
// since one session's rounds arrive one at a time on a single connection).
type Store struct {
	entries sync.Map // Key -> *atomic.Pointer[HopStats]
}

func New() *Store {
	return &Store{}
}

func (s *Store) slot(key Key) *atomic.Pointer[HopStats] {
	v, _ := s.entries.LoadOrStore(key, &atomic.Pointer[HopStats]{})
	slot := v.(*atomic.Pointer[HopStats])
	slot.CompareAndSwap(nil, newHopStats())
	return slot
}

// Get returns the current snapshot for a key, or nil if never observed.
func (s *Store) Get(key Key) *HopStats {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	return v.(*atomic.Pointer[HopStats]).Load()
}

// Observe folds one hop sample into the (session, hop_number) entry and
// returns the post-update snapshot. rttUs is nil for a lost hop.
//
// Jitter is computed from the previous round's RTT *before* this round's RTT
// overwrites it, per spec.md §4.7 step 4 / §8's jitter law.
func (s *Store) Observe(key Key, rttUs *uint32) *HopStats {
	slot := s.slot(key)
	prev := slot.Load()

	next := *prev // copy
	next.TotalCount++

	if rttUs == nil {
		next.LossCount++
	} else {
		v := *rttUs
		if next.RTTCount == 0 || v < next.MinRTTUs {
			next.MinRTTUs = v
		}
		if v > next.MaxRTTUs {
			next.MaxRTTUs = v
		}
		next.SumRTTUs += uint64(v)
		next.RTTCount++

		if prev.LastRTTUs != nil {
			jitter := absDiffU32(v, *prev.LastRTTUs)
			next.SumJitterUs += uint64(jitter)
			next.JitterCount++
		}
		last := v
		next.LastRTTUs = &last
	}

	slot.Store(&next)
	return &next
}

// JitterFor computes the jitter value Observe would record for this
// sample, without mutating the store — used by ingest to populate each
// sample row's jitter_us column before calling Observe.
func (s *Store) JitterFor(key Key, rttUs *uint32) *uint32 {
	if rttUs == nil {
		return nil
	}
	prev := s.Get(key)
	if prev == nil || prev.LastRTTUs == nil {
		return nil
	}
	j := absDiffU32(*rttUs, *prev.LastRTTUs)
	return &j
}

// Delete drops an entry, for the optional session-end compaction hook
// described in spec.md §4.10/§9.
func (s *Store) Delete(key Key) {
	s.entries.Delete(key)
}

// Compact removes every entry whose session is in endedSessions. It is an
// optional hook — nothing calls it unless a caller wires a periodic ticker
// to it, per spec.md §9 open question 3 ("a design hook, not required for
// correctness").
func (s *Store) Compact(endedSessions map[uuid.UUID]struct{}) int {
	removed := 0
	s.entries.Range(func(k, _ any) bool {
		key := k.(Key)
		if _, ended := endedSessions[key.SessionID]; ended {
			s.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
