package stats

import (
	"testing"

	"github.com/google/uuid"
)

func u32(v uint32) *uint32 { return &v }

func TestObserveHappyRound(t *testing.T) {
	s := New()
	key := Key{SessionID: uuid.New(), HopNumber: 1}

	got := s.Observe(key, u32(1500))
	if got.MinRTTDisplay() != 1500 || got.MaxRTTUs != 1500 || got.AvgRTTUs() != 1500 {
		t.Fatalf("got %+v", got)
	}
	if got.LossPct() != 0 {
		t.Fatalf("LossPct = %v, want 0", got.LossPct())
	}
}

func TestObserveLostHop(t *testing.T) {
	s := New()
	key := Key{SessionID: uuid.New(), HopNumber: 2}

	got := s.Observe(key, nil)
	if got.TotalCount != 1 || got.LossCount != 1 {
		t.Fatalf("got %+v", got)
	}
	if got.LossPct() != 100.0 {
		t.Fatalf("LossPct = %v, want 100", got.LossPct())
	}
	if got.RTTCount != 0 {
		t.Fatalf("RTTCount = %d, want 0", got.RTTCount)
	}
	if got.MinRTTDisplay() != 0 {
		t.Fatalf("MinRTTDisplay = %d, want 0 (sentinel substituted)", got.MinRTTDisplay())
	}
}

func TestJitterAcrossRounds(t *testing.T) {
	s := New()
	key := Key{SessionID: uuid.New(), HopNumber: 1}

	j1 := s.JitterFor(key, u32(2000))
	if j1 != nil {
		t.Fatalf("first round jitter = %v, want nil", j1)
	}
	s.Observe(key, u32(2000))

	j2 := s.JitterFor(key, u32(5000))
	if j2 == nil || *j2 != 3000 {
		t.Fatalf("jitter = %v, want 3000", j2)
	}
	got := s.Observe(key, u32(5000))
	if got.SumJitterUs != 3000 || got.JitterCount != 1 || got.AvgJitterUs() != 3000 {
		t.Fatalf("got %+v", got)
	}
}

func TestStatsMonotonicity(t *testing.T) {
	s := New()
	key := Key{SessionID: uuid.New(), HopNumber: 1}

	samples := []*uint32{u32(1000), nil, u32(3000), u32(500), nil, u32(2000)}
	var lastTotal uint64
	for _, rtt := range samples {
		got := s.Observe(key, rtt)
		if got.TotalCount < lastTotal {
			t.Fatalf("total_count decreased: %d -> %d", lastTotal, got.TotalCount)
		}
		lastTotal = got.TotalCount
		if got.LossCount > got.TotalCount {
			t.Fatalf("loss_count %d > total_count %d", got.LossCount, got.TotalCount)
		}
		if got.RTTCount+got.LossCount > got.TotalCount {
			t.Fatalf("rtt_count + loss_count > total_count")
		}
		if got.RTTCount > 0 && !(got.MinRTTDisplay() <= uint32(got.AvgRTTUs()) && uint32(got.AvgRTTUs()) <= got.MaxRTTUs) {
			t.Fatalf("min <= avg <= max violated: min=%d avg=%v max=%d", got.MinRTTDisplay(), got.AvgRTTUs(), got.MaxRTTUs)
		}
	}
}

func TestCompactRemovesEndedSessions(t *testing.T) {
	s := New()
	ended := uuid.New()
	live := uuid.New()
	s.Observe(Key{SessionID: ended, HopNumber: 1}, u32(100))
	s.Observe(Key{SessionID: live, HopNumber: 1}, u32(100))

	n := s.Compact(map[uuid.UUID]struct{}{ended: {}})
	if n != 1 {
		t.Fatalf("Compact removed %d, want 1", n)
	}
	if s.Get(Key{SessionID: ended, HopNumber: 1}) != nil {
		t.Fatalf("ended session entry still present")
	}
	if s.Get(Key{SessionID: live, HopNumber: 1}) == nil {
		t.Fatalf("live session entry was removed")
	}
}
