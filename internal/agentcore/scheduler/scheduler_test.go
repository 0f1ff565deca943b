package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	hops  []protocol.HopSample
}

func (f *fakeEngine) Run(_ context.Context, _ protocol.ProbeMethod, _ net.IP, _, _, _, _ int, _ time.Duration) []protocol.HopSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.hops
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticResolver(ip net.IP) Resolver {
	return func(context.Context, string) (net.IP, error) { return ip, nil }
}

func failingResolver() Resolver {
	return func(context.Context, string) (net.IP, error) { return nil, errors.New("no such host") }
}

func newTestScheduler(t *testing.T, engine ProbeEngine, resolve Resolver, outbound chan protocol.TraceRoundReport) *Scheduler {
	t.Helper()
	return New(engine, resolve, outbound, 100*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func addr(ip string) *string { return &ip }

func TestSchedulerProbesDueTargetAndEnqueuesReport(t *testing.T) {
	ip := net.ParseIP("192.0.2.1")
	hops := []protocol.HopSample{{HopNumber: 1, IPAddress: addr("192.0.2.1")}}
	engine := &fakeEngine{hops: hops}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, staticResolver(ip), outbound)

	targetID := uuid.New()
	sessionID := uuid.New()
	s.Add(protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", ProbeMethod: protocol.ProbeICMP, IntervalMs: 50, MaxHops: 5}, sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	select {
	case report := <-outbound:
		if report.TargetID != targetID || report.SessionID != sessionID {
			t.Fatalf("report = %+v, want target %s session %s", report, targetID, sessionID)
		}
		if report.RoundNumber != 1 {
			t.Fatalf("RoundNumber = %d, want 1", report.RoundNumber)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for a report")
	}
}

func TestSchedulerSkipsTickWhenResolutionFails(t *testing.T) {
	engine := &fakeEngine{}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, failingResolver(), outbound)
	s.Add(protocol.TargetConfig{TargetID: uuid.New(), Address: "nonexistent.invalid", IntervalMs: 50, MaxHops: 5}, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if engine.callCount() != 0 {
		t.Fatalf("engine called %d times, want 0 when resolution always fails", engine.callCount())
	}
}

func TestSchedulerUpdatesKnownHopsFromHighestRespondingHop(t *testing.T) {
	ip := net.ParseIP("192.0.2.1")
	engine := &fakeEngine{hops: []protocol.HopSample{
		{HopNumber: 1, IPAddress: addr("10.0.0.1")},
		{HopNumber: 2, IsLost: true},
		{HopNumber: 3, IPAddress: addr("192.0.2.1")},
	}}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, staticResolver(ip), outbound)
	targetID := uuid.New()
	s.Add(protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", IntervalMs: 50, MaxHops: 5}, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)
	<-outbound

	time.Sleep(20 * time.Millisecond)
	if got := s.targets[targetID].knownHops; got != 3 {
		t.Fatalf("knownHops = %d, want 3 (highest hop with an IP present)", got)
	}
}

func TestReconfigurePreservesSessionAndRoundCounter(t *testing.T) {
	ip := net.ParseIP("192.0.2.1")
	engine := &fakeEngine{hops: []protocol.HopSample{{HopNumber: 1, IPAddress: addr("192.0.2.1")}}}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, staticResolver(ip), outbound)

	targetID := uuid.New()
	sessionID := uuid.New()
	s.Add(protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", IntervalMs: 50, MaxHops: 5, PacketSize: 64}, sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)
	<-outbound

	s.Reconfigure(protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", IntervalMs: 50, MaxHops: 5, PacketSize: 128})
	time.Sleep(150 * time.Millisecond)

	state := s.targets[targetID]
	if state.sessionID != sessionID {
		t.Fatalf("sessionID = %v, want unchanged %v", state.sessionID, sessionID)
	}
	if state.config.PacketSize != 128 {
		t.Fatalf("PacketSize = %d, want 128 (reconfigure should apply)", state.config.PacketSize)
	}
	if state.roundCounter == 0 {
		t.Fatal("expected round_counter to keep advancing across reconfigure")
	}
}

func TestLenReflectsScheduledTargetCount(t *testing.T) {
	engine := &fakeEngine{}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, staticResolver(net.ParseIP("192.0.2.1")), outbound)

	id1, id2 := uuid.New(), uuid.New()
	s.Add(protocol.TargetConfig{TargetID: id1, Address: "192.0.2.1", IntervalMs: 50}, uuid.New())
	s.Add(protocol.TargetConfig{TargetID: id2, Address: "192.0.2.1", IntervalMs: 50}, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go s.Run(ctx)
	time.Sleep(120 * time.Millisecond)

	if got := s.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestRemoveDeletesTarget(t *testing.T) {
	engine := &fakeEngine{}
	outbound := make(chan protocol.TraceRoundReport, 4)
	s := newTestScheduler(t, engine, staticResolver(net.ParseIP("192.0.2.1")), outbound)
	targetID := uuid.New()
	s.Add(protocol.TargetConfig{TargetID: targetID, Address: "192.0.2.1", IntervalMs: 50, MaxHops: 5}, uuid.New())
	s.Remove([]uuid.UUID{targetID})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if engine.callCount() != 0 {
		t.Fatalf("engine called %d times, want 0 after Remove", engine.callCount())
	}
}
