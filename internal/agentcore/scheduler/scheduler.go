// Package scheduler implements the Agent Probe Scheduler (spec.md §4.2):
// a single cooperative loop that resolves target addresses, drives trace
// rounds at each target's configured cadence, and enqueues reports onto the
// Connection Manager's outbound queue.
package scheduler

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

const (
	tickInterval     = 100 * time.Millisecond
	defaultKnownHops = 30
)

// ProbeEngine is the subset of probe.Engine the scheduler drives.
type ProbeEngine interface {
	Run(ctx context.Context, method protocol.ProbeMethod, destIP net.IP, port, packetSize, knownHops, maxHops int, timeout time.Duration) []protocol.HopSample
}

// Resolver resolves a target's configured address to a destination IP.
type Resolver func(ctx context.Context, host string) (net.IP, error)

type addCommand struct {
	config    protocol.TargetConfig
	sessionID uuid.UUID
}

type removeCommand struct {
	ids []uuid.UUID
}

type reconfigureCommand struct {
	config protocol.TargetConfig
}

type targetState struct {
	config       protocol.TargetConfig
	sessionID    uuid.UUID
	roundCounter uint64
	resolvedIP   net.IP
	knownHops    int
	lastProbeAt  time.Time
	hasProbed    bool
}

// Scheduler owns the target_id -> TargetState map and the 100ms tick loop.
type Scheduler struct {
	engine         ProbeEngine
	resolve        Resolver
	outbound       chan<- protocol.TraceRoundReport
	defaultTimeout time.Duration
	logger         *slog.Logger

	commands    chan any
	targets     map[uuid.UUID]*targetState
	targetCount atomic.Int32
}

func New(engine ProbeEngine, resolve Resolver, outbound chan<- protocol.TraceRoundReport, defaultTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:         engine,
		resolve:        resolve,
		outbound:       outbound,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		commands:       make(chan any, 256),
		targets:        make(map[uuid.UUID]*targetState),
	}
}

// Add inserts or replaces a target. The address is resolved lazily on the
// next tick, not inline, so Add never blocks on DNS.
func (s *Scheduler) Add(config protocol.TargetConfig, sessionID uuid.UUID) {
	s.commands <- addCommand{config: config, sessionID: sessionID}
}

// Remove deletes the named targets.
func (s *Scheduler) Remove(ids []uuid.UUID) {
	s.commands <- removeCommand{ids: ids}
}

// Reconfigure patches an existing target's config in place, per the
// ConfigUpdate dispatch in spec.md §4.1. Unlike Add, it preserves the
// target's session_id, round_counter, and known_hops.
func (s *Scheduler) Reconfigure(config protocol.TargetConfig) {
	s.commands <- reconfigureCommand{config: config}
}

// Len reports the number of targets currently scheduled, for the agent's
// heartbeat active_target_count field.
func (s *Scheduler) Len() int {
	return int(s.targetCount.Load())
}

// Run blocks until ctx is cancelled, ticking every 100ms per spec.md §4.2.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainCommands()
			s.runDueTargets(ctx)
		}
	}
}

func (s *Scheduler) drainCommands() {
	for {
		select {
		case cmd := <-s.commands:
			s.apply(cmd)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(cmd any) {
	switch c := cmd.(type) {
	case addCommand:
		s.targets[c.config.TargetID] = &targetState{
			config:    c.config,
			sessionID: c.sessionID,
			knownHops: defaultKnownHops,
		}
		s.targetCount.Store(int32(len(s.targets)))
	case removeCommand:
		for _, id := range c.ids {
			delete(s.targets, id)
		}
		s.targetCount.Store(int32(len(s.targets)))
	case reconfigureCommand:
		if state, ok := s.targets[c.config.TargetID]; ok {
			state.config = c.config
		}
	}
}

// runDueTargets probes every due target in sequence: a single cooperative
// task, deliberately serialized to bound peak concurrency at roughly
// max_hops probes at a time rather than max_hops * active target count.
func (s *Scheduler) runDueTargets(ctx context.Context) {
	now := time.Now()
	for id, state := range s.targets {
		if !s.isDue(state, now) {
			continue
		}

		if state.resolvedIP == nil {
			ip, err := s.resolve(ctx, state.config.Address)
			if err != nil {
				s.logger.WarnContext(ctx, "scheduler: resolution failed, will retry next tick", "target_id", id, "address", state.config.Address, "error", err)
				continue
			}
			state.resolvedIP = ip
		}

		state.roundCounter++
		state.lastProbeAt = now
		state.hasProbed = true

		hops := s.engine.Run(ctx, state.config.ProbeMethod, state.resolvedIP, state.config.ProbePort, state.config.PacketSize, state.knownHops, state.config.MaxHops, s.defaultTimeout)

		highest := 0
		for _, h := range hops {
			if h.IPAddress != nil {
				highest = h.HopNumber
			}
		}
		if highest > 0 {
			state.knownHops = highest
		}

		report := protocol.TraceRoundReport{
			TargetID:    state.config.TargetID,
			SessionID:   state.sessionID,
			RoundNumber: state.roundCounter,
			SentAt:      now.UTC(),
			ProbeMethod: state.config.ProbeMethod,
			PacketSize:  state.config.PacketSize,
			Hops:        hops,
		}

		// The outbound queue is the sole backpressure point (spec.md §4.1):
		// a full queue blocks the scheduler briefly. If it is still full
		// after a bounded wait, the report is dropped and logged (spec.md
		// §4.2) rather than stalling the tick loop indefinitely.
		select {
		case s.outbound <- report:
		default:
			timer := time.NewTimer(tickInterval)
			select {
			case s.outbound <- report:
				timer.Stop()
			case <-timer.C:
				s.logger.WarnContext(ctx, "scheduler: outbound queue full, dropping report", "target_id", id, "round_number", state.roundCounter)
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

func (s *Scheduler) isDue(state *targetState, now time.Time) bool {
	if !state.hasProbed {
		return true
	}
	intervalMs := state.config.IntervalMs
	if intervalMs <= 0 {
		intervalMs = 2500
	}
	return now.Sub(state.lastProbeAt) >= time.Duration(intervalMs)*time.Millisecond
}
