// Package ingest implements the Ingestion Pipeline: the hot path a
// TraceRoundReport travels from the agent WS handler to persisted rows,
// updated running stats, a dashboard broadcast, and alert evaluation.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
	"github.com/courage2groww/network-master/internal/servercore/alert"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
	"github.com/courage2groww/network-master/internal/servercore/route"
	"github.com/courage2groww/network-master/internal/servercore/stats"
	"github.com/courage2groww/network-master/internal/servercore/store"
)

// Store is the subset of store.Store the pipeline needs.
type Store interface {
	UpsertHop(ctx context.Context, sessionID uuid.UUID, hopNumber int, ipAddress string) (uuid.UUID, error)
	InsertSamples(ctx context.Context, samples []store.Sample) error
	IncrementSampleCount(ctx context.Context, sessionID uuid.UUID, n int) error
}

// Pipeline wires together persistence, running stats, route detection,
// fan-out broadcast, and alert evaluation for one agent connection's
// stream of trace rounds.
type Pipeline struct {
	store   Store
	stats   *stats.Store
	routes  *route.Detector
	alerts  *alert.Evaluator
	hubs    *broadcast.Hubs
	trace   *observability.TraceManager
	metrics *observability.MetricsManager
	logger  *slog.Logger
}

func New(st Store, statsStore *stats.Store, routes *route.Detector, alerts *alert.Evaluator,
	hubs *broadcast.Hubs, trace *observability.TraceManager, metrics *observability.MetricsManager,
	logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   st,
		stats:   statsStore,
		routes:  routes,
		alerts:  alerts,
		hubs:    hubs,
		trace:   trace,
		metrics: metrics,
		logger:  logger,
	}
}

// Ingest runs the eight steps named in spec.md §4.7 for one completed round
// from one agent. agentID is only used for the broadcast envelope; it is not
// persisted (sessions, not agents, own hops/samples).
func (p *Pipeline) Ingest(ctx context.Context, agentID uuid.UUID, report protocol.TraceRoundReport) error {
	start := time.Now()
	ctx, span := p.trace.StartIngestSpan(ctx, report.SessionID.String(), report.RoundNumber)
	p.trace.AddComponentAttribute(span, "ingest")
	defer span.End()
	defer func() {
		p.metrics.RecordIngestDuration(ctx, time.Since(start))
	}()

	// Step 1: hop upsert, one per distinct (hop_number, ip_address) in the
	// round. Lost hops (no ip_address) have no Hop row and are skipped here;
	// their sample row below still uses the zero hop id.
	hopIDs := make(map[int]uuid.UUID, len(report.Hops))
	for _, h := range report.Hops {
		if h.IsLost || h.IPAddress == nil {
			continue
		}
		id, err := p.store.UpsertHop(ctx, report.SessionID, h.HopNumber, *h.IPAddress)
		if err != nil {
			p.trace.RecordError(span, err)
			p.metrics.IncrementIngestErrors(ctx, "hop_upsert")
			return err
		}
		hopIDs[h.HopNumber] = id
	}
	p.trace.AddSpanEvent(span, "hops_upserted")

	// Step 2 + 4: build sample rows, computing each one's jitter from the
	// stats store BEFORE Observe folds this round's RTT in and overwrites
	// LastRTTUs, per spec.md §4.7 step 4.
	samples := make([]store.Sample, 0, len(report.Hops))
	liveHops := make([]protocol.LiveHopData, 0, len(report.Hops))

	for _, h := range report.Hops {
		key := stats.Key{SessionID: report.SessionID, HopNumber: h.HopNumber}
		jitter := p.stats.JitterFor(key, h.RTTMicros)
		snap := p.stats.Observe(key, h.RTTMicros)

		samples = append(samples, store.Sample{
			ID:          uuid.New(),
			SessionID:   report.SessionID,
			HopID:       hopIDs[h.HopNumber],
			RoundNumber: report.RoundNumber,
			SentAt:      report.SentAt,
			RTTUs:       h.RTTMicros,
			IsLost:      h.IsLost,
			JitterUs:    jitter,
			ProbeMethod: string(report.ProbeMethod),
			PacketSize:  report.PacketSize,
			TTLSent:     h.HopNumber,
			TTLReceived: h.TTLReceived,
		})

		liveHops = append(liveHops, protocol.LiveHopData{
			Sample:      h,
			MinRTTUs:    snap.MinRTTDisplay(),
			MaxRTTUs:    snap.MaxRTTUs,
			AvgRTTUs:    snap.AvgRTTUs(),
			LossPct:     snap.LossPct(),
			AvgJitterUs: snap.AvgJitterUs(),
		})
	}

	if err := p.store.InsertSamples(ctx, samples); err != nil {
		p.trace.RecordError(span, err)
		p.metrics.IncrementIngestErrors(ctx, "insert_samples")
		return err
	}
	p.metrics.IncrementHopsPersisted(ctx, len(samples))
	p.trace.AddSpanEvent(span, "samples_persisted")

	// Step 3
	if err := p.store.IncrementSampleCount(ctx, report.SessionID, len(samples)); err != nil {
		p.logger.WarnContext(ctx, "ingest: failed incrementing session sample count", "session_id", report.SessionID, "error", err)
	}

	// Step 5
	update := protocol.LiveTraceUpdate{
		AgentID:     agentID,
		TargetID:    report.TargetID,
		SessionID:   report.SessionID,
		RoundNumber: report.RoundNumber,
		Hops:        liveHops,
	}

	// Step 6: route-change detection over the round's ordered hop IPs.
	hopIPs := make([]*string, len(report.Hops))
	for i, h := range report.Hops {
		hopIPs[i] = h.IPAddress
	}
	if change, err := p.routes.Check(ctx, report.SessionID, hopIPs); err != nil {
		p.logger.WarnContext(ctx, "ingest: route check failed", "session_id", report.SessionID, "error", err)
	} else if change != nil {
		p.metrics.IncrementRouteChanges(ctx)
		p.hubs.RouteChanges.Publish(protocol.RouteChangeNotification{
			SessionID:          change.SessionID,
			TargetID:           report.TargetID,
			PreviousSnapshotID: change.PreviousSnapshotID,
			NewSnapshotID:      change.NewSnapshotID,
			HopsChanged:        change.HopsChanged,
		})
	}

	// Step 7
	p.hubs.LiveTraces.Publish(update)
	p.trace.AddSpanEvent(span, "broadcast_sent")

	// Step 8
	p.alerts.Evaluate(ctx, report, report.SessionID)

	p.metrics.IncrementRoundsIngested(ctx, string(report.ProbeMethod))
	p.trace.SetSpanSuccess(span)
	return nil
}
