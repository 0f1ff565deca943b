package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager holds the Prometheus-exported counters and histograms for
// one process (nm-server or nm-agent). Both binaries construct one from the
// shared meter returned by NewObservability and use the subset of methods
// that apply to them.
type MetricsManager struct {
	meter metric.Meter

	// Ingestion pipeline (server)
	roundsIngestedTotal    metric.Int64Counter
	ingestDuration         metric.Float64Histogram
	ingestErrorsTotal      metric.Int64Counter
	hopsPersistedTotal     metric.Int64Counter

	// Route + alert (server)
	routeChangesTotal  metric.Int64Counter
	alertsFiredTotal   metric.Int64Counter

	// Transport (server)
	agentConnectionsActive   metric.Int64UpDownCounter
	dashboardConnectionsActive metric.Int64UpDownCounter
	broadcastDroppedTotal    metric.Int64Counter

	// Probe engine (agent)
	probesSentTotal    metric.Int64Counter
	probesLostTotal    metric.Int64Counter
	probeRTT           metric.Float64Histogram

	// Process resource metrics (both)
	goGoroutines         metric.Int64UpDownCounter
	goMemstatsAllocBytes metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error
	counter := func(name, desc, unit string, dst *metric.Int64Counter) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	updown := func(name, desc, unit string, dst *metric.Int64UpDownCounter) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}
	histogram := func(name, desc, unit string, dst *metric.Float64Histogram) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	}

	counter("rounds_ingested_total", "Total trace rounds ingested", "1", &mm.roundsIngestedTotal)
	histogram("ingest_duration_seconds", "Duration of one round's ingest pipeline", "s", &mm.ingestDuration)
	counter("ingest_errors_total", "Total ingest pipeline errors", "1", &mm.ingestErrorsTotal)
	counter("hops_persisted_total", "Total hop samples persisted", "1", &mm.hopsPersistedTotal)
	counter("route_changes_total", "Total route changes detected", "1", &mm.routeChangesTotal)
	counter("alerts_fired_total", "Total alert events fired", "1", &mm.alertsFiredTotal)
	updown("agent_connections_active", "Currently connected agents", "1", &mm.agentConnectionsActive)
	updown("dashboard_connections_active", "Currently connected dashboard clients", "1", &mm.dashboardConnectionsActive)
	counter("broadcast_dropped_total", "Total broadcast messages dropped for a lagging subscriber", "1", &mm.broadcastDroppedTotal)
	counter("probes_sent_total", "Total probe packets sent", "1", &mm.probesSentTotal)
	counter("probes_lost_total", "Total probe packets unanswered before timeout", "1", &mm.probesLostTotal)
	histogram("probe_rtt_seconds", "Observed probe round-trip time", "s", &mm.probeRTT)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter("go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter("go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MetricsManager) IncrementRoundsIngested(ctx context.Context, probeMethod string) {
	mm.roundsIngestedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("probe_method", probeMethod)))
}

func (mm *MetricsManager) RecordIngestDuration(ctx context.Context, d time.Duration) {
	mm.ingestDuration.Record(ctx, d.Seconds())
}

func (mm *MetricsManager) IncrementIngestErrors(ctx context.Context, stage string) {
	mm.ingestErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (mm *MetricsManager) IncrementHopsPersisted(ctx context.Context, n int) {
	mm.hopsPersistedTotal.Add(ctx, int64(n))
}

func (mm *MetricsManager) IncrementRouteChanges(ctx context.Context) {
	mm.routeChangesTotal.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementAlertsFired(ctx context.Context, ruleName string) {
	mm.alertsFiredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", ruleName)))
}

func (mm *MetricsManager) AgentConnected(ctx context.Context)    { mm.agentConnectionsActive.Add(ctx, 1) }
func (mm *MetricsManager) AgentDisconnected(ctx context.Context) { mm.agentConnectionsActive.Add(ctx, -1) }

func (mm *MetricsManager) DashboardConnected(ctx context.Context) {
	mm.dashboardConnectionsActive.Add(ctx, 1)
}
func (mm *MetricsManager) DashboardDisconnected(ctx context.Context) {
	mm.dashboardConnectionsActive.Add(ctx, -1)
}

func (mm *MetricsManager) IncrementBroadcastDropped(ctx context.Context, channel string) {
	mm.broadcastDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (mm *MetricsManager) IncrementProbesSent(ctx context.Context, method string) {
	mm.probesSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("probe_method", method)))
}

func (mm *MetricsManager) IncrementProbesLost(ctx context.Context, method string) {
	mm.probesLostTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("probe_method", method)))
}

func (mm *MetricsManager) RecordProbeRTT(ctx context.Context, method string, d time.Duration) {
	mm.probeRTT.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("probe_method", method)))
}

// UpdateProcessMetrics adds the current goroutine count and heap allocation
// to the go_goroutines and go_memstats_alloc_bytes up-down counters. Neither
// binary calls it.
func (mm *MetricsManager) UpdateProcessMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
}
