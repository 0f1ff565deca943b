// Package observability provides distributed tracing, metrics collection,
// structured logging, and health checks shared by nm-server and nm-agent.
//
// # Overview
//
// The package wires OpenTelemetry's SDK without a trace exporter: spans are
// still created, and their trace/span IDs are still tagged onto every log
// line through Handler, but nothing ships spans off-process. Metrics go
// through a Prometheus reader and are served on the health server's
// /metrics endpoint.
//
// # Quick Start
//
//	obs, err := observability.NewObservability(observability.DefaultConfig("nm-server"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer func() {
//		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//		defer cancel()
//		obs.Shutdown(ctx)
//	}()
//
//	logger := obs.Logger
//	metrics, err := observability.NewMetricsManager(obs.Meter)
//	trace := observability.NewTraceManager("nm-server")
//
// # Configuration
//
// DefaultConfig derives ServiceVersion, Environment, and LogLevel from
// config.Load(), so nm-server and nm-agent share one source of truth for
// those fields while choosing their own ServiceName:
//
//	cfg := observability.DefaultConfig("nm-agent")
//
// # Tracing
//
// TraceManager wraps an otel.Tracer with the span shapes network-master's
// ingestion, route-detection, and alerting code needs:
//
//	ctx, span := trace.StartIngestSpan(ctx, sessionID, round)
//	defer span.End()
//	if err != nil {
//		trace.RecordError(span, err)
//	} else {
//		trace.SetSpanSuccess(span)
//	}
//
// StartRouteCheckSpan and StartAlertSpan cover the other two hot paths;
// AddSpanEvent and AddComponentAttribute annotate a span already in
// progress. InjectTraceContext/ExtractTraceContext propagate trace context
// across the one HTTP boundary the system has (the agent WebSocket upgrade
// does not currently carry it, but the propagator is wired for anything
// that later does).
//
// # Metrics
//
// MetricsManager exposes the counters and histograms both binaries share
// a meter for; each binary calls only the subset relevant to it (nm-server:
// ingestion, route, alert, and transport counters; nm-agent: probe
// counters). See metrics.go for the full set. All are served on
// /metrics via the health server's promhttp.Handler().
//
// # Structured Logging
//
// Handler wraps an slog.Handler so that any log call made with a context
// carrying an active span gets that span's trace/span ID attached
// automatically:
//
//	obs.Logger.InfoContext(ctx, "ingest: round complete", "session_id", sessionID)
//
// # Health Checks
//
// NewHealthServer exposes /health, /ready, and /metrics on its own port,
// separate from the main control-plane listener:
//
//	health := observability.NewHealthServer(cfg.MetricsPort, cfg.ServiceName, cfg.ServiceVersion)
//	health.AddChecker("database", observability.NewBasicHealthChecker("database", func(ctx context.Context) error {
//		return sqlDB.PingContext(ctx)
//	}))
//	go health.Start(ctx)
//
// # Integration with nm-server and nm-agent
//
// **In cmd/nm-server**: obs, metrics, and trace are constructed once and
// passed into ingest.Pipeline, alert.Evaluator, wsagent.Handler, and
// wsdash.Handler.
//
// **In cmd/nm-agent**: obs and metrics are constructed once and passed into
// probe.Engine.
//
// # Related Packages
//
//   - internal/servercore: ingest, alert, and dispatch components record spans and metrics
//   - internal/agentcore: the probe component records metrics
//   - internal/config: provides the configuration DefaultConfig reads from
package observability
