package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceManager wraps an OpenTelemetry tracer with the span shapes the
// ingestion, route-detection, and alert-evaluation paths need.
type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartIngestSpan wraps one ingest() call: hop upsert, sample insert,
// stats update, route check, broadcast, alert evaluation.
func (tm *TraceManager) StartIngestSpan(ctx context.Context, sessionID string, round uint64) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "ingest_round", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("round.number", int64(round)),
	))
}

// StartRouteCheckSpan wraps one route-change comparison.
func (tm *TraceManager) StartRouteCheckSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "route_change_check", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
}

// StartAlertSpan wraps one rule's evaluation against a round.
func (tm *TraceManager) StartAlertSpan(ctx context.Context, ruleID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "evaluate_alert_rule", trace.WithAttributes(
		attribute.String("rule.id", ruleID),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent adds a timestamped event to a span, used for step-level
// progress within a single ingest span (hop upsert done, stats updated, ...).
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute tags a span with the component that produced it.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("networkmaster.component", component))
}
