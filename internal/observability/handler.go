package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityHandler is a slog.Handler that tags every record with the
// active span's trace/span ID (if any) and counts records by level, then
// delegates rendering to an inner JSON handler. It exists so both binaries
// get trace-correlated structured logs without threading a tracer through
// every call site that logs.
type ObservabilityHandler struct {
	opts   HandlerOptions
	inner  slog.Handler
	tracer trace.Tracer

	logCounter  metric.Int64Counter
	eventErrors metric.Int64Counter
}

type HandlerOptions struct {
	Level  slog.Level
	Writer io.Writer
}

func NewObservabilityHandler(tracer trace.Tracer, meter metric.Meter, serviceName string) (*ObservabilityHandler, error) {
	return NewObservabilityHandlerWithOptions(tracer, meter, serviceName, HandlerOptions{Level: slog.LevelInfo})
}

func NewObservabilityHandlerWithOptions(tracer trace.Tracer, meter metric.Meter, serviceName string, opts HandlerOptions) (*ObservabilityHandler, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	logCounter, err := meter.Int64Counter("logs_total",
		metric.WithDescription("Total number of log records emitted"), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	eventErrors, err := meter.Int64Counter("log_handler_errors_total",
		metric.WithDescription("Total errors encountered by the log handler itself"), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	inner := slog.NewJSONHandler(opts.Writer, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}).WithAttrs([]slog.Attr{slog.String("service", serviceName)})

	return &ObservabilityHandler{
		opts:        opts,
		inner:       inner,
		tracer:      tracer,
		logCounter:  logCounter,
		eventErrors: eventErrors,
	}, nil
}

func (h *ObservabilityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ObservabilityHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	h.logCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("level", r.Level.String())))

	if err := h.inner.Handle(ctx, r); err != nil {
		h.eventErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error", "handle_failed")))
		return err
	}
	return nil
}

func (h *ObservabilityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ObservabilityHandler{
		opts:        h.opts,
		inner:       h.inner.WithAttrs(attrs),
		tracer:      h.tracer,
		logCounter:  h.logCounter,
		eventErrors: h.eventErrors,
	}
}

func (h *ObservabilityHandler) WithGroup(name string) slog.Handler {
	return &ObservabilityHandler{
		opts:        h.opts,
		inner:       h.inner.WithGroup(name),
		tracer:      h.tracer,
		logCounter:  h.logCounter,
		eventErrors: h.eventErrors,
	}
}
