// Package alert implements the Alert Evaluator: applies enabled rules
// against the just-updated running stats for a round, respects per-rule
// cooldown, records events, and emits notifications.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
	"github.com/courage2groww/network-master/internal/servercore/broadcast"
	"github.com/courage2groww/network-master/internal/servercore/stats"
	"github.com/courage2groww/network-master/internal/servercore/store"
)

// Store is the subset of store.Store the evaluator needs.
type Store interface {
	EnabledAlertRules(ctx context.Context, targetID uuid.UUID) ([]store.AlertRule, error)
	LatestAlertEvent(ctx context.Context, ruleID uuid.UUID) (*store.AlertEvent, error)
	InsertAlertEvent(ctx context.Context, ev *store.AlertEvent) error
}

type Evaluator struct {
	store  Store
	stats  *stats.Store
	alerts *broadcast.Hub[protocol.AlertFired]
	trace  *observability.TraceManager
	metrics *observability.MetricsManager
	logger *slog.Logger
	client *http.Client
}

func New(st Store, statsStore *stats.Store, alerts *broadcast.Hub[protocol.AlertFired],
	trace *observability.TraceManager, metrics *observability.MetricsManager, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:   st,
		stats:   statsStore,
		alerts:  alerts,
		trace:   trace,
		metrics: metrics,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// metricValue extracts the metric this rule cares about from a stats
// snapshot, per the table in spec.md §4.9.
func metricValue(metric string, s *stats.HopStats) (float64, error) {
	switch metric {
	case "avg_rtt":
		return s.AvgRTTUs() / 1000, nil
	case "max_rtt":
		return float64(s.MaxRTTUs) / 1000, nil
	case "min_rtt":
		return float64(s.MinRTTDisplay()) / 1000, nil
	case "loss_pct":
		return s.LossPct(), nil
	case "jitter":
		return s.AvgJitterUs() / 1000, nil
	default:
		return 0, fmt.Errorf("alert: unknown metric %q", metric)
	}
}

func compare(comparator string, value, threshold float64) bool {
	switch comparator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// Evaluate runs every enabled rule for report.TargetID against the
// just-updated running stats, per spec.md §4.9. Errors from individual
// rules are logged and do not stop evaluation of the rest.
func (e *Evaluator) Evaluate(ctx context.Context, report protocol.TraceRoundReport, sessionID uuid.UUID) {
	rules, err := e.store.EnabledAlertRules(ctx, report.TargetID)
	if err != nil {
		e.logger.ErrorContext(ctx, "alert: failed loading rules", "target_id", report.TargetID, "error", err)
		return
	}

	for _, rule := range rules {
		ctx, span := e.trace.StartAlertSpan(ctx, rule.ID.String())
		e.evaluateRule(ctx, rule, report, sessionID)
		e.trace.SetSpanSuccess(span)
		span.End()
	}
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule store.AlertRule, report protocol.TraceRoundReport, sessionID uuid.UUID) {
	hopNumbers := hopsUnderEvaluation(rule, report)

	for _, hopNumber := range hopNumbers {
		snap := e.stats.Get(stats.Key{SessionID: sessionID, HopNumber: hopNumber})
		if snap == nil {
			continue
		}

		value, err := metricValue(rule.Metric, snap)
		if err != nil {
			e.logger.ErrorContext(ctx, "alert: bad rule metric", "rule_id", rule.ID, "error", err)
			continue
		}

		if !compare(rule.Comparator, value, rule.Threshold) {
			continue
		}

		fired, err := e.coolingDown(ctx, rule)
		if err != nil {
			e.logger.ErrorContext(ctx, "alert: cooldown check failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if fired {
			continue
		}

		message := fmt.Sprintf("%s: %s %s %.2f (threshold: %.2f) on hop %d",
			rule.Name, rule.Metric, rule.Comparator, value, rule.Threshold, hopNumber)

		event := &store.AlertEvent{
			ID:             uuid.New(),
			RuleID:         rule.ID,
			SessionID:      &sessionID,
			TriggeredAt:    time.Now().UTC(),
			MetricValue:    value,
			ThresholdValue: rule.Threshold,
			Message:        message,
		}
		if err := e.store.InsertAlertEvent(ctx, event); err != nil {
			e.logger.ErrorContext(ctx, "alert: failed inserting event", "rule_id", rule.ID, "error", err)
			continue
		}

		e.metrics.IncrementAlertsFired(ctx, rule.Name)
		hop := hopNumber
		sid := sessionID
		e.alerts.Publish(protocol.AlertFired{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			TargetID:    &report.TargetID,
			SessionID:   &sid,
			HopNumber:   &hop,
			MetricValue: value,
			Threshold:   rule.Threshold,
			Message:     message,
			TriggeredAt: event.TriggeredAt,
		})

		if rule.WebhookURL != nil && *rule.WebhookURL != "" {
			go e.postWebhook(*rule.WebhookURL, message, value, rule.Threshold)
		}
	}
}

func hopsUnderEvaluation(rule store.AlertRule, report protocol.TraceRoundReport) []int {
	if rule.HopNumber != nil {
		return []int{*rule.HopNumber}
	}
	hops := make([]int, len(report.Hops))
	for i, h := range report.Hops {
		hops[i] = h.HopNumber
	}
	return hops
}

// coolingDown reports whether an event for this rule fired within its
// cooldown window already.
func (e *Evaluator) coolingDown(ctx context.Context, rule store.AlertRule) (bool, error) {
	last, err := e.store.LatestAlertEvent(ctx, rule.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	return time.Since(last.TriggeredAt) < cooldown, nil
}

// postWebhook fires a best-effort notification; failures are logged only,
// per spec.md §4.9's "fire-and-forget" contract.
func (e *Evaluator) postWebhook(url, text string, metricValue, threshold float64) {
	body, err := json.Marshal(map[string]any{
		"text":         text,
		"metric_value": metricValue,
		"threshold":    threshold,
		"source":       "network-master",
	})
	if err != nil {
		e.logger.Error("alert: failed marshaling webhook body", "error", err)
		return
	}

	resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		e.logger.Error("alert: webhook POST failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("alert: webhook returned non-2xx", "url", url, "status", resp.StatusCode)
	}
}
