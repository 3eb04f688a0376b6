package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const dispatchMeterName = "github.com/certdispatch/certdispatch/internal/dispatch"

// DispatchMetrics holds the instruments for queue, auth and notification
// events. A nil *DispatchMetrics is valid and records nothing.
type DispatchMetrics struct {
	enqueued      metric.Int64Counter
	claimed       metric.Int64Counter
	reclaimed     metric.Int64Counter
	reports       metric.Int64Counter
	authFailures  metric.Int64Counter
	notifications metric.Int64Counter
}

// NewDispatchMetrics creates the dispatch instruments on the global meter
// provider.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter(dispatchMeterName)

	enqueued, err := meter.Int64Counter(
		"dispatch.tasks.enqueued",
		metric.WithDescription("Number of check tasks enqueued"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	claimed, err := meter.Int64Counter(
		"dispatch.tasks.claimed",
		metric.WithDescription("Number of check tasks handed to agents"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	reclaimed, err := meter.Int64Counter(
		"dispatch.tasks.reclaimed",
		metric.WithDescription("Number of expired claims returned to pending"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	reports, err := meter.Int64Counter(
		"dispatch.reports.total",
		metric.WithDescription("Number of agent report rows processed"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	authFailures, err := meter.Int64Counter(
		"dispatch.auth.failures",
		metric.WithDescription("Number of rejected agent requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		"dispatch.notifications.sent",
		metric.WithDescription("Number of offline notifications attempted"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		enqueued:      enqueued,
		claimed:       claimed,
		reclaimed:     reclaimed,
		reports:       reports,
		authFailures:  authFailures,
		notifications: notifications,
	}, nil
}

// TaskEnqueued records one enqueue.
func (m *DispatchMetrics) TaskEnqueued(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("task.context", origin)))
}

// TasksClaimed records a claim batch.
func (m *DispatchMetrics) TasksClaimed(ctx context.Context, n int, filter string) {
	if m == nil || n == 0 {
		return
	}
	m.claimed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("agent.filter", filter)))
}

// TasksReclaimed records expired leases.
func (m *DispatchMetrics) TasksReclaimed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.Add(ctx, int64(n))
}

// ReportProcessed records one report row by outcome (success, failure, stale).
func (m *DispatchMetrics) ReportProcessed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reports.Add(ctx, 1, metric.WithAttributes(attribute.String("report.outcome", outcome)))
}

// AuthFailure records a rejected agent request.
func (m *DispatchMetrics) AuthFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("auth.reason", reason)))
}

// NotificationSent records a notification attempt.
func (m *DispatchMetrics) NotificationSent(ctx context.Context, driver string, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("notify.driver", driver)}
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}
