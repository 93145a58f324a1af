package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/lifeline"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	SessionRefreshTotal    metric.Int64Counter
	SessionRefreshDuration metric.Float64Histogram
	SessionLogoutsTotal    metric.Int64Counter
	SessionTimersArmed     metric.Int64Counter

	// Queue metrics
	QueueEnqueuedTotal      metric.Int64Counter
	QueueEnqueueErrorsTotal metric.Int64Counter
	QueueActionsTotal       metric.Int64Counter
	QueueDrainDuration      metric.Float64Histogram
	QueueStorageErrorsTotal metric.Int64Counter

	// Connectivity metrics
	ConnectivityTransitionsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the shared Metrics instance, initializing it if necessary.
// Instruments are bound to the global meter provider, which forwards to the
// provider installed by InitTelemetry even when that happens later.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SessionRefreshTotal, _ = meter.Int64Counter(
		"lifeline.session.refresh.total",
		metric.WithDescription("Total number of token refresh attempts by result"),
		metric.WithUnit("{refresh}"),
	)

	m.SessionRefreshDuration, _ = meter.Float64Histogram(
		"lifeline.session.refresh.duration",
		metric.WithDescription("Duration of identity provider refresh calls"),
		metric.WithUnit("ms"),
	)

	m.SessionLogoutsTotal, _ = meter.Int64Counter(
		"lifeline.session.logouts.total",
		metric.WithDescription("Total number of sessions cleared by sign-out or failed refresh"),
		metric.WithUnit("{logout}"),
	)

	m.SessionTimersArmed, _ = meter.Int64Counter(
		"lifeline.session.timers_armed.total",
		metric.WithDescription("Total number of proactive refresh timers armed"),
		metric.WithUnit("{timer}"),
	)

	m.QueueEnqueuedTotal, _ = meter.Int64Counter(
		"lifeline.queue.enqueued.total",
		metric.WithDescription("Total number of actions enqueued by kind"),
		metric.WithUnit("{action}"),
	)

	m.QueueEnqueueErrorsTotal, _ = meter.Int64Counter(
		"lifeline.queue.enqueue.errors.total",
		metric.WithDescription("Total number of enqueues that failed to persist"),
		metric.WithUnit("{error}"),
	)

	m.QueueActionsTotal, _ = meter.Int64Counter(
		"lifeline.queue.actions.total",
		metric.WithDescription("Total number of drained action dispatches by kind and result"),
		metric.WithUnit("{action}"),
	)

	m.QueueDrainDuration, _ = meter.Float64Histogram(
		"lifeline.queue.drain.duration",
		metric.WithDescription("Duration of queue drains"),
		metric.WithUnit("ms"),
	)

	m.QueueStorageErrorsTotal, _ = meter.Int64Counter(
		"lifeline.queue.storage.errors.total",
		metric.WithDescription("Total number of queue store read or write failures"),
		metric.WithUnit("{error}"),
	)

	m.ConnectivityTransitionsTotal, _ = meter.Int64Counter(
		"lifeline.connectivity.transitions.total",
		metric.WithDescription("Total number of connectivity transitions by state"),
		metric.WithUnit("{transition}"),
	)

	return m
}
