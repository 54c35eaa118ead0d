// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, tracing, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay"

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FanOutDuration tracks how long one publish takes to reach every
	// listener of a session.
	FanOutDuration metric.Float64Histogram

	// FramesPublished counts listener deliveries. Use with attribute:
	//   attribute.String("kind", "audio"|"status")
	FramesPublished metric.Int64Counter

	// FramesDropped counts events that reached nobody. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ListenerConnects counts accepted subscriptions by session.
	ListenerConnects metric.Int64Counter

	// ListenerDisconnects counts listener removals (clean or failed push).
	ListenerDisconnects metric.Int64Counter

	// CaptureTicks counts capture-agent cadence ticks by outcome
	// ("ok", "read_failed", "publish_failed", "open_failed").
	CaptureTicks metric.Int64Counter

	// ActiveSessions tracks sessions that currently have listeners.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks open listener channels across all sessions.
	ActiveListeners metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// soft-real-time fan-out: most publishes complete in well under 50 ms.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FanOutDuration, err = m.Float64Histogram("relay.fanout.duration",
		metric.WithDescription("Latency of one publish fan-out to all listeners of a session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesPublished, err = m.Int64Counter("relay.frames.published",
		metric.WithDescription("Total listener deliveries by event kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Total events dropped with no listeners to receive them."),
	); err != nil {
		return nil, err
	}
	if met.ListenerConnects, err = m.Int64Counter("relay.listener.connects",
		metric.WithDescription("Total accepted listener subscriptions by session."),
	); err != nil {
		return nil, err
	}
	if met.ListenerDisconnects, err = m.Int64Counter("relay.listener.disconnects",
		metric.WithDescription("Total listener removals, clean or after a failed push."),
	); err != nil {
		return nil, err
	}
	if met.CaptureTicks, err = m.Int64Counter("relay.capture.ticks",
		metric.WithDescription("Total capture cadence ticks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("relay.active_sessions",
		metric.WithDescription("Number of sessions that currently have listeners."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("relay.active_listeners",
		metric.WithDescription("Number of open listener channels across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("relay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// FramePublished records listeners-many deliveries of one fanned-out event.
func (m *Metrics) FramePublished(ctx context.Context, kind string, listeners int) {
	m.FramesPublished.Add(ctx, int64(listeners),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// FrameDropped records an event that reached no listener.
func (m *Metrics) FrameDropped(ctx context.Context, kind, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// PublishDuration records one fan-out latency sample.
func (m *Metrics) PublishDuration(ctx context.Context, d time.Duration) {
	m.FanOutDuration.Record(ctx, d.Seconds())
}

// ListenerConnected records an accepted subscription.
func (m *Metrics) ListenerConnected(ctx context.Context, sessionID string) {
	m.ListenerConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session", sessionID)),
	)
	m.ActiveListeners.Add(ctx, 1)
}

// ListenerDisconnected records a listener removal.
func (m *Metrics) ListenerDisconnected(ctx context.Context, sessionID string) {
	m.ListenerDisconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session", sessionID)),
	)
	m.ActiveListeners.Add(ctx, -1)
}

// SessionOpened records a session entry coming into existence.
func (m *Metrics) SessionOpened(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed records a session entry being dropped.
func (m *Metrics) SessionClosed(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// CaptureTick records one capture cadence tick with its outcome.
func (m *Metrics) CaptureTick(ctx context.Context, outcome string) {
	m.CaptureTicks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
