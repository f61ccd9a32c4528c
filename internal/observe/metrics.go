// Package observe provides the observability primitives of the milla daemon:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware for
// the metrics and health endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics by the Prometheus exporter installed in [InitProvider]. Tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/milla/pkg/session"
)

// meterName is the instrumentation scope name used for all milla metrics.
const meterName = "github.com/MrWong99/milla"

var _ session.Metrics = (*Metrics)(nil)

// Metrics holds the OpenTelemetry instruments of one process. It implements
// [session.Metrics] so a controller can record into it directly.
type Metrics struct {
	// ActiveSessions is +1 on entering "open" and -1 on leaving it.
	ActiveSessions metric.Int64UpDownCounter

	// StateTransitions counts lifecycle transitions. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// HandshakeDuration is the time from dial to open. Attribute: status.
	HandshakeDuration metric.Float64Histogram

	// Chunks counts encoded chunks. Attributes: direction, kind.
	Chunks metric.Int64Counter

	// OutboundDrops counts chunks evicted from the outbound queue. Attribute: kind.
	OutboundDrops metric.Int64Counter

	// DecodeErrors counts inbound chunks that could not be decoded.
	DecodeErrors metric.Int64Counter

	// PlaybackLag is the distance between the playback cursor and the clock
	// after each enqueue.
	PlaybackLag metric.Float64Histogram

	// HTTPRequestDuration tracks request time on the metrics/health server.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("milla.active_sessions",
		metric.WithDescription("Number of sessions in the open state."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("milla.session.transitions",
		metric.WithDescription("Session lifecycle transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("milla.handshake.duration",
		metric.WithDescription("Latency of the transport handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("milla.chunks",
		metric.WithDescription("Encoded chunks by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDrops, err = m.Int64Counter("milla.outbound.drops",
		metric.WithDescription("Outbound chunks dropped because the send queue was full."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("milla.decode.errors",
		metric.WithDescription("Inbound chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLag, err = m.Float64Histogram("milla.playback.lag",
		metric.WithDescription("Scheduled audio ahead of the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("milla.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, created on
// first call from [otel.GetMeterProvider]. Call it after [InitProvider].
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// ── session.Metrics ──────────────────────────────────────────────────────────

// RecordStateChange counts the transition and keeps ActiveSessions in step
// with the open state.
func (m *Metrics) RecordStateChange(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("from", from), Attr("to", to)),
	)
	open := session.StateOpen.String()
	switch {
	case to == open && from != open:
		m.ActiveSessions.Add(ctx, 1)
	case from == open && to != open:
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordHandshake records the dial latency with status "ok" or "error".
func (m *Metrics) RecordHandshake(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.HandshakeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("status", status)),
	)
}

// RecordChunk counts one chunk.
func (m *Metrics) RecordChunk(ctx context.Context, direction, kind string) {
	m.Chunks.Add(ctx, 1,
		metric.WithAttributes(Attr("direction", direction), Attr("kind", kind)),
	)
}

// RecordDrop counts one outbound drop.
func (m *Metrics) RecordDrop(ctx context.Context, kind string) {
	m.OutboundDrops.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordDecodeError counts one undecodable inbound chunk.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// RecordPlaybackLag records the scheduler's lead over the output clock.
func (m *Metrics) RecordPlaybackLag(ctx context.Context, lag time.Duration) {
	m.PlaybackLag.Record(ctx, lag.Seconds())
}
