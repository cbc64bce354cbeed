// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, tracing helpers, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/santacaterina/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// CallDuration tracks wall-clock call length from media-socket accept to
	// session close.
	CallDuration metric.Float64Histogram

	// ToolExecutionDuration tracks booking-tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AudioFramesIn counts carrier media frames forwarded to the AI.
	AudioFramesIn metric.Int64Counter

	// AudioFramesOut counts AI audio deltas forwarded to the carrier.
	AudioFramesOut metric.Int64Counter

	// SessionFailures counts sessions that terminated abnormally. Use with
	// attribute.String("reason", ...).
	SessionFailures metric.Int64Counter

	// ActiveCalls tracks the number of live bridge sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Call
// durations dominate the upper range; tool dispatch the lower.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Duration of a bridged call session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voicebridge.tool.duration",
		metric.WithDescription("Latency of booking tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("voicebridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesIn, err = m.Int64Counter("voicebridge.audio.frames.in",
		metric.WithDescription("Carrier media frames forwarded to the AI."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesOut, err = m.Int64Counter("voicebridge.audio.frames.out",
		metric.WithDescription("AI audio deltas forwarded to the carrier."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("voicebridge.session.failures",
		metric.WithDescription("Sessions that terminated abnormally, by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.calls.active",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
