// Package observe provides the observability primitives of the transcription
// service: OpenTelemetry metrics and traces, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter set up by [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/pocwisper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// StepDuration tracks how long each processing step takes. Use with
	// attributes step ("transcribe", "refine", "render") and status.
	StepDuration metric.Float64Histogram

	// RunDuration tracks a whole processing run from trigger to final status.
	RunDuration metric.Float64Histogram

	// Runs counts processing runs by final outcome ("completed", "failed",
	// "conflict", "not_found").
	Runs metric.Int64Counter

	// ActiveRuns is the number of runs currently in progress.
	ActiveRuns metric.Int64UpDownCounter

	// RefineFallbacks counts runs where the refiner produced nothing and the
	// raw transcript was kept.
	RefineFallbacks metric.Int64Counter

	// ProviderRequests counts backend calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// CircuitTransitions counts breaker state changes by breaker name and
	// target state.
	CircuitTransitions metric.Int64Counter

	// JobsCreated counts accepted uploads.
	JobsCreated metric.Int64Counter

	// UploadBytes tracks the size of accepted uploads.
	UploadBytes metric.Int64Histogram

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// stepBuckets covers everything from a quick render to a long local
// transcription, in seconds.
var stepBuckets = []float64{
	0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates all instruments on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StepDuration, err = m.Float64Histogram("pocwisper.step.duration",
		metric.WithDescription("Latency of a single processing step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("pocwisper.run.duration",
		metric.WithDescription("Latency of a full processing run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("pocwisper.runs",
		metric.WithDescription("Processing runs by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("pocwisper.active_runs",
		metric.WithDescription("Processing runs currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.RefineFallbacks, err = m.Int64Counter("pocwisper.refine.fallbacks",
		metric.WithDescription("Runs that kept the raw transcript because refinement returned nothing."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pocwisper.provider.requests",
		metric.WithDescription("Backend requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("pocwisper.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.JobsCreated, err = m.Int64Counter("pocwisper.jobs.created",
		metric.WithDescription("Accepted recording uploads."),
	); err != nil {
		return nil, err
	}
	if met.UploadBytes, err = m.Int64Histogram("pocwisper.upload.size",
		metric.WithDescription("Size of accepted recording uploads."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pocwisper.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call it only after [InitProvider].
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStep records the duration of one processing step.
func (m *Metrics) RecordStep(ctx context.Context, step, status string, seconds float64) {
	m.StepDuration.Record(ctx, seconds, metric.WithAttributes(Attr("step", step), Attr("status", status)))
}

// RecordRun records the outcome of a processing run. A zero duration is not
// recorded in the histogram.
func (m *Metrics) RecordRun(ctx context.Context, outcome string, seconds float64) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	if seconds > 0 {
		m.RunDuration.Record(ctx, seconds, metric.WithAttributes(Attr("outcome", outcome)))
	}
}

// RecordProviderRequest records one backend call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			Attr("provider", provider),
			Attr("kind", kind),
			Attr("status", status),
		),
	)
}

// RecordCircuitTransition records a breaker moving into state to.
func (m *Metrics) RecordCircuitTransition(name, to string) {
	m.CircuitTransitions.Add(context.Background(), 1,
		metric.WithAttributes(Attr("breaker", name), Attr("state", to)),
	)
}

// RecordUpload records an accepted upload of size bytes.
func (m *Metrics) RecordUpload(ctx context.Context, size int64) {
	m.JobsCreated.Add(ctx, 1)
	m.UploadBytes.Record(ctx, size)
}
