package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func sumCounter(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is not an int64 sum", met.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); key == "" || (ok && v.AsString() == value) {
			total += dp.Value
		}
	}
	return total
}

func TestRecordStep(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStep(ctx, "transcribe", "ok", 12.5)
	m.RecordStep(ctx, "refine", "ok", 40)
	m.RecordStep(ctx, "refine", "error", 300)

	met := findMetric(collect(t, reader), "pocwisper.step.duration")
	if met == nil {
		t.Fatal("step histogram not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var refine uint64
	for _, dp := range hist.DataPoints {
		if v, _ := dp.Attributes.Value("step"); v.AsString() == "refine" {
			refine += dp.Count
		}
	}
	if refine != 2 {
		t.Errorf("refine samples = %d, want 2", refine)
	}
}

func TestRecordRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, "completed", 10)
	m.RecordRun(ctx, "completed", 20)
	m.RecordRun(ctx, "conflict", 0)

	rm := collect(t, reader)
	runs := findMetric(rm, "pocwisper.runs")
	if runs == nil {
		t.Fatal("runs counter not found")
	}
	if got := sumCounter(t, runs, "outcome", "completed"); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if got := sumCounter(t, runs, "outcome", "conflict"); got != 1 {
		t.Errorf("conflict = %d, want 1", got)
	}

	hist := findMetric(rm, "pocwisper.run.duration").Data.(metricdata.Histogram[float64])
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	if n != 2 {
		t.Errorf("run duration samples = %d, want 2 (zero durations skipped)", n)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "ollama", "llm", "ok")
	m.RecordProviderRequest(ctx, "ollama", "llm", "error")
	m.RecordCircuitTransition("ollama", "open")
	m.RecordUpload(ctx, 2048)
	m.RefineFallbacks.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, 1)

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"pocwisper.provider.requests", "status", "error", 1},
		{"pocwisper.circuit.transitions", "state", "open", 1},
		{"pocwisper.jobs.created", "", "", 1},
		{"pocwisper.refine.fallbacks", "", "", 1},
		{"pocwisper.active_runs", "", "", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %s not found", tc.name)
			}
			if got := sumCounter(t, met, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
