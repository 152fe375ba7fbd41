package telemetry

import (
	"context"
	"testing"

	"github.com/arencloud/nservers/internal/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, r *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestLookupCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	initInstruments(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	Lookup(context.Background(), "jump", 3)
	Lookup(context.Background(), "locate", 1)
	LookupError(context.Background(), "jump", "bad_buckets")
	HealthTransition("cache-0", "down")

	if got := collectSum(t, reader, "nservers_lookups_total"); got != 4 {
		t.Fatalf("want 4 lookups, got %d", got)
	}
	if got := collectSum(t, reader, "nservers_lookup_errors_total"); got != 1 {
		t.Fatalf("want 1 lookup error, got %d", got)
	}
	if got := collectSum(t, reader, "nservers_health_transitions_total"); got != 1 {
		t.Fatalf("want 1 health transition, got %d", got)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{101: "1xx", 200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Fatalf("statusClass(%d): want %s, got %s", code, want, got)
		}
	}
}

func TestSamplingOr(t *testing.T) {
	if got := samplingOr(nil, 0.1); got != 0.1 {
		t.Fatalf("want default, got %v", got)
	}
	if got := samplingOr(&config.Telemetry{Sampling: 3}, 0.1); got != 1 {
		t.Fatalf("want clamp to 1, got %v", got)
	}
	if got := samplingOr(&config.Telemetry{Sampling: 0.5}, 0.1); got != 0.5 {
		t.Fatalf("want 0.5, got %v", got)
	}
}

func TestInitProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := InitProvider(&config.Telemetry{ServiceName: "test"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
