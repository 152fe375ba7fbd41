package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/arencloud/nservers/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/arencloud/nservers"

type ShutdownFunc func(ctx context.Context) error

var (
	meter         metric.Meter
	httpReqs      metric.Int64Counter
	httpDurMs     metric.Float64Histogram
	lookups       metric.Int64Counter
	lookupErrors  metric.Int64Counter
	healthChanges metric.Int64Counter
	probeRetries  metric.Int64Counter
	breakerEvents metric.Int64Counter
	policyHits    metric.Int64Counter
	policyMisses  metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
)

func InitProvider(t *config.Telemetry) (ShutdownFunc, error) {
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceNameOr(t, "nservers")),
			attribute.String("service.instance.id", hostnameOr("unknown")),
		),
	)

	// Traces
	var tp *sdktrace.TracerProvider
	{
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingOr(t, 0.1)))),
		}
		if t != nil && t.OTLPEndpoint != "" {
			exp, err := newTraceExporter(t)
			if err != nil {
				return func(ctx context.Context) error { return nil }, err
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		tp = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}

	// Metrics
	var mp *sdkmetric.MeterProvider
	if t != nil && t.OTLPEndpoint != "" {
		mexp, err := newMetricExporter(t)
		if err != nil {
			return tp.Shutdown, err
		}
		reader := sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(10*time.Second))
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
	} else {
		// no exporter: instruments record into a reader-less provider
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
		)
	}
	otel.SetMeterProvider(mp)

	initInstruments(mp)

	return func(ctx context.Context) error {
		_ = tp.Shutdown(ctx)
		return mp.Shutdown(ctx)
	}, nil
}

func initInstruments(mp metric.MeterProvider) {
	meter = mp.Meter(instrumentationName)
	httpReqs, _ = meter.Int64Counter("http_server_requests_total")
	httpDurMs, _ = meter.Float64Histogram("http_server_duration_ms")
	lookups, _ = meter.Int64Counter("nservers_lookups_total")
	lookupErrors, _ = meter.Int64Counter("nservers_lookup_errors_total")
	healthChanges, _ = meter.Int64Counter("nservers_health_transitions_total")
	probeRetries, _ = meter.Int64Counter("nservers_probe_retries_total")
	breakerEvents, _ = meter.Int64Counter("nservers_breaker_events_total")
	policyHits, _ = meter.Int64Counter("nservers_policy_hits_total")
	policyMisses, _ = meter.Int64Counter("nservers_policy_misses_total")
	cacheHits, _ = meter.Int64Counter("nservers_policy_cache_hits_total")
	cacheMisses, _ = meter.Int64Counter("nservers_policy_cache_misses_total")
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func newTraceExporter(t *config.Telemetry) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(t.OTLPEndpoint),
	}
	if t.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(t.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(t.Headers))
	}
	return otlptracehttp.New(context.Background(), opts...)
}

func newMetricExporter(t *config.Telemetry) (*otlpmetrichttp.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(t.OTLPEndpoint),
	}
	if t.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(t.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(t.Headers))
	}
	return otlpmetrichttp.New(context.Background(), opts...)
}

func samplingOr(t *config.Telemetry, def float64) float64 {
	if t == nil || t.Sampling <= 0 {
		return def
	}
	if t.Sampling > 1 {
		return 1
	}
	return t.Sampling
}

func serviceNameOr(t *config.Telemetry, def string) string {
	if t == nil || t.ServiceName == "" {
		return def
	}
	return t.ServiceName
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}

// RecordHTTPServer records server-side RED metrics.
func RecordHTTPServer(ctx context.Context, method, path string, status int, dur time.Duration) {
	if httpReqs != nil {
		httpReqs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status_class", statusClass(status)),
		))
	}
	if httpDurMs != nil {
		httpDurMs.Record(ctx, float64(dur.Microseconds())/1000, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("status_class", statusClass(status)),
		))
	}
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Lookup counts a resolved key. kind is "jump" or "locate".
func Lookup(ctx context.Context, kind string, n int) {
	if lookups != nil {
		lookups.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// LookupError counts a rejected or failed lookup.
func LookupError(ctx context.Context, kind, reason string) {
	if lookupErrors != nil {
		lookupErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		))
	}
}

// HealthTransition records a server going "up" or "down".
func HealthTransition(server, state string) {
	if healthChanges != nil {
		healthChanges.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("state", state),
		))
	}
}

// IncRetry increments probe retry count for a server.
func IncRetry(ctx context.Context, server string) {
	if probeRetries != nil {
		probeRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
	}
}

// BreakerEvent records breaker transitions: open, close, half_open.
func BreakerEvent(server, event string) {
	if breakerEvents != nil {
		breakerEvents.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("event", event),
		))
	}
}

// PolicyHit increments policy hit counter (a rule matched and enforced).
func PolicyHit(kind string) {
	if policyHits != nil {
		policyHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// PolicyMiss increments policy miss counter (no rule matched or DB unavailable).
func PolicyMiss(kind string) {
	if policyMisses != nil {
		policyMisses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func CacheHit(kind string) {
	if cacheHits != nil {
		cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func CacheMiss(kind string) {
	if cacheMisses != nil {
		cacheMisses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
