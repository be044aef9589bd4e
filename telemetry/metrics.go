package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/content-search"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	searchesTotal  metric.Int64Counter
	searchDuration metric.Float64Histogram

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	upstreamCallsTotal   metric.Int64Counter
	upstreamCallDuration metric.Float64Histogram

	breakerTransitionsTotal metric.Int64Counter
	breakerShortedTotal     metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter

	sessionSweepDeletedTotal metric.Int64Counter
	sessionSweepDuration     metric.Float64Histogram
	sessionsActive           metric.Int64Gauge

	storeRequestsTotal   metric.Int64Counter
	storeRequestDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "content-search"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"content_search_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"content_search_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"content_search_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	searchesTotal, err := meter.Int64Counter(
		"content_search_searches_total",
		metric.WithDescription("Total pipeline searches by provider, kind and outcome"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		return err
	}

	searchDuration, err := meter.Float64Histogram(
		"content_search_search_duration_seconds",
		metric.WithDescription("End-to-end pipeline search duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"content_search_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream HTTP fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"content_search_upstream_fetch_total",
		metric.WithDescription("Total number of upstream HTTP fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"content_search_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream providers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	upstreamCallsTotal, err := meter.Int64Counter(
		"content_search_upstream_calls_total",
		metric.WithDescription("Total guarded upstream calls by provider and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	upstreamCallDuration, err := meter.Float64Histogram(
		"content_search_upstream_call_duration_seconds",
		metric.WithDescription("Duration of guarded upstream calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	breakerTransitionsTotal, err := meter.Int64Counter(
		"content_search_breaker_transitions_total",
		metric.WithDescription("Total circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	breakerShortedTotal, err := meter.Int64Counter(
		"content_search_breaker_shorted_total",
		metric.WithDescription("Total calls rejected without an attempt because the circuit was open"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"content_search_cache_lookups_total",
		metric.WithDescription("Total result cache lookups by provider and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	sessionSweepDeletedTotal, err := meter.Int64Counter(
		"content_search_session_sweep_deleted_total",
		metric.WithDescription("Total expired sessions removed by the sweeper"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	sessionSweepDuration, err := meter.Float64Histogram(
		"content_search_session_sweep_duration_seconds",
		metric.WithDescription("Duration of session sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	sessionsActive, err := meter.Int64Gauge(
		"content_search_sessions_active",
		metric.WithDescription("Current number of live browse sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"content_search_store_requests_total",
		metric.WithDescription("Total persistence store operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeRequestDuration, err := meter.Float64Histogram(
		"content_search_store_request_duration_seconds",
		metric.WithDescription("Duration of persistence store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:            requestsTotal,
		responseBytesTotal:       responseBytesTotal,
		requestDuration:          requestDuration,
		searchesTotal:            searchesTotal,
		searchDuration:           searchDuration,
		upstreamFetchDuration:    upstreamFetchDuration,
		upstreamFetchTotal:       upstreamFetchTotal,
		upstreamFetchBytesTotal:  upstreamFetchBytesTotal,
		upstreamCallsTotal:       upstreamCallsTotal,
		upstreamCallDuration:     upstreamCallDuration,
		breakerTransitionsTotal:  breakerTransitionsTotal,
		breakerShortedTotal:      breakerShortedTotal,
		cacheLookupsTotal:        cacheLookupsTotal,
		sessionSweepDeletedTotal: sessionSweepDeletedTotal,
		sessionSweepDuration:     sessionSweepDuration,
		sessionsActive:           sessionsActive,
		storeRequestsTotal:       storeRequestsTotal,
		storeRequestDuration:     storeRequestDuration,
		meterProvider:            mp,
		promHandler:              promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Provider and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	provider := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Provider != "" {
			provider = tags.Provider
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSearch records one pipeline search.
// kind is "search", "random", "trending" or "byid"; outcome is "ok",
// "empty", "degraded" or "error".
func RecordSearch(ctx context.Context, provider, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.searchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records a raw upstream HTTP fetch. Called by the
// instrumented transport wrapped around each provider's HTTP client.
func RecordUpstreamFetch(ctx context.Context, provider string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamCall records a guarded upstream call at the breaker level.
// outcome is "success", "failure", "timeout" or "rejected".
func RecordUpstreamCall(ctx context.Context, provider, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.upstreamCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a circuit state transition.
func RecordBreakerTransition(ctx context.Context, provider, from, to string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	}
	globalMetrics.breakerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBreakerShort records a call rejected without an attempt because
// the provider's circuit was open.
func RecordBreakerShort(ctx context.Context, provider string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("provider", provider)}
	globalMetrics.breakerShortedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a result cache lookup.
func RecordCacheLookup(ctx context.Context, provider string, hit bool) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("result", result),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSessionSweep records one session sweep cycle.
func RecordSessionSweep(ctx context.Context, deleted, remaining int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.sessionSweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sessionSweepDuration.Record(ctx, duration.Seconds())
	globalMetrics.sessionsActive.Record(ctx, int64(remaining))
}

// RecordStoreOp records a persistence store operation.
func RecordStoreOp(ctx context.Context, namespace, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the class of an HTTP status code ("2xx", "4xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "1xx"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
