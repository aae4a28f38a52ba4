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
	meterName = "github.com/wolfeidau/audionix"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	storeRequestDuration    metric.Float64Histogram
	storeRequestsTotal      metric.Int64Counter
	storeBytesTotal         metric.Int64Counter
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	// Metadata cache metrics
	cacheLookupsTotal   metric.Int64Counter
	cacheReloadsTotal   metric.Int64Counter
	cacheReloadDuration metric.Float64Histogram
	cacheSkippedTotal   metric.Int64Counter
	cacheRecords        metric.Int64Gauge

	migrationRecordsTotal metric.Int64Counter
	tokenRefreshesTotal   metric.Int64Counter

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
		cfg.ServiceName = "audionix"
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

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	// counter and histogram keep the repetitive error plumbing in one place;
	// the first failure sticks and later calls become no-ops.
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		return h
	}

	m.requestsTotal = counter("audionix_http_requests_total", "Total number of HTTP requests", "{request}")
	m.responseBytesTotal = counter("audionix_http_response_bytes_total", "Total bytes sent in HTTP responses", "By")
	m.requestDuration = histogram("audionix_http_request_duration_seconds", "HTTP request duration in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.requestsByEndpointTotal = counter("audionix_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}")

	m.storeRequestDuration = histogram("audionix_store_request_duration_seconds", "Duration of blob store operations",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.storeRequestsTotal = counter("audionix_store_requests_total", "Total number of blob store operations", "{request}")
	m.storeBytesTotal = counter("audionix_store_bytes_total", "Total bytes transferred in blob store operations", "By")

	m.upstreamFetchDuration = histogram("audionix_upstream_fetch_duration_seconds", "Duration of requests to upstream collaborators",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60)
	m.upstreamFetchTotal = counter("audionix_upstream_fetch_total", "Total number of requests to upstream collaborators", "{request}")
	m.upstreamFetchBytesTotal = counter("audionix_upstream_fetch_bytes_total", "Total bytes received from upstream collaborators", "By")

	m.cacheLookupsTotal = counter("audionix_cache_lookups_total", "Metadata cache point lookups", "{lookup}")
	m.cacheReloadsTotal = counter("audionix_cache_reloads_total", "Full metadata cache reloads", "{reload}")
	m.cacheReloadDuration = histogram("audionix_cache_reload_duration_seconds", "Duration of full metadata cache reloads",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120)
	m.cacheSkippedTotal = counter("audionix_cache_skipped_total", "Metadata objects skipped during reloads", "{object}")
	m.migrationRecordsTotal = counter("audionix_migration_records_total", "Records examined by the cover migration", "{record}")
	m.tokenRefreshesTotal = counter("audionix_token_refreshes_total", "Access token refresh attempts", "{refresh}")

	if err != nil {
		return nil, err
	}

	m.cacheRecords, err = meter.Int64Gauge("audionix_cache_records",
		metric.WithDescription("Records held by the metadata cache"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
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
// Endpoint and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordStoreOp records blob store operation metrics.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records a request to an upstream collaborator.
func RecordUpstreamFetch(ctx context.Context, upstream string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records a metadata cache point lookup.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordCacheReload records one full cache reload.
// reason is "startup", "miss", "manual" or "scan".
func RecordCacheReload(ctx context.Context, reason, outcome string, loaded, skipped int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("outcome", outcome),
	)
	globalMetrics.cacheReloadsTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheReloadDuration.Record(ctx, duration.Seconds(), attrs)
	if skipped > 0 {
		globalMetrics.cacheSkippedTotal.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("reason", reason)))
	}
	// A delete fallback scan does not replace the cache contents.
	if outcome == "success" && reason != "scan" {
		globalMetrics.cacheRecords.Record(ctx, int64(loaded))
	}
}

// UpdateCacheSize records the current number of cached records.
func UpdateCacheSize(ctx context.Context, records int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRecords.Record(ctx, int64(records))
}

// RecordMigration records the outcome of migrating one record.
// outcome is "migrated", "unchanged" or "failed".
func RecordMigration(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.migrationRecordsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTokenRefresh records one access token refresh attempt.
func RecordTokenRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tokenRefreshesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
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
		return "unknown"
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
