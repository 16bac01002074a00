package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/flipflag/flipflag/internal/api/middleware"

// Metrics holds the OpenTelemetry metrics instruments.
type Metrics struct {
	requestDuration  metric.Float64Histogram
	requestTotal     metric.Int64Counter
	requestsInFlight metric.Int64UpDownCounter
	responseSize     metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with initialized instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP server requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"http.server.request.total",
		metric.WithDescription("Total number of HTTP server requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestsInFlight, err := meter.Int64UpDownCounter(
		"http.server.requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	responseSize, err := meter.Int64Histogram(
		"http.server.response.size",
		metric.WithDescription("Size of HTTP server responses in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		requestsInFlight: requestsInFlight,
		responseSize:     responseSize,
	}, nil
}

// Middleware returns an HTTP middleware that records metrics for each request.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Track request in flight
			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
			}
			m.requestsInFlight.Add(r.Context(), 1, metric.WithAttributes(attrs...))
			defer m.requestsInFlight.Add(r.Context(), -1, metric.WithAttributes(attrs...))

			// Wrap response writer
			wrapped := newMetricsResponseWriter(w)

			// Process request
			next.ServeHTTP(wrapped, r)

			// Calculate duration
			duration := time.Since(start).Seconds()

			// Build attributes with status code
			attrs = append(attrs, attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)))

			// Add error attribute for 4xx/5xx responses
			if wrapped.statusCode >= 400 {
				attrs = append(attrs, attribute.Bool("error", true))
			}

			// Record metrics
			m.requestDuration.Record(r.Context(), duration, metric.WithAttributes(attrs...))
			m.requestTotal.Add(r.Context(), 1, metric.WithAttributes(attrs...))
			m.responseSize.Record(r.Context(), wrapped.written, metric.WithAttributes(attrs...))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture response metadata.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// GuardMetrics holds metrics for offline-guard activity. The counters are fed
// from the guard's observer hooks, so they see every restoration and persist
// regardless of which surface triggered the evaluation.
type GuardMetrics struct {
	restoreTotal metric.Int64Counter
	persistTotal metric.Int64Counter
	errorTotal   metric.Int64Counter
}

// NewGuardMetrics creates metrics for monitoring offline-guard activity.
func NewGuardMetrics() (*GuardMetrics, error) {
	meter := otel.Meter(meterName)

	restoreTotal, err := meter.Int64Counter(
		"flipflag.guard.restore.total",
		metric.WithDescription("Number of flag values served from the offline store"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		return nil, err
	}

	persistTotal, err := meter.Int64Counter(
		"flipflag.guard.persist.total",
		metric.WithDescription("Number of flag values persisted to the offline store"),
		metric.WithUnit("{persist}"),
	)
	if err != nil {
		return nil, err
	}

	errorTotal, err := meter.Int64Counter(
		"flipflag.guard.error.total",
		metric.WithDescription("Number of offline store failures observed by the guard"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &GuardMetrics{
		restoreTotal: restoreTotal,
		persistTotal: persistTotal,
		errorTotal:   errorTotal,
	}, nil
}

// RecordRestore records a flag value served from the offline store.
func (m *GuardMetrics) RecordRestore(flag string) {
	attrs := []attribute.KeyValue{attribute.String("flag.key", flag)}
	// Use background context for metrics to avoid context cancellation issues
	m.restoreTotal.Add(context.TODO(), 1, metric.WithAttributes(attrs...))
}

// RecordPersist records a flag value written to the offline store.
func (m *GuardMetrics) RecordPersist(flag string) {
	attrs := []attribute.KeyValue{attribute.String("flag.key", flag)}
	m.persistTotal.Add(context.TODO(), 1, metric.WithAttributes(attrs...))
}

// RecordError records an offline store failure.
func (m *GuardMetrics) RecordError() {
	m.errorTotal.Add(context.TODO(), 1)
}
