package tilepackage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	// overall requests: # requests, request duration, response size by archive/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// cache: # requests by hit/miss, cache entries, cache entry limit
	cacheEntries      prometheus.Gauge
	cacheLimitEntries prometheus.Gauge
	cacheRequests     *prometheus.CounterVec
	// misc
	reloads *prometheus.CounterVec
}

// utility to time an overall tile request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, archive, handler string, status, responseSize int, logDetails bool) {
	if r.metrics == nil || r.finished {
		return
	}
	r.finished = true
	// exclude archive path from "not found" metrics to limit cardinality on
	// requests for nonexistent archives
	statusString := statusLabel(status)
	if status == 404 {
		archive = ""
	} else if isCanceled(ctx) {
		statusString = "canceled"
	}

	labels := []string{archive, handler, statusString}
	r.metrics.requests.WithLabelValues(labels...).Inc()
	if logDetails {
		r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
		r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
	}
}

func statusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func (m *metrics) reloadArchive(name string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(name).Inc()
}

func (m *metrics) initCacheStats(limitEntries int) {
	if m == nil {
		return
	}
	m.cacheLimitEntries.Set(float64(limitEntries))
	m.updateCacheStats(0)
}

func (m *metrics) updateCacheStats(entries int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
}

func (m *metrics) cacheRequest(archive, kind, status string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(archive, kind, status).Inc()
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

func createMetrics(scope string, logger *log.Logger) *metrics {
	namespace := "tilepackage"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"archive", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"archive", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"archive", "handler", "status"})),

		cacheEntries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_entries",
			Help:      "Number of headers, bundle indexes and resources in the cache",
		})),
		cacheLimitEntries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_limit_entries",
			Help:      "Maximum cache entry count",
		})),
		cacheRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "cache_requests",
			Help:      "Requests to the shared cache by archive and status (hit/miss)",
		}, []string{"archive", "kind", "status"})),

		reloads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "archive_reloads",
			Help:      "Number of times an archive was reloaded due to the etag changing",
		}, []string{"archive"})),
	}
}
