// Package metrics defines the Prometheus metrics for the proxy. Labels are kept low-cardinality: route, cache outcome, and numeric
// status — never raw URLs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikipro_requests_total",
			Help: "Total proxy responses by route, cache outcome, and status",
		},
		[]string{"route", "cache", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wikipro_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "cache"},
	)
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikipro_upstream_requests_total",
			Help: "Total upstream fetch outcomes",
		},
		[]string{"outcome"},
	)
	cacheTTLWritten = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wikipro_cache_ttl_seconds",
			Help:    "TTL seconds written on cache upsert",
			Buckets: []float64{600, 1200, 2400, 4800, 9600, 19200, 38400, 86400},
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, upstreamRequestsTotal, cacheTTLWritten)
}

// normCache normalizes an empty cache label (passthrough routes never set
// one) to a bounded placeholder.
func normCache(cache string) string {
	if cache == "" {
		return "NONE"
	}
	return cache
}

// ObserveRequest records one completed proxy response.
func ObserveRequest(route, cacheState string, status int, dur time.Duration) {
	cacheState = normCache(cacheState)
	requestsTotal.WithLabelValues(route, cacheState, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route, cacheState).Observe(dur.Seconds())
}

// ObserveUpstream records one upstream fetch outcome, e.g. "ok", "error",
// "not_modified".
func ObserveUpstream(outcome string) {
	upstreamRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTTLWritten records the TTL written by a cache upsert.
func ObserveTTLWritten(ttlSeconds int) {
	cacheTTLWritten.Observe(float64(ttlSeconds))
}
