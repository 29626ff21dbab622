// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterPagesTotal             *prometheus.CounterVec
	harvesterItemsTotal             *prometheus.CounterVec
	harvesterQueueDepth             *prometheus.GaugeVec
	harvesterStatusTransitionsTotal *prometheus.CounterVec
	harvesterSupervisedProcesses    prometheus.Gauge
	harvesterFetchTotal             *prometheus.CounterVec
	harvesterFetchBytesTotal        *prometheus.CounterVec
	harvesterStatsRecomputeSeconds  *prometheus.HistogramVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec
	harvesterRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_list_pages_total",
				Help: "Total number of list pages requested, labeled by identity, section and outcome.",
			},
			[]string{"identity", "section", "outcome"},
		)

		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_detail_items_total",
				Help: "Total number of detail items processed, labeled by identity and outcome.",
			},
			[]string{"identity", "outcome"},
		)

		harvesterQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Pending detail links per identity.",
			},
			[]string{"identity"},
		)

		harvesterStatusTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_status_transitions_total",
				Help: "Status writes, labeled by identity and status.",
			},
			[]string{"identity", "status"},
		)

		harvesterSupervisedProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_supervised_processes",
				Help: "Number of engine processes currently supervised.",
			},
		)

		harvesterFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_total",
				Help: "Outbound fetches, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		harvesterFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		harvesterStatsRecomputeSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_stats_recompute_seconds",
				Help:    "Duration of corpus stats recomputation.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"identity"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		harvesterRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status code as "2xx".."5xx", or "error" when
// no response was received.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one list page request.
func ObservePage(identity, section, outcome string) {
	Init()
	harvesterPagesTotal.WithLabelValues(identity, section, outcome).Inc()
}

// ObserveItem counts one processed detail item.
func ObserveItem(identity, outcome string) {
	Init()
	harvesterItemsTotal.WithLabelValues(identity, outcome).Inc()
}

// SetQueueDepth records the pending queue size.
func SetQueueDepth(identity string, depth int64) {
	Init()
	harvesterQueueDepth.WithLabelValues(identity).Set(float64(depth))
}

// ObserveStatus counts a status write.
func ObserveStatus(identity, status string) {
	Init()
	harvesterStatusTransitionsTotal.WithLabelValues(identity, status).Inc()
}

// IncSupervised increments the supervised process gauge.
func IncSupervised() {
	Init()
	harvesterSupervisedProcesses.Inc()
}

// DecSupervised decrements the supervised process gauge.
func DecSupervised() {
	Init()
	harvesterSupervisedProcesses.Dec()
}

// ObserveFetch counts an outbound fetch. code is zero when the request failed
// before a response.
func ObserveFetch(rawURL string, code int, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	harvesterFetchTotal.WithLabelValues(site, StatusClass(code)).Inc()
	if bytesFetched > 0 {
		harvesterFetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveStatsRecompute records how long a stats scan took.
func ObserveStatsRecompute(identity string, duration time.Duration) {
	Init()
	harvesterStatsRecomputeSeconds.WithLabelValues(identity).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	harvesterRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
