// Package metrics exposes Prometheus collectors for the fetch layer, the
// politeness policies, and the admin API.
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

// Policy event labels recorded by ObservePolicyEvent.
const (
	EventRateLimited     = "rate_limited"
	EventBlocked         = "blocked"
	EventBlockedPrecheck = "blocked_precheck"
	EventRobotsDenied    = "robots_denied"
	EventRobotsFallback  = "robots_fallback"
	EventContentBlock    = "content_block"
	EventDailyLimit      = "daily_limit"
)

var (
	fetchRequestsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	policyEventsTotal          *prometheus.CounterVec
	waitSeconds                *prometheus.HistogramVec
	retriesTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_fetch_requests_total",
				Help: "Outbound fetches, labeled by site, mode and status code.",
			},
			[]string{"site", "mode", "code"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_fetch_bytes_total",
				Help: "Bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by mode.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"mode"},
		)

		policyEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_policy_events_total",
				Help: "Politeness policy decisions, labeled by site and event.",
			},
			[]string{"site", "event"},
		)

		waitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_wait_seconds",
				Help:    "Time spent waiting before requests, labeled by reason.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"reason"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_retries_total",
				Help: "Retried operations, labeled by reason.",
			},
			[]string{"reason"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one completed exchange.
func ObserveFetch(rawURL, mode string, code int, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchRequestsTotal.WithLabelValues(site, mode, strconv.Itoa(code)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObservePolicyEvent counts a politeness decision for the URL's site.
func ObservePolicyEvent(rawURL, event string) {
	Init()
	policyEventsTotal.WithLabelValues(SanitizeSite(rawURL), event).Inc()
}

// ObserveWait records time spent waiting for reason (rate_limit, pacing, backoff, batch_delay).
func ObserveWait(reason string, d time.Duration) {
	Init()
	if d > 0 {
		waitSeconds.WithLabelValues(reason).Observe(d.Seconds())
	}
}

// ObserveRetry counts a retried operation.
func ObserveRetry(reason string) {
	Init()
	retriesTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the admin API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
