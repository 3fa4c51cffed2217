// Package metrics exposes Prometheus collectors for the frontier crawler.
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
	frontierClaimsTotal         *prometheus.CounterVec
	crawlerPagesTotal           *prometheus.CounterVec
	crawlerBytesTotal           *prometheus.CounterVec
	crawlerDeferralsTotal       *prometheus.CounterVec
	crawlerLinksRegisteredTotal prometheus.Counter
	crawlerFetchDurationSeconds prometheus.Histogram
	crawlerActiveWorkers        prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Claim results.
const (
	ClaimClaimed   = "claimed"
	ClaimExhausted = "exhausted"
	ClaimError     = "error"
)

// Deferral reasons.
const (
	DeferRobots    = "robots"
	DeferRateLimit = "rate_limit"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frontierClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_claims_total",
				Help: "Total number of claim attempts, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerDeferralsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_politeness_deferrals_total",
				Help: "Claims released by the politeness gate, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerLinksRegisteredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_links_registered_total",
				Help: "Total number of discovered links inserted into the frontier.",
			},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of successful fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of worker loops currently running.",
			},
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

// ObserveClaim counts one claim attempt.
func ObserveClaim(result string) {
	Init()
	frontierClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveCrawl counts a finished fetch. status is an HTTP code or "error".
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchDuration records a successful fetch latency.
func ObserveFetchDuration(d time.Duration) {
	Init()
	crawlerFetchDurationSeconds.Observe(d.Seconds())
}

// ObserveDeferral counts a claim released by the politeness gate.
func ObserveDeferral(reason string) {
	Init()
	crawlerDeferralsTotal.WithLabelValues(reason).Inc()
}

// AddLinksRegistered counts links inserted into the frontier.
func AddLinksRegistered(n int) {
	Init()
	if n > 0 {
		crawlerLinksRegisteredTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}
