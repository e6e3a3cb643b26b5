// Package metrics exposes Prometheus collectors for the deka service.
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

// Source labels.
const (
	SourceMirror     = "mirror"
	SourceAutomation = "automation"
)

// Outcome labels.
const (
	OutcomeFound   = "found"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
)

var (
	queriesTotal               *prometheus.CounterVec
	mirrorPagesTotal           *prometheus.CounterVec
	automationDurationSeconds  *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deka_queries_total",
				Help: "Total number of queries answered, labeled by the source that answered and the outcome.",
			},
			[]string{"source", "outcome"},
		)

		mirrorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deka_mirror_pages_total",
				Help: "Mirror case pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		automationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deka_automation_duration_seconds",
				Help:    "Histogram of browser automation run durations, labeled by query mode.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"mode"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deka_queue_depth",
				Help: "Requests waiting in a dispatcher queue.",
			},
			[]string{"queue"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 60},
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

// ObserveQuery counts one answered query. A no-op until Init is called.
func ObserveQuery(source, outcome string) {
	if queriesTotal == nil {
		return
	}
	queriesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveMirrorPage counts one fetched mirror page.
func ObserveMirrorPage(pageURL string, status int) {
	if mirrorPagesTotal == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	mirrorPagesTotal.WithLabelValues(SanitizeSite(pageURL), label).Inc()
}

// ObserveAutomation records how long one automation run took.
func ObserveAutomation(mode string, duration time.Duration) {
	if automationDurationSeconds == nil {
		return
	}
	automationDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetQueueDepth reports the current length of a named queue.
func SetQueueDepth(queue string, depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
