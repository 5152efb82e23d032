// Package metrics exposes the relay's Prometheus metrics.
//
// Each Collector owns its own registry instead of the global default one,
// so tests (and multiple servers in one process) never collide on
// registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamrelay"

// Outcome labels for relay requests.
const (
	StatusOK        = "ok"
	StatusExhausted = "exhausted"
	StatusCanceled  = "canceled"
)

// Collector records relay and pass-through activity. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    prometheus.Histogram
	tokens      *prometheus.CounterVec
	passThrough *prometheus.CounterVec
}

// NewCollector creates a Collector registered on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Upstream streaming attempts, by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relayed chat-completion requests, by response mode and final status.",
		}, []string{"mode", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from first attempt to final result, retries included.",
			// LLM calls plus retry delays: seconds to several minutes.
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_tokens_total",
			Help:      "Tokens reported by the upstream usage block, by kind.",
		}, []string{"kind"}),
		passThrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passthrough_requests_total",
			Help:      "Forwarded non-chat requests, by upstream status class.",
		}, []string{"status_class"}),
	}

	reg.MustRegister(c.attempts, c.requests, c.duration, c.tokens, c.passThrough)
	return c
}

// Attempt records one upstream streaming attempt.
func (c *Collector) Attempt(success bool) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.attempts.WithLabelValues(outcome).Inc()
}

// Request records a finished relay request.
func (c *Collector) Request(stream bool, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	mode := "json"
	if stream {
		mode = "stream"
	}
	c.requests.WithLabelValues(mode, status).Inc()
	c.duration.Observe(elapsed.Seconds())
}

// Tokens adds usage counts from a collected result. The counts come from
// upstream JSON, and a counter panics on a negative Add, so negatives
// count as zero.
func (c *Collector) Tokens(prompt, completion int) {
	if c == nil {
		return
	}
	c.tokens.WithLabelValues("prompt").Add(float64(max(prompt, 0)))
	c.tokens.WithLabelValues("completion").Add(float64(max(completion, 0)))
}

// PassThrough records a forwarded request. status 0 means the forward
// itself failed.
func (c *Collector) PassThrough(status int) {
	if c == nil {
		return
	}
	c.passThrough.WithLabelValues(statusClass(status)).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
