// Package metrics exposes prometheus collectors for sync runs, logins,
// vendor API calls and MQTT publishing, plus an HTTP server for /metrics and
// /healthz.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wnsm_sync"

// Metrics groups the collectors. All methods are safe on a nil *Metrics so
// callers can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	loginAttempts *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	published     *prometheus.CounterVec
	points        prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by result (ok, login, query, connection, other).",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete sync run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts against log.wien by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Outbound HTTP requests by host and status code.",
		}, []string{"host", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Latency of outbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "MQTT messages by result.",
		}, []string{"result"}),
		points: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_points",
			Help:      "Statistic points produced by the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.runDuration,
		m.loginAttempts,
		m.requests,
		m.latency,
		m.published,
		m.points,
		m.lastSuccess,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records a finished run. result is "ok" or an error kind.
func (m *Metrics) ObserveRun(result string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
	if result == "ok" {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

func (m *Metrics) ObserveLogin(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePoints(n int) {
	if m == nil {
		return
	}
	m.points.Set(float64(n))
}

func (m *Metrics) ObservePublished(delivered, failed int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues("ok").Add(float64(delivered))
	m.published.WithLabelValues("failed").Add(float64(failed))
}

// Transport wraps next so every outbound request is counted and timed.
func (m *Metrics) Transport(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	return NewTransport(m.requests, m.latency, next)
}

// NewTransport returns a RoundTripper that records requests by host and
// status code. Transport failures are counted with code "error".
func NewTransport(
	requests *prometheus.CounterVec,
	latency *prometheus.HistogramVec,
	next http.RoundTripper,
) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(req)

		host := req.URL.Hostname()
		code := "error"
		if err == nil {
			code = strconv.Itoa(resp.StatusCode)
		}
		requests.WithLabelValues(host, code).Inc()
		latency.WithLabelValues(host).Observe(time.Since(start).Seconds())

		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
