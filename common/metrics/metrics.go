package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoposter"

// Metrics holds the process collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	publishes       *prometheus.CounterVec
	scheduledPosts  *prometheus.CounterVec
	writeBudget     *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmDuration     prometheus.Histogram
	engineRuns      *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	schedulerTickAt prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish attempts by platform and outcome.",
		}, []string{"platform", "outcome", "kind"}),
		scheduledPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_post_transitions_total",
			Help:      "Scheduled post status transitions.",
		}, []string{"status"}),
		writeBudget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_budget_checks_total",
			Help:      "Write budget checks and reservations by result.",
		}, []string{"result"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM completions by outcome.",
		}, []string{"outcome"}),
		llmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM completion latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		engineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_runs_total",
			Help:      "Background engine runs per tenant by outcome.",
		}, []string{"engine", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the named circuit breaker is open.",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		schedulerTickAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed scheduler tick.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.publishes,
		m.scheduledPosts,
		m.writeBudget,
		m.llmRequests,
		m.llmDuration,
		m.engineRuns,
		m.circuitState,
		m.httpRequests,
		m.httpDuration,
		m.schedulerTickAt,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Publish(platform, outcome, kind string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(platform, outcome, kind).Inc()
}

func (m *Metrics) ScheduledPostTransition(status string) {
	if m == nil {
		return
	}
	m.scheduledPosts.WithLabelValues(status).Inc()
}

func (m *Metrics) WriteBudget(result string) {
	if m == nil {
		return
	}
	m.writeBudget.WithLabelValues(result).Inc()
}

func (m *Metrics) LLMRequest(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
	m.llmDuration.Observe(took.Seconds())
}

func (m *Metrics) EngineRun(engine, outcome string) {
	if m == nil {
		return
	}
	m.engineRuns.WithLabelValues(engine, outcome).Inc()
}

// CircuitStateChanged matches the httpx state change callback.
func (m *Metrics) CircuitStateChanged(name, state string) {
	if m == nil {
		return
	}
	open := 0.0
	if state == "open" {
		open = 1
	}
	m.circuitState.WithLabelValues(name).Set(open)
}

func (m *Metrics) SchedulerTick(at time.Time) {
	if m == nil {
		return
	}
	m.schedulerTickAt.Set(float64(at.Unix()))
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
