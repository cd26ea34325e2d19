// Package metrics exposes rule evaluation, audit run and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/rules"
)

// Collector owns the registry and every metric the service records.
// It implements rules.Observer.
type Collector struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	runs               *prometheus.CounterVec
	runDuration        prometheus.Histogram
	flagsGenerated     *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewCollector registers all metrics under namespace on a fresh registry
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "claimrules"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by tenant, logic kind and outcome",
		}, []string{"tenant_id", "logic_kind", "outcome"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Duration of a single rule evaluation",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		}, []string{"logic_kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Completed audit runs by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_run_duration_seconds",
			Help:      "Wall time of audit runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}),
		flagsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flags_generated_total",
			Help:      "Flagged claims persisted by audit runs",
		}, []string{"tenant_id"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		c.evaluations, c.evaluationDuration,
		c.runs, c.runDuration, c.flagsGenerated,
		c.httpRequests, c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.registerLoggerCounters(namespace)
	return c
}

func (c *Collector) registerLoggerCounters(namespace string) {
	counters := map[string]struct {
		help  string
		value func() int64
	}{
		"log_errors_total":         {"Error log events, before sampling", logger.TotalErrors.Load},
		"log_warnings_total":       {"Warning log events, before sampling", logger.TotalWarnings.Load},
		"http_5xx_responses_total": {"Responses with a 5xx status", logger.Total5xxErrors.Load},
		"http_4xx_responses_total": {"Responses with a 4xx status", logger.Total4xxErrors.Load},
		"evaluation_faults_total":  {"Evaluations that failed closed", logger.EvaluationFaults.Load},
		"lookup_failures_total":    {"Claim lookups that failed", logger.LookupFailures.Load},
		"slow_evaluations_total":   {"Evaluations slower than the configured threshold", logger.SlowEvaluations.Load},
		"failed_runs_total":        {"Audit runs that ended failed", logger.FailedRuns.Load},
	}
	for name, ctr := range counters {
		load := ctr.value
		c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      ctr.help,
		}, func() float64 { return float64(load()) }))
	}
}

// ObserveEvaluation records one evaluated (claim, rule) pair
func (c *Collector) ObserveEvaluation(tenantID string, kind rules.LogicKind, outcome string, elapsed time.Duration) {
	c.evaluations.WithLabelValues(tenantID, string(kind), outcome).Inc()
	c.evaluationDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ObserveRun records a finished audit run
func (c *Collector) ObserveRun(tenantID, status string, flags int, elapsed time.Duration) {
	c.runs.WithLabelValues(status).Inc()
	c.runDuration.Observe(elapsed.Seconds())
	if flags > 0 {
		c.flagsGenerated.WithLabelValues(tenantID).Add(float64(flags))
	}
}

// Middleware records request counts and latency labelled by the chi route pattern
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
