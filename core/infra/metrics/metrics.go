package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics captures workflow run lifecycle metrics.
type EngineMetrics interface {
	IncRunStarted(workflow string)
	IncRunFinished(workflow, status string)
	IncSuspension(workflow, kind string)
	IncDecision(verdict, outcome string)
	IncLeaseConflict()
	ObserveNodeDuration(workflow, node string, durationSeconds float64)
}

// RouterMetrics captures routing tier selection.
type RouterMetrics interface {
	IncRoute(tier, intent string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncRunStarted(string)                           {}
func (Noop) IncRunFinished(string, string)                  {}
func (Noop) IncSuspension(string, string)                   {}
func (Noop) IncDecision(string, string)                     {}
func (Noop) IncLeaseConflict()                              {}
func (Noop) ObserveNodeDuration(string, string, float64)    {}
func (Noop) IncRoute(string, string)                        {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Engine metrics ---

type engineProm struct {
	started       *prometheus.CounterVec
	finished      *prometheus.CounterVec
	suspensions   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	leaseConflict prometheus.Counter
	nodeDuration  *prometheus.HistogramVec
	once          sync.Once
}

// NewEngineProm constructs EngineMetrics registered on the default registerer.
func NewEngineProm(namespace string) EngineMetrics {
	e := &engineProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started by workflow",
		}, []string{"workflow"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal status",
		}, []string{"workflow", "status"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_suspensions_total",
			Help:      "Approval requests raised by workflow and request kind",
		}, []string{"workflow", "kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions received by verdict and outcome",
		}, []string{"verdict", "outcome"}),
		leaseConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Concurrent advance attempts rejected by the run lease",
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution latency by workflow and node",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "node"}),
	}
	e.once.Do(func() {
		prometheus.MustRegister(e.started, e.finished, e.suspensions, e.decisions, e.leaseConflict, e.nodeDuration)
	})
	return e
}

func (e *engineProm) IncRunStarted(workflow string) {
	e.started.WithLabelValues(workflow).Inc()
}

func (e *engineProm) IncRunFinished(workflow, status string) {
	e.finished.WithLabelValues(workflow, status).Inc()
}

func (e *engineProm) IncSuspension(workflow, kind string) {
	e.suspensions.WithLabelValues(workflow, kind).Inc()
}

func (e *engineProm) IncDecision(verdict, outcome string) {
	e.decisions.WithLabelValues(verdict, outcome).Inc()
}

func (e *engineProm) IncLeaseConflict() {
	e.leaseConflict.Inc()
}

func (e *engineProm) ObserveNodeDuration(workflow, node string, durationSeconds float64) {
	e.nodeDuration.WithLabelValues(workflow, node).Observe(durationSeconds)
}

// --- Router metrics ---

type routerProm struct {
	routes *prometheus.CounterVec
	once   sync.Once
}

// NewRouterProm constructs RouterMetrics registered on the default registerer.
func NewRouterProm(namespace string) RouterMetrics {
	r := &routerProm{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by dispatch tier and intent",
		}, []string{"tier", "intent"}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.routes)
	})
	return r
}

func (r *routerProm) IncRoute(tier, intent string) {
	r.routes.WithLabelValues(tier, intent).Inc()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
