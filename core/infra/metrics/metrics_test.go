package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncRunStarted("trading")
	m.IncRunFinished("trading", "completed")
	m.IncSuspension("trading", "trade")
	m.IncDecision("approved", "ok")
	m.IncLeaseConflict()
	m.ObserveNodeDuration("trading", "prepare_order", 0.1)
	m.IncRoute("worker", "price_lookup")
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestEngineProm(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewEngineProm("tradeflow")
	m.IncRunStarted("trading")
	m.IncRunFinished("trading", "completed")
	m.IncSuspension("trading", "trade")
	m.IncDecision("modified", "pending")
	m.IncLeaseConflict()
	m.ObserveNodeDuration("trading", "simulate_trade", 0.2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "tradeflow_runs_started_total", map[string]string{"workflow": "trading"}) {
		t.Fatalf("expected runs_started metric")
	}
	if !hasMetric(families, "tradeflow_runs_finished_total", map[string]string{"workflow": "trading", "status": "completed"}) {
		t.Fatalf("expected runs_finished metric")
	}
	if !hasMetric(families, "tradeflow_gate_suspensions_total", map[string]string{"kind": "trade"}) {
		t.Fatalf("expected gate_suspensions metric")
	}
	if !hasMetric(families, "tradeflow_decisions_total", map[string]string{"verdict": "modified", "outcome": "pending"}) {
		t.Fatalf("expected decisions metric")
	}
	if !hasMetric(families, "tradeflow_lease_conflicts_total", nil) {
		t.Fatalf("expected lease_conflicts metric")
	}
	if !hasMetric(families, "tradeflow_node_duration_seconds", map[string]string{"node": "simulate_trade"}) {
		t.Fatalf("expected node_duration metric")
	}
}

func TestRouterAndGatewayProm(t *testing.T) {
	reg := withTestRegistry(t)
	NewRouterProm("tradeflow").IncRoute("workflow", "trade")
	NewGatewayProm("tradeflow").ObserveRequest("POST", "/api/v1/query", "200", 0.05)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "tradeflow_routing_decisions_total", map[string]string{"tier": "workflow", "intent": "trade"}) {
		t.Fatalf("expected routing metric")
	}
	if !hasMetric(families, "tradeflow_http_requests_total", map[string]string{"route": "/api/v1/query"}) {
		t.Fatalf("expected http request metric")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	withTestRegistry(t)
	NewRouterProm("tradeflow").IncRoute("direct_answer", "explain")
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
