// Package metrics exports Prometheus collectors for the host. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the host updates.
type Metrics struct {
	reconcileOps   *prometheus.CounterVec
	connections    prometheus.Gauge
	registeredTool prometheus.Gauge
	autostartRuns  *prometheus.CounterVec
	interactions   prometheus.Counter
	elicitations   *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcphost_reconcile_operations_total",
			Help: "Connection operations applied by reconciliation passes",
		}, []string{"op"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcphost_connections",
			Help: "Server connections currently held by the reconciler",
		}),
		registeredTool: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcphost_registered_tools",
			Help: "Tools currently present in the tool registry",
		}),
		autostartRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcphost_autostart_runs_total",
			Help: "Autostart runs by terminal outcome",
		}, []string{"outcome"}),
		interactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcphost_autostart_interaction_required_total",
			Help: "Servers skipped by autostart because they need user interaction",
		}),
		elicitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcphost_elicitations_total",
			Help: "Resolved elicitation requests",
		}, []string{"mode", "action"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcphost_tool_invocations_total",
			Help: "Tool invocations by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.reconcileOps,
			m.connections,
			m.registeredTool,
			m.autostartRuns,
			m.interactions,
			m.elicitations,
			m.toolCalls,
		)
	}
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ReconcileOp(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileOps.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) AddRegisteredTools(delta int) {
	if m == nil {
		return
	}
	m.registeredTool.Add(float64(delta))
}

func (m *Metrics) AutostartRun(outcome string) {
	if m == nil {
		return
	}
	m.autostartRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InteractionRequired() {
	if m == nil {
		return
	}
	m.interactions.Inc()
}

func (m *Metrics) Elicitation(mode, action string) {
	if m == nil {
		return
	}
	m.elicitations.WithLabelValues(mode, action).Inc()
}

func (m *Metrics) ToolInvocation(outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(outcome).Inc()
}
