// Package metrics exposes Prometheus counters and gauges for GET /metrics:
// commands reaching each terminal status and the connected-agent count.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ogent-io/ogent/shared/types"
)

// Metrics holds the Controller's process-level instruments. Create one
// with New and pass it down explicitly to the Router.
type Metrics struct {
	CommandsByStatus *prometheus.CounterVec
	ConnectedAgents  prometheus.Gauge
}

// New registers instruments against registry and returns the handle.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		CommandsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ogent",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total commands reaching each terminal status.",
		}, []string{"status"}),

		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ogent",
			Subsystem: "agents",
			Name:      "connected",
			Help:      "Number of agents with a live session.",
		}),
	}
}

// ObserveTerminal increments the per-status counter for a command that
// just reached a terminal status.
func (m *Metrics) ObserveTerminal(status types.CommandStatus) {
	m.CommandsByStatus.WithLabelValues(string(status)).Inc()
}

// SetConnectedAgents sets the connected-agents gauge to n.
func (m *Metrics) SetConnectedAgents(n int) {
	m.ConnectedAgents.Set(float64(n))
}
