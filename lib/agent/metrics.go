// Meshport
// Copyright (C) 2025 Meshport, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package agent

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/observability/metrics"
)

// agentMetrics tracks the agent's background loops.
type agentMetrics struct {
	publishes *prometheus.CounterVec
	events    *prometheus.CounterVec
	services  prometheus.Gauge
}

func newAgentMetrics() (*agentMetrics, error) {
	m := &agentMetrics{
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "agent",
				Name:      "publish_total",
				Help:      "Directory record publish attempts by result",
			},
			[]string{"result"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "agent",
				Name:      "service_event_total",
				Help:      "Local service change events by type",
			},
			[]string{"event"},
		),
		services: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "agent",
				Name:      "services",
				Help:      "Local services in the agent's snapshot",
			},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(
		m.publishes,
		m.events,
		m.services,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *agentMetrics) reportPublish(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *agentMetrics) reportEvent(event string) {
	m.events.WithLabelValues(event).Inc()
}

func (m *agentMetrics) setServices(count int) {
	m.services.Set(float64(count))
}
