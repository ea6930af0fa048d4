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

package peering

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/observability/metrics"
)

const (
	errorResolve  = "RESOLVE"
	errorIdentity = "IDENTITY_MISMATCH"
	errorDial     = "DIAL"
)

// managerMetrics tracks the connection table for one manager.
type managerMetrics struct {
	connections   *prometheus.GaugeVec
	dialErrors    *prometheus.CounterVec
	establishment *prometheus.HistogramVec
	upgrades      prometheus.Counter
}

func newManagerMetrics() (*managerMetrics, error) {
	m := &managerMetrics{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "peering",
				Name:      "connections",
				Help:      "Cluster connection records by lifecycle state",
			},
			[]string{"state"},
		),
		dialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "peering",
				Name:      "dial_error_total",
				Help:      "Failed cluster connection attempts by error type",
			},
			[]string{"error_type"},
		),
		establishment: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "peering",
				Name:      "establish_duration_seconds",
				Help:      "Time to establish a cluster connection by resulting path",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		upgrades: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "peering",
				Name:      "path_upgrade_total",
				Help:      "Connections observed moving from the relayed to the direct path",
			},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(
		m.connections,
		m.dialErrors,
		m.establishment,
		m.upgrades,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *managerMetrics) incState(s State) {
	m.connections.WithLabelValues(s.String()).Inc()
}

func (m *managerMetrics) decState(s State) {
	m.connections.WithLabelValues(s.String()).Dec()
}

func (m *managerMetrics) reportDialError(errorType string) {
	m.dialErrors.WithLabelValues(errorType).Inc()
}

func (m *managerMetrics) reportEstablish(path string, seconds float64) {
	m.establishment.WithLabelValues(path).Observe(seconds)
}

func (m *managerMetrics) reportUpgrade() {
	m.upgrades.Inc()
}
