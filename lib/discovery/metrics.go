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

package discovery

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/observability/metrics"
)

const (
	resultLocal    = "local"
	resultCached   = "cached"
	resultRemote   = "remote"
	resultNotFound = "not_found"
	resultError    = "error"
)

const (
	answerOK       = "ok"
	answerNotFound = "not_found"
	answerDenied   = "denied"
	answerError    = "error"
)

// managerMetrics tracks the query side of discovery.
type managerMetrics struct {
	lookups       *prometheus.CounterVec
	queryDuration prometheus.Histogram
}

func newManagerMetrics() (*managerMetrics, error) {
	m := &managerMetrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "discovery",
				Name:      "lookup_total",
				Help:      "Route resolutions by how they were answered",
			},
			[]string{"result"},
		),
		queryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "discovery",
				Name:      "query_duration_seconds",
				Help:      "Round trip time of remote discovery queries",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(
		m.lookups,
		m.queryDuration,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *managerMetrics) reportLookup(result string) {
	m.lookups.WithLabelValues(result).Inc()
}

func (m *managerMetrics) observeQuery(seconds float64) {
	m.queryDuration.Observe(seconds)
}

// serverMetrics tracks the answer side of discovery.
type serverMetrics struct {
	answers *prometheus.CounterVec
}

func newServerMetrics() (*serverMetrics, error) {
	m := &serverMetrics{
		answers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "discovery",
				Name:      "answer_total",
				Help:      "Discovery queries served by outcome",
			},
			[]string{"result"},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(m.answers); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *serverMetrics) reportAnswer(result string) {
	m.answers.WithLabelValues(result).Inc()
}
