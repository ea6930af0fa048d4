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

package proxy

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/observability/metrics"
)

const (
	resultOK          = "ok"
	resultCircuitOpen = "circuit_open"
	resultNoEndpoints = "no_endpoints"
	resultIdentity    = "identity_mismatch"
	resultNotFound    = "not_found"
	resultTimeout     = "timeout"
	resultUnreachable = "unreachable"
	resultBadRequest  = "bad_request"
	resultError       = "error"
)

const (
	deliverOK       = "ok"
	deliverNotFound = "not_found"
	deliverUpstream = "upstream_error"
	deliverTimeout  = "timeout"
	deliverDropped  = "dropped"
)

// routerMetrics tracks the sending side of the data plane.
type routerMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

func newRouterMetrics() (*routerMetrics, error) {
	m := &routerMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "proxy",
				Name:      "request_total",
				Help:      "Proxied requests by outcome",
			},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "proxy",
				Name:      "request_duration_seconds",
				Help:      "End to end time of proxied requests",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(
		m.requests,
		m.requestDuration,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *routerMetrics) reportRequest(result string) {
	m.requests.WithLabelValues(result).Inc()
}

func (m *routerMetrics) observeRequest(seconds float64) {
	m.requestDuration.Observe(seconds)
}

// serverMetrics tracks the receiving side of the data plane.
type serverMetrics struct {
	deliveries *prometheus.CounterVec
}

func newServerMetrics() (*serverMetrics, error) {
	m := &serverMetrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: meshport.MetricNamespace,
				Subsystem: "proxy",
				Name:      "delivery_total",
				Help:      "Request envelopes delivered to local services by outcome",
			},
			[]string{"result"},
		),
	}

	if err := metrics.RegisterPrometheusCollectors(m.deliveries); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *serverMetrics) reportDelivery(result string) {
	m.deliveries.WithLabelValues(result).Inc()
}
