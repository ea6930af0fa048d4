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

package routing

import (
	"sync"
	"time"

	"github.com/meshport/meshport/api/types"
)

// ewmaAlpha is the weight of the newest latency sample in the decayed
// average.
const ewmaAlpha = 0.3

// Stats tracks per-endpoint load observations, keyed by route and
// endpoint. The registry lock only guards the map; each entry carries
// its own lock so endpoints update independently.
type Stats struct {
	mu      sync.Mutex
	entries map[statsKey]*EndpointStats
}

type statsKey struct {
	route    RouteKey
	endpoint string
}

// NewStats returns an empty registry.
func NewStats() *Stats {
	return &Stats{entries: make(map[statsKey]*EndpointStats)}
}

// For returns the stats entry for the endpoint on the route, creating
// it on first use.
func (s *Stats) For(key RouteKey, endpoint types.ServiceEndpoint) *EndpointStats {
	k := statsKey{route: key, endpoint: endpoint.HostPort()}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[k]
	if !ok {
		entry = &EndpointStats{}
		s.entries[k] = entry
	}
	return entry
}

// EndpointStats is the live load view of one endpoint on one route:
// in-flight exchanges, a decayed latency average and a failure count.
type EndpointStats struct {
	mu          sync.Mutex
	activeConns int
	latency     float64
	observed    bool
	failures    uint64
}

// IncActive counts an exchange starting on the endpoint.
func (s *EndpointStats) IncActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConns++
}

// DecActive counts an exchange finishing on the endpoint.
func (s *EndpointStats) DecActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConns > 0 {
		s.activeConns--
	}
}

// ObserveLatency folds one round trip time into the decayed average.
func (s *EndpointStats) ObserveLatency(d time.Duration) {
	seconds := d.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.observed {
		s.latency = seconds
		s.observed = true
		return
	}
	s.latency = ewmaAlpha*seconds + (1-ewmaAlpha)*s.latency
}

// ObserveFailure counts one failed attempt against the endpoint.
func (s *EndpointStats) ObserveFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

// Active returns the number of in-flight exchanges.
func (s *EndpointStats) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConns
}

// Latency returns the decayed average and whether anything was ever
// observed.
func (s *EndpointStats) Latency() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latency * float64(time.Second)), s.observed
}

// Failures returns the failed attempt count.
func (s *EndpointStats) Failures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
