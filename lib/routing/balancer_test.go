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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
)

// makeCandidates builds candidates with fresh stats entries for the
// given addr:weight pairs, all on port 8080.
func makeCandidates(stats *Stats, key RouteKey, endpoints ...types.ServiceEndpoint) []Candidate {
	candidates := make([]Candidate, 0, len(endpoints))
	for _, endpoint := range endpoints {
		candidates = append(candidates, Candidate{
			Endpoint: endpoint,
			Stats:    stats.For(key, endpoint),
		})
	}
	return candidates
}

func pickCounts(t *testing.T, b Balancer, key RouteKey, candidates []Candidate, picks int) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for range picks {
		picked, err := b.Pick(key, candidates)
		require.NoError(t, err)
		counts[picked.Endpoint.HostPort()]++
	}
	return counts
}

func TestNewBalancer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		want any
	}{
		{kind: "", want: &RoundRobin{}},
		{kind: BalancerRoundRobin, want: &RoundRobin{}},
		{kind: BalancerLeastConn, want: LeastConnections{}},
		{kind: BalancerWeighted, want: &WeightedRoundRobin{}},
		{kind: BalancerEWMA, want: EWMA{}},
	}
	for _, tt := range tests {
		b, err := NewBalancer(tt.kind)
		require.NoError(t, err, "kind %q", tt.kind)
		require.IsType(t, tt.want, b, "kind %q", tt.kind)
	}

	_, err := NewBalancer("power_of_two")
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
}

func TestRoundRobinVisitsEachOnce(t *testing.T) {
	t.Parallel()
	stats := NewStats()
	candidates := makeCandidates(stats, "west/shop/checkout",
		types.ServiceEndpoint{Addr: "10.1.0.4", Port: 8080},
		types.ServiceEndpoint{Addr: "10.1.0.5", Port: 8080},
		types.ServiceEndpoint{Addr: "10.1.0.6", Port: 8080},
	)

	b := NewRoundRobin()
	counts := pickCounts(t, b, "west/shop/checkout", candidates, 6)
	require.Equal(t, map[string]int{
		"10.1.0.4:8080": 2,
		"10.1.0.5:8080": 2,
		"10.1.0.6:8080": 2,
	}, counts)

	// Rotation state is per route key.
	first, err := b.Pick("east/shop/checkout", candidates)
	require.NoError(t, err)
	require.Equal(t, "10.1.0.4:8080", first.Endpoint.HostPort())

	_, err = b.Pick("west/shop/checkout", nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestLeastConnections(t *testing.T) {
	t.Parallel()
	stats := NewStats()
	key := RouteKey("west/shop/checkout")
	candidates := makeCandidates(stats, key,
		types.ServiceEndpoint{Addr: "10.1.0.4", Port: 8080},
		types.ServiceEndpoint{Addr: "10.1.0.5", Port: 8080},
		types.ServiceEndpoint{Addr: "10.1.0.6", Port: 8080},
	)
	candidates[0].Stats.IncActive()
	candidates[0].Stats.IncActive()
	candidates[2].Stats.IncActive()

	picked, err := LeastConnections{}.Pick(key, candidates)
	require.NoError(t, err)
	require.Equal(t, "10.1.0.5:8080", picked.Endpoint.HostPort())

	// Ties go to the first candidate.
	candidates[1].Stats.IncActive()
	candidates[1].Stats.IncActive()
	candidates[2].Stats.IncActive()
	picked, err = LeastConnections{}.Pick(key, candidates)
	require.NoError(t, err)
	require.Equal(t, "10.1.0.4:8080", picked.Endpoint.HostPort())
}

func TestWeightedRoundRobin(t *testing.T) {
	t.Parallel()
	stats := NewStats()
	key := RouteKey("west/shop/checkout")
	candidates := makeCandidates(stats, key,
		types.ServiceEndpoint{Addr: "10.1.0.4", Port: 8080, Weight: 3},
		types.ServiceEndpoint{Addr: "10.1.0.5", Port: 8080},
	)

	b := NewWeightedRoundRobin()
	counts := pickCounts(t, b, key, candidates, 8)
	require.Equal(t, map[string]int{
		"10.1.0.4:8080": 6,
		"10.1.0.5:8080": 2,
	}, counts)

	// An endpoint leaving the set does not wedge the rotation.
	shrunk := candidates[:1]
	picked, err := b.Pick(key, shrunk)
	require.NoError(t, err)
	require.Equal(t, "10.1.0.4:8080", picked.Endpoint.HostPort())
}

func TestEWMAPrefersFastAndUntried(t *testing.T) {
	t.Parallel()
	stats := NewStats()
	key := RouteKey("west/shop/checkout")
	candidates := makeCandidates(stats, key,
		types.ServiceEndpoint{Addr: "10.1.0.4", Port: 8080},
		types.ServiceEndpoint{Addr: "10.1.0.5", Port: 8080},
	)
	candidates[0].Stats.ObserveLatency(50 * time.Millisecond)
	candidates[1].Stats.ObserveLatency(10 * time.Millisecond)

	for range 5 {
		picked, err := EWMA{}.Pick(key, candidates)
		require.NoError(t, err)
		require.Equal(t, "10.1.0.5:8080", picked.Endpoint.HostPort())
	}

	// A candidate without a single observation yet wins over any
	// measured one.
	candidates = append(candidates, Candidate{
		Endpoint: types.ServiceEndpoint{Addr: "10.1.0.6", Port: 8080},
		Stats:    stats.For(key, types.ServiceEndpoint{Addr: "10.1.0.6", Port: 8080}),
	})
	picked, err := EWMA{}.Pick(key, candidates)
	require.NoError(t, err)
	require.Equal(t, "10.1.0.6:8080", picked.Endpoint.HostPort())
}

func TestEndpointStats(t *testing.T) {
	t.Parallel()
	stats := NewStats()
	endpoint := types.ServiceEndpoint{Addr: "10.1.0.4", Port: 8080}

	entry := stats.For("west/shop/checkout", endpoint)
	require.Same(t, entry, stats.For("west/shop/checkout", endpoint))
	require.NotSame(t, entry, stats.For("east/shop/checkout", endpoint))

	entry.IncActive()
	entry.IncActive()
	entry.DecActive()
	require.Equal(t, 1, entry.Active())
	entry.DecActive()
	entry.DecActive()
	require.Zero(t, entry.Active())

	_, observed := entry.Latency()
	require.False(t, observed)
	entry.ObserveLatency(100 * time.Millisecond)
	latency, observed := entry.Latency()
	require.True(t, observed)
	require.Equal(t, 100*time.Millisecond, latency)

	// The second sample decays in instead of replacing the average.
	entry.ObserveLatency(200 * time.Millisecond)
	latency, _ = entry.Latency()
	require.InDelta(t, 0.130, latency.Seconds(), 0.001)

	entry.ObserveFailure()
	entry.ObserveFailure()
	require.Equal(t, uint64(2), entry.Failures())
}
