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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/lib/defaults"
)

// Balancer kinds accepted in configuration.
const (
	BalancerRoundRobin = defaults.BalancerRoundRobin
	BalancerLeastConn  = defaults.BalancerLeastConn
	BalancerWeighted   = defaults.BalancerWeighted
	BalancerEWMA       = defaults.BalancerEWMA
)

// Balancer picks one candidate for a route. Implementations may keep
// rotation state per route key but never mutate the candidates.
type Balancer interface {
	Pick(key RouteKey, candidates []Candidate) (Candidate, error)
}

// NewBalancer returns the balancer for a configured kind. An empty
// kind gets round robin.
func NewBalancer(kind string) (Balancer, error) {
	switch kind {
	case "", BalancerRoundRobin:
		return NewRoundRobin(), nil
	case BalancerLeastConn:
		return LeastConnections{}, nil
	case BalancerWeighted:
		return NewWeightedRoundRobin(), nil
	case BalancerEWMA:
		return EWMA{}, nil
	default:
		return nil, trace.BadParameter("unknown balancer kind %q", kind)
	}
}

// RoundRobin cycles through the candidates of each route in order.
// Over a stable candidate set of size k, each endpoint is picked
// exactly once per k picks.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[RouteKey]uint64
}

// NewRoundRobin returns a RoundRobin with fresh cursors.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[RouteKey]uint64)}
}

// Pick implements Balancer.
func (b *RoundRobin) Pick(key RouteKey, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, trace.Wrap(ErrNoEndpoints)
	}
	b.mu.Lock()
	cursor := b.cursors[key]
	b.cursors[key] = cursor + 1
	b.mu.Unlock()
	return candidates[cursor%uint64(len(candidates))], nil
}

// LeastConnections picks the candidate with the fewest in-flight
// exchanges, first wins on a tie.
type LeastConnections struct{}

// Pick implements Balancer.
func (LeastConnections) Pick(key RouteKey, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, trace.Wrap(ErrNoEndpoints)
	}
	best := 0
	bestActive := candidates[0].Stats.Active()
	for i := 1; i < len(candidates); i++ {
		if active := candidates[i].Stats.Active(); active < bestActive {
			best, bestActive = i, active
		}
	}
	return candidates[best], nil
}

// WeightedRoundRobin interleaves candidates in proportion to their
// weights using the smooth weighted rotation: every pick raises each
// candidate's balance by its weight, the highest balance wins and pays
// the total back. Weights come from the endpoint, zero counts as 1.
type WeightedRoundRobin struct {
	mu     sync.Mutex
	states map[RouteKey]map[string]*wrrState
}

type wrrState struct {
	balance int
}

// NewWeightedRoundRobin returns a WeightedRoundRobin with fresh state.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{states: make(map[RouteKey]map[string]*wrrState)}
}

// Pick implements Balancer.
func (b *WeightedRoundRobin) Pick(key RouteKey, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, trace.Wrap(ErrNoEndpoints)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.states[key]
	if state == nil {
		state = make(map[string]*wrrState)
		b.states[key] = state
	}

	seen := make(map[string]bool, len(candidates))
	total := 0
	best := -1
	var bestState *wrrState
	for i, candidate := range candidates {
		hostPort := candidate.Endpoint.HostPort()
		seen[hostPort] = true
		weight := int(candidate.Endpoint.Weight)
		if weight <= 0 {
			weight = 1
		}
		entry := state[hostPort]
		if entry == nil {
			entry = &wrrState{}
			state[hostPort] = entry
		}
		entry.balance += weight
		total += weight
		if best < 0 || entry.balance > bestState.balance {
			best, bestState = i, entry
		}
	}
	// Forget endpoints that left the candidate set.
	for hostPort := range state {
		if !seen[hostPort] {
			delete(state, hostPort)
		}
	}

	bestState.balance -= total
	return candidates[best], nil
}

// EWMA picks the candidate with the lowest decayed latency. Candidates
// that were never tried come first, a random one among them, so new
// endpoints get measured instead of starving behind warmed-up ones.
type EWMA struct{}

// Pick implements Balancer.
func (EWMA) Pick(key RouteKey, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, trace.Wrap(ErrNoEndpoints)
	}
	var untried []int
	best := -1
	var bestLatency time.Duration
	for i, candidate := range candidates {
		latency, observed := candidate.Stats.Latency()
		if !observed {
			untried = append(untried, i)
			continue
		}
		if best < 0 || latency < bestLatency {
			best, bestLatency = i, latency
		}
	}
	if len(untried) > 0 {
		return candidates[untried[rand.IntN(len(untried))]], nil
	}
	return candidates[best], nil
}
