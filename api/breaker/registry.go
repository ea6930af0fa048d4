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

package breaker

import (
	"sync"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

// Target identifies what a breaker guards: one service in one cluster.
type Target struct {
	Cluster   types.ClusterID
	Service   string
	Namespace string
}

// Registry hands out one breaker per target, created lazily from a
// shared config. Safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[Target]*CircuitBreaker
}

// NewRegistry validates the config once and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[Target]*CircuitBreaker),
	}, nil
}

// Get returns the breaker guarding the target, creating it on first
// use.
func (r *Registry) Get(target Target) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		// The config was validated in NewRegistry, New cannot fail.
		cb = &CircuitBreaker{
			cfg:         r.cfg.Clone(),
			windowStart: r.cfg.Clock.Now(),
		}
		r.breakers[target] = cb
	}
	return cb
}

// States returns the current state of every breaker created so far,
// for the status surface.
func (r *Registry) States() map[Target]State {
	r.mu.Lock()
	breakers := make(map[Target]*CircuitBreaker, len(r.breakers))
	for target, cb := range r.breakers {
		breakers[target] = cb
	}
	r.mu.Unlock()

	states := make(map[Target]State, len(breakers))
	for target, cb := range breakers {
		states[target] = cb.State()
	}
	return states
}
