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

// Package directory maps cluster identifiers to the node addresses peers
// dial. Implementations in this package: an in-memory map, a shared YAML
// file kept fresh with a filesystem watch, and a resolve-only DNS TXT
// lookup.
package directory

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

// Directory publishes and resolves the dialing addresses of mesh nodes.
// Resolve returns trace.NotFound when no record exists for the cluster;
// transient lookup failures surface as other error kinds so callers can
// retry them.
type Directory interface {
	// Publish stores or replaces the record for the given cluster.
	Publish(ctx context.Context, id types.ClusterID, addr types.NodeAddr) error
	// Resolve returns the current record for the given cluster.
	Resolve(ctx context.Context, id types.ClusterID) (types.NodeAddr, error)
}

// Memory is a process-local Directory backed by a map. It is the default
// in tests and in single-process setups where all agents share a process.
type Memory struct {
	mu      sync.RWMutex
	records map[types.ClusterID]types.NodeAddr
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{records: make(map[types.ClusterID]types.NodeAddr)}
}

// Publish stores or replaces the record for the given cluster.
func (m *Memory) Publish(ctx context.Context, id types.ClusterID, addr types.NodeAddr) error {
	if err := id.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := addr.Check(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = addr.Clone()
	return nil
}

// Resolve returns the current record for the given cluster.
func (m *Memory) Resolve(ctx context.Context, id types.ClusterID) (types.NodeAddr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.records[id]
	if !ok {
		return types.NodeAddr{}, trace.NotFound("cluster %q is not in the directory", id)
	}
	return addr.Clone(), nil
}

// Remove drops the record for the given cluster, if any.
func (m *Memory) Remove(id types.ClusterID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

var _ Directory = (*Memory)(nil)
