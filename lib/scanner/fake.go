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

package scanner

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
)

// Fake is an in-memory Scanner mutated directly by tests. Upsert and
// Remove show up on the change watch like real scans would.
type Fake struct {
	feed feed

	mu      sync.RWMutex
	entries map[serviceKey]serviceEntry
	err     error
}

// NewFake returns an empty fake scanner.
func NewFake() *Fake {
	return &Fake{
		feed:    feed{log: slog.With(meshport.ComponentKey, meshport.ComponentScanner)},
		entries: make(map[serviceKey]serviceEntry),
	}
}

// Upsert adds or replaces a service and its endpoints.
func (f *Fake) Upsert(info types.ServiceInfo, endpoints ...types.ServiceEndpoint) {
	f.mu.Lock()
	f.entries[serviceKey{name: info.Name, namespace: info.Namespace}] = serviceEntry{
		info:      info,
		endpoints: slices.Clone(endpoints),
	}
	f.mu.Unlock()
	f.feed.emit(context.Background(), Event{Type: EventPut, Service: info})
}

// Remove drops a service, if present.
func (f *Fake) Remove(name, namespace string) {
	key := serviceKey{name: name, namespace: namespace}
	f.mu.Lock()
	entry, ok := f.entries[key]
	delete(f.entries, key)
	f.mu.Unlock()
	if ok {
		f.feed.emit(context.Background(), Event{Type: EventDelete, Service: entry.info})
	}
}

// SetError makes every List call fail with err until reset with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// ListServices implements Scanner.
func (f *Fake) ListServices(ctx context.Context, namespace string) ([]types.ServiceInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return nil, trace.Wrap(f.err)
	}
	return listServices(f.entries, namespace), nil
}

// ListEndpoints implements Scanner.
func (f *Fake) ListEndpoints(ctx context.Context, service, namespace string) ([]types.ServiceEndpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return nil, trace.Wrap(f.err)
	}
	entry, ok := f.entries[serviceKey{name: service, namespace: namespace}]
	if !ok {
		return nil, trace.NotFound("service %q is not in namespace %q", service, namespace)
	}
	return slices.Clone(entry.endpoints), nil
}

// WatchChanges implements Scanner.
func (f *Fake) WatchChanges(ctx context.Context) (<-chan Event, error) {
	ch, err := f.feed.subscribe(ctx)
	return ch, trace.Wrap(err)
}

var _ Scanner = (*Fake)(nil)
