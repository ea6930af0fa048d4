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

// Package scanner enumerates the services and endpoints of the local
// cluster. The discovery server answers peer queries from it and the
// agent republishes the cluster on its change events.
//
// A Kubernetes-informer scanner is intentionally absent. The static
// scanner reads the same information from a YAML file, which covers
// fixed fleets and keeps the rest of the system testable without a
// cluster.
package scanner

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

// EventType says what happened to a service.
type EventType string

const (
	// EventPut reports a service that appeared or changed.
	EventPut EventType = "put"
	// EventDelete reports a service that disappeared.
	EventDelete EventType = "delete"
)

// Event reports a change to a local service.
type Event struct {
	Type    EventType
	Service types.ServiceInfo
}

// Scanner enumerates local services. Implementations are safe for
// concurrent use.
type Scanner interface {
	// ListServices returns the services in the given namespace, every
	// namespace when it is empty.
	ListServices(ctx context.Context, namespace string) ([]types.ServiceInfo, error)
	// ListEndpoints returns the endpoints of one service.
	// trace.NotFound when the service does not exist; a service with no
	// ready endpoints returns an empty slice.
	ListEndpoints(ctx context.Context, service, namespace string) ([]types.ServiceEndpoint, error)
	// WatchChanges starts the change watch and returns its channel. The
	// watch is lazy (nothing is tracked until the first call), infinite
	// (the channel closes only when ctx is cancelled) and
	// non-restartable (a second call fails with trace.AlreadyExists).
	WatchChanges(ctx context.Context) (<-chan Event, error)
}

// serviceKey identifies a service within the cluster.
type serviceKey struct {
	name      string
	namespace string
}

// serviceEntry is a service with its current endpoints.
type serviceEntry struct {
	info      types.ServiceInfo
	endpoints []types.ServiceEndpoint
}

// watchBuffer is how many undelivered events a watcher may fall behind
// before events are dropped.
const watchBuffer = 128

// feed delivers change events to the single watcher, if one is
// subscribed. Sends never block: a watcher that stops draining loses
// events with a warning rather than stalling reloads.
type feed struct {
	log *slog.Logger

	mu      sync.Mutex
	ch      chan Event
	started bool
}

func (f *feed) subscribe(ctx context.Context) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil, trace.AlreadyExists("the service change watch is already running and cannot be restarted")
	}
	f.started = true
	f.ch = make(chan Event, watchBuffer)
	ch := f.ch
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ch = nil
		close(ch)
	}()
	return ch, nil
}

func (f *feed) emit(ctx context.Context, events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		return
	}
	for _, event := range events {
		select {
		case f.ch <- event:
		default:
			f.log.WarnContext(ctx, "Dropping service change event, the watcher is not keeping up.",
				"event", event.Type, "service", event.Service.Name, "namespace", event.Service.Namespace)
		}
	}
}

// diffEntries turns the difference between two scans into events:
// a put for every service that appeared or changed (endpoint changes
// included), a delete for every service that disappeared.
func diffEntries(before, after map[serviceKey]serviceEntry) []Event {
	var events []Event
	for key, entry := range after {
		prev, ok := before[key]
		if !ok || prev.info != entry.info || !slices.Equal(prev.endpoints, entry.endpoints) {
			events = append(events, Event{Type: EventPut, Service: entry.info})
		}
	}
	for key, entry := range before {
		if _, ok := after[key]; !ok {
			events = append(events, Event{Type: EventDelete, Service: entry.info})
		}
	}
	return events
}

// listServices filters and orders one scan for ListServices.
func listServices(entries map[serviceKey]serviceEntry, namespace string) []types.ServiceInfo {
	services := make([]types.ServiceInfo, 0, len(entries))
	for key, entry := range entries {
		if namespace != "" && key.namespace != namespace {
			continue
		}
		services = append(services, entry.info)
	}
	slices.SortFunc(services, func(a, b types.ServiceInfo) int {
		if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return services
}
