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

	"github.com/gravitational/trace"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
)

// Empty is the Scanner of a node that runs no services. Proxy-only
// nodes use it: they carry traffic out of the cluster and have nothing
// to answer for themselves.
type Empty struct {
	feed feed
}

// NewEmpty returns an Empty scanner.
func NewEmpty() *Empty {
	return &Empty{
		feed: feed{log: slog.With(meshport.ComponentKey, meshport.ComponentScanner)},
	}
}

// ListServices returns no services.
func (e *Empty) ListServices(ctx context.Context, namespace string) ([]types.ServiceInfo, error) {
	return nil, nil
}

// ListEndpoints fails with trace.NotFound for every service.
func (e *Empty) ListEndpoints(ctx context.Context, service, namespace string) ([]types.ServiceEndpoint, error) {
	return nil, trace.NotFound("service %q is not in namespace %q", service, namespace)
}

// WatchChanges returns a channel that delivers nothing and closes when
// ctx is cancelled.
func (e *Empty) WatchChanges(ctx context.Context) (<-chan Event, error) {
	ch, err := e.feed.subscribe(ctx)
	return ch, trace.Wrap(err)
}
