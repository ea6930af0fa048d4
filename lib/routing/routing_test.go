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
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
)

// fakeResolver serves candidate sets keyed by route string.
type fakeResolver struct {
	endpoints map[string][]types.ServiceEndpoint
	err       error
}

func (f *fakeResolver) Resolve(ctx context.Context, route types.CrossClusterRoute) ([]types.ServiceEndpoint, error) {
	if f.err != nil {
		return nil, trace.Wrap(f.err)
	}
	endpoints, ok := f.endpoints[route.String()]
	if !ok {
		return nil, trace.NotFound("service %s/%s is not in cluster %q",
			route.Namespace, route.Service, route.Cluster)
	}
	return endpoints, nil
}

func newTable(t *testing.T, mutate func(*TableConfig)) (*Table, *fakeResolver) {
	t.Helper()
	resolver := &fakeResolver{endpoints: make(map[string][]types.ServiceEndpoint)}
	cfg := TableConfig{Resolver: resolver}
	if mutate != nil {
		mutate(&cfg)
	}
	table, err := NewTable(cfg)
	require.NoError(t, err)
	return table, resolver
}

func TestClassify(t *testing.T) {
	t.Parallel()
	table, _ := newTable(t, func(cfg *TableConfig) {
		cfg.StaticRoutes = map[string]types.CrossClusterRoute{
			"payments.legacy": {Cluster: "south", Service: "payments", Namespace: "fin", Port: 9000},
			"reports.legacy":  {Cluster: "south", Service: "reports", Namespace: "fin"},
		}
	})

	tests := []struct {
		name    string
		host    string
		want    types.CrossClusterRoute
		wantErr bool
	}{
		{
			name: "mesh host",
			host: "checkout.shop.west.mesh.local",
			want: types.CrossClusterRoute{Cluster: "west", Service: "checkout", Namespace: "shop"},
		},
		{
			name: "mesh host with port",
			host: "checkout.shop.west.mesh.local:8443",
			want: types.CrossClusterRoute{Cluster: "west", Service: "checkout", Namespace: "shop", Port: 8443},
		},
		{
			name: "case and trailing dot normalized",
			host: "Checkout.Shop.West.MESH.Local.",
			want: types.CrossClusterRoute{Cluster: "west", Service: "checkout", Namespace: "shop"},
		},
		{
			name: "static route",
			host: "payments.legacy",
			want: types.CrossClusterRoute{Cluster: "south", Service: "payments", Namespace: "fin", Port: 9000},
		},
		{
			name: "static route keeps its pinned port",
			host: "payments.legacy:8443",
			want: types.CrossClusterRoute{Cluster: "south", Service: "payments", Namespace: "fin", Port: 9000},
		},
		{
			name: "static route takes the host port when unpinned",
			host: "reports.legacy:8443",
			want: types.CrossClusterRoute{Cluster: "south", Service: "reports", Namespace: "fin", Port: 8443},
		},
		{name: "empty", host: "", wantErr: true},
		{name: "foreign domain", host: "example.com", wantErr: true},
		{name: "too few labels", host: "checkout.west.mesh.local", wantErr: true},
		{name: "too many labels", host: "a.b.c.d.mesh.local", wantErr: true},
		{name: "empty service label", host: ".shop.west.mesh.local", wantErr: true},
		{name: "port out of range", host: "checkout.shop.west.mesh.local:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := table.Classify(tt.host)
			if tt.wantErr {
				require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, route)
		})
	}
}

func TestClassifyCustomDomain(t *testing.T) {
	t.Parallel()
	table, _ := newTable(t, func(cfg *TableConfig) {
		cfg.MeshDomain = "corp.example"
	})

	route, err := table.Classify("api.prod.east.corp.example")
	require.NoError(t, err)
	require.Equal(t, types.CrossClusterRoute{Cluster: "east", Service: "api", Namespace: "prod"}, route)

	_, err = table.Classify("api.prod.east.mesh.local")
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
}

func TestSelectRotates(t *testing.T) {
	t.Parallel()
	table, resolver := newTable(t, nil)
	route := types.CrossClusterRoute{Cluster: "west", Service: "checkout", Namespace: "shop"}
	resolver.endpoints[route.String()] = []types.ServiceEndpoint{
		{Addr: "10.1.0.4", Port: 8080},
		{Addr: "10.1.0.5", Port: 8080},
	}

	first, err := table.Select(context.Background(), route)
	require.NoError(t, err)
	second, err := table.Select(context.Background(), route)
	require.NoError(t, err)
	third, err := table.Select(context.Background(), route)
	require.NoError(t, err)

	require.NotEqual(t, first.Endpoint, second.Endpoint)
	require.Equal(t, first.Endpoint, third.Endpoint)
	require.Equal(t, route, first.Route)

	// The same endpoint maps to the same stats entry across picks.
	require.NotNil(t, first.Stats)
	require.Same(t, first.Stats, third.Stats)
	require.NotSame(t, first.Stats, second.Stats)
}

func TestSelectNoEndpoints(t *testing.T) {
	t.Parallel()
	table, resolver := newTable(t, nil)
	route := types.CrossClusterRoute{Cluster: "west", Service: "checkout", Namespace: "shop"}
	resolver.endpoints[route.String()] = nil

	_, err := table.Select(context.Background(), route)
	require.ErrorIs(t, err, ErrNoEndpoints)
	require.True(t, trace.IsNotFound(err), "expected not found, got %v", err)
}

func TestSelectResolverErrorsPassThrough(t *testing.T) {
	t.Parallel()
	table, resolver := newTable(t, nil)
	resolver.err = trace.ConnectionProblem(nil, "cluster is unreachable")

	_, err := table.Select(context.Background(), types.CrossClusterRoute{
		Cluster: "west", Service: "checkout", Namespace: "shop",
	})
	require.True(t, trace.IsConnectionProblem(err), "expected connection problem, got %v", err)
}

func TestTableConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewTable(TableConfig{})
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)

	_, err = NewTable(TableConfig{
		Resolver: &fakeResolver{},
		StaticRoutes: map[string]types.CrossClusterRoute{
			"broken": {Cluster: "south"},
		},
	})
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
}
