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

// Package routing turns destination hostnames into routes and routes
// into endpoint picks. The Table classifies hosts against the mesh
// domain and static overrides, resolves candidates through discovery
// and delegates the pick to a balancer fed with live endpoint stats.
package routing

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
)

// ErrNoEndpoints reports a route whose service exists but has no
// endpoints behind it right now.
var ErrNoEndpoints = &trace.NotFoundError{Message: "no endpoints available"}

// RouteKey identifies one route for balancer rotation state and the
// stats registry.
type RouteKey string

// Candidate is one endpoint offered to a balancer, with its live stats
// attached.
type Candidate struct {
	Endpoint types.ServiceEndpoint
	Stats    *EndpointStats
}

// Target is a selected destination: the route, the endpoint the
// balancer picked and the stats entry the caller reports the outcome
// into.
type Target struct {
	Route    types.CrossClusterRoute
	Endpoint types.ServiceEndpoint
	Stats    *EndpointStats
}

// Resolver turns a route into candidate endpoints. *discovery.Manager
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, route types.CrossClusterRoute) ([]types.ServiceEndpoint, error)
}

// TableConfig holds the dependencies of a Table.
type TableConfig struct {
	// MeshDomain is the DNS suffix that marks a host as a mesh
	// destination.
	MeshDomain string
	// StaticRoutes maps exact hostnames to routes, taking precedence
	// over mesh domain parsing.
	StaticRoutes map[string]types.CrossClusterRoute
	// Resolver supplies candidate endpoints per route.
	Resolver Resolver
	// Balancer picks among candidates. Defaults to round robin.
	Balancer Balancer
	// Stats is the load registry shared with the traffic router.
	// Defaults to a fresh one.
	Stats *Stats
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TableConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("route table needs a resolver")
	}
	if c.MeshDomain == "" {
		c.MeshDomain = defaults.MeshDomain
	}
	c.MeshDomain = strings.ToLower(strings.Trim(c.MeshDomain, "."))
	for host, route := range c.StaticRoutes {
		if err := route.Check(); err != nil {
			return trace.Wrap(err, "static route for host %q", host)
		}
	}
	if c.Balancer == nil {
		c.Balancer = NewRoundRobin()
	}
	if c.Stats == nil {
		c.Stats = NewStats()
	}
	return nil
}

// Table classifies destination hosts and selects endpoints for them.
type Table struct {
	cfg    TableConfig
	suffix string
	static map[string]types.CrossClusterRoute
}

// NewTable returns a Table for the configured mesh domain.
func NewTable(cfg TableConfig) (*Table, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	static := make(map[string]types.CrossClusterRoute, len(cfg.StaticRoutes))
	for host, route := range cfg.StaticRoutes {
		static[strings.ToLower(strings.TrimSuffix(host, "."))] = route
	}
	return &Table{
		cfg:    cfg,
		suffix: "." + cfg.MeshDomain,
		static: static,
	}, nil
}

// Classify parses a destination host of the form
// service.namespace.cluster.<mesh domain>, with an optional port.
// Static routes match on the exact hostname first. Hosts outside the
// mesh domain and malformed mesh names fail with a bad parameter
// error.
func (t *Table) Classify(host string) (types.CrossClusterRoute, error) {
	if host == "" {
		return types.CrossClusterRoute{}, trace.BadParameter("empty destination host")
	}
	name := host
	var port uint16
	if h, p, err := net.SplitHostPort(host); err == nil {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return types.CrossClusterRoute{}, trace.BadParameter("destination %q has an invalid port", host)
		}
		name, port = h, uint16(parsed)
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	if route, ok := t.static[name]; ok {
		if route.Port == 0 {
			route.Port = port
		}
		return route, nil
	}

	rest, ok := strings.CutSuffix(name, t.suffix)
	if !ok {
		return types.CrossClusterRoute{}, trace.BadParameter("host %q is not a mesh destination", host)
	}
	labels := strings.Split(rest, ".")
	if len(labels) != 3 {
		return types.CrossClusterRoute{}, trace.BadParameter(
			"host %q is not of the form service.namespace.cluster.%s", host, t.cfg.MeshDomain)
	}
	route := types.CrossClusterRoute{
		Service:   labels[0],
		Namespace: labels[1],
		Cluster:   types.ClusterID(labels[2]),
		Port:      port,
	}
	if err := route.Check(); err != nil {
		return types.CrossClusterRoute{}, trace.Wrap(err)
	}
	return route, nil
}

// Select resolves the route's candidates and picks one. An empty
// candidate set fails with ErrNoEndpoints rather than guessing.
func (t *Table) Select(ctx context.Context, route types.CrossClusterRoute) (Target, error) {
	endpoints, err := t.cfg.Resolver.Resolve(ctx, route)
	if err != nil {
		return Target{}, trace.Wrap(err)
	}
	if len(endpoints) == 0 {
		return Target{}, trace.Wrap(ErrNoEndpoints, "service %s/%s in cluster %q has no endpoints",
			route.Namespace, route.Service, route.Cluster)
	}

	key := RouteKey(route.String())
	candidates := make([]Candidate, 0, len(endpoints))
	for _, endpoint := range endpoints {
		candidates = append(candidates, Candidate{
			Endpoint: endpoint,
			Stats:    t.cfg.Stats.For(key, endpoint),
		})
	}
	picked, err := t.cfg.Balancer.Pick(key, candidates)
	if err != nil {
		return Target{}, trace.Wrap(err)
	}
	return Target{Route: route, Endpoint: picked.Endpoint, Stats: picked.Stats}, nil
}

// Stats exposes the registry so the traffic router can report
// outcomes for targets it carried to completion.
func (t *Table) Stats() *Stats {
	return t.cfg.Stats
}
