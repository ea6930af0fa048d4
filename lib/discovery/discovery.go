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

// Package discovery resolves cross-cluster routes to service endpoints.
//
// The Manager is the query side: it answers "which endpoints back
// cluster C's service ns/svc" from the local scanner when C is this
// cluster, from a TTL cache when the route was queried recently, and
// otherwise by asking C's agent over the mesh. The Server is the
// answer side: it serves those queries against the local scanner and
// multiplexes the other stream kinds carried by peer connections.
package discovery

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/scanner"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/wire"
)

// ConnectionGetter hands out an established connection to a peer
// cluster, dialing one if needed. *peering.Manager implements it.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, cluster types.ClusterID) (transport.Connection, error)
}

// CacheEntry is one cached remote discovery result, exposed through
// CacheContents for the agent's status surface.
type CacheEntry struct {
	Route     types.CrossClusterRoute `json:"route"`
	Endpoints []types.ServiceEndpoint `json:"endpoints,omitempty"`
	Protocol  string                  `json:"protocol,omitempty"`
	Metadata  map[string]string       `json:"metadata,omitempty"`
	Expires   time.Time               `json:"expires"`
}

// Config holds the dependencies of a Manager.
type Config struct {
	// LocalCluster is the identifier of the cluster this node runs in.
	// Routes addressed to it are answered by Scanner alone.
	LocalCluster types.ClusterID
	// Scanner lists the services of the local cluster.
	Scanner scanner.Scanner
	// Connections dials peer clusters.
	Connections ConnectionGetter
	// CacheTTL bounds the staleness of cached remote results.
	CacheTTL time.Duration
	// RequestTimeout bounds one remote query, stream open included.
	RequestTimeout time.Duration
	// Clock drives cache expiry.
	Clock clockwork.Clock
	// Log emits discovery events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.LocalCluster.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Scanner == nil {
		return trace.BadParameter("discovery manager needs a scanner")
	}
	if c.Connections == nil {
		return trace.BadParameter("discovery manager needs a connection getter")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.DiscoveryCacheTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.DiscoveryRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentDiscovery)
	}
	return nil
}

// Manager resolves routes to endpoints and remembers what it learned.
// It keeps no background goroutines; expired cache entries are simply
// skipped and overwritten by the next query.
type Manager struct {
	cfg     Config
	metrics *managerMetrics

	flights singleflight.Group

	mu       sync.Mutex
	cache    map[types.CrossClusterRoute]CacheEntry
	clusters map[types.ClusterID]types.ClusterInfo
}

// NewManager returns a Manager with an empty cache.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newManagerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:      cfg,
		metrics:  metrics,
		cache:    make(map[types.CrossClusterRoute]CacheEntry),
		clusters: make(map[types.ClusterID]types.ClusterInfo),
	}, nil
}

// Resolve returns the endpoints backing the route. Local routes hit
// the scanner directly, remote ones are answered from cache inside the
// TTL and by querying the target cluster's agent otherwise. Concurrent
// calls for the same route share one in-flight query.
//
// A remote cluster that does not run the service yields trace.NotFound
// and the miss is not cached. A cluster that cannot be reached or
// answers garbage yields an error and leaves any previous cache entry
// in place until it expires.
func (m *Manager) Resolve(ctx context.Context, route types.CrossClusterRoute) ([]types.ServiceEndpoint, error) {
	if err := route.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	if route.Cluster == m.cfg.LocalCluster {
		endpoints, err := m.resolveLocal(ctx, route)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.metrics.reportLookup(resultLocal)
		return endpoints, nil
	}

	if entry, ok := m.cached(route); ok {
		m.metrics.reportLookup(resultCached)
		return entry.Endpoints, nil
	}

	ch := m.flights.DoChan(route.String(), func() (any, error) {
		// A caller that queued behind the flight's winner may find the
		// cache already filled.
		if entry, ok := m.cached(route); ok {
			m.metrics.reportLookup(resultCached)
			return entry.Endpoints, nil
		}
		endpoints, err := m.query(route)
		return endpoints, trace.Wrap(err)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, trace.Wrap(res.Err)
		}
		return res.Val.([]types.ServiceEndpoint), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// resolveLocal answers a route addressed to this cluster from the
// scanner. No cache and no network are involved.
func (m *Manager) resolveLocal(ctx context.Context, route types.CrossClusterRoute) ([]types.ServiceEndpoint, error) {
	endpoints, err := m.cfg.Scanner.ListEndpoints(ctx, route.Service, route.Namespace)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return endpoints, nil
}

// cached returns a clone of the unexpired cache entry for the route.
func (m *Manager) cached(route types.CrossClusterRoute) (CacheEntry, bool) {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[route]
	if !ok || !entry.Expires.After(now) {
		return CacheEntry{}, false
	}
	return cloneEntry(entry), true
}

// query asks the route's cluster over the mesh and installs the answer
// into the cache and the cluster registry. It runs inside a
// singleflight and is bounded by RequestTimeout rather than by any one
// caller's context, so a winner's cancellation cannot starve the
// callers sharing its flight.
func (m *Manager) query(route types.CrossClusterRoute) ([]types.ServiceEndpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	start := m.cfg.Clock.Now()
	answer, err := m.exchange(ctx, route)
	if err != nil {
		m.metrics.reportLookup(resultError)
		return nil, trace.Wrap(err)
	}
	m.metrics.observeQuery(m.cfg.Clock.Since(start).Seconds())

	if answer.NotFound {
		m.metrics.reportLookup(resultNotFound)
		return nil, trace.NotFound("service %s/%s is not in cluster %q",
			route.Namespace, route.Service, route.Cluster)
	}
	for _, endpoint := range answer.Endpoints {
		if err := endpoint.Check(); err != nil {
			m.metrics.reportLookup(resultError)
			return nil, trace.BadParameter("cluster %q answered with an invalid endpoint: %v",
				route.Cluster, err)
		}
	}

	endpoints := slices.Clone(answer.Endpoints)
	applyWeights(endpoints, answer.Metadata)

	entry := CacheEntry{
		Route:     route,
		Endpoints: endpoints,
		Protocol:  answer.Protocol,
		Metadata:  answer.Metadata,
		Expires:   m.cfg.Clock.Now().Add(m.cfg.CacheTTL),
	}
	m.mu.Lock()
	m.cache[route] = entry
	m.mu.Unlock()
	m.recordCluster(ctx, route.Cluster, answer.Metadata)

	m.metrics.reportLookup(resultRemote)
	m.cfg.Log.DebugContext(ctx, "Refreshed discovery cache.",
		"route", route.String(),
		"endpoints", len(endpoints),
		"protocol", answer.Protocol,
	)
	return slices.Clone(endpoints), nil
}

// exchange performs one discovery round trip on a fresh stream.
func (m *Manager) exchange(ctx context.Context, route types.CrossClusterRoute) (wire.Answer, error) {
	conn, err := m.cfg.Connections.GetConnection(ctx, route.Cluster)
	if err != nil {
		return wire.Answer{}, trace.Wrap(err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return wire.Answer{}, trace.Wrap(err)
	}
	defer stream.Close()
	if err := stream.SetDeadline(time.Now().Add(m.cfg.RequestTimeout)); err != nil {
		return wire.Answer{}, trace.ConnectionProblem(err, "arming the discovery stream deadline")
	}

	header := wire.StreamHeader{Kind: wire.KindDiscovery}
	if err := wire.WriteFrame(stream, defaults.MaxDiscoveryFrameSize, header); err != nil {
		return wire.Answer{}, trace.Wrap(err)
	}
	query := wire.Query{Service: route.Service, Namespace: route.Namespace}
	if err := wire.WriteFrame(stream, defaults.MaxDiscoveryFrameSize, query); err != nil {
		return wire.Answer{}, trace.Wrap(err)
	}

	var answer wire.Answer
	if err := wire.ReadFrame(stream, defaults.MaxDiscoveryFrameSize, &answer); err != nil {
		return wire.Answer{}, trace.Wrap(err)
	}
	return answer, nil
}

// recordCluster replaces the registry record for the cluster with the
// contact details the answer carried. An answer without a usable node
// id leaves the previous record alone.
func (m *Manager) recordCluster(ctx context.Context, cluster types.ClusterID, metadata map[string]string) {
	if claimed := metadata[wire.MetaCluster]; claimed != "" && claimed != string(cluster) {
		m.cfg.Log.DebugContext(ctx, "Discovery answer claims a different cluster, keeping the old record.",
			"cluster", cluster, "claimed", claimed)
		return
	}
	node := types.NodeID(metadata[wire.MetaNode])
	if node.Check() != nil {
		return
	}
	info := types.ClusterInfo{
		ID:        cluster,
		NodeID:    node,
		RelayAddr: metadata[wire.MetaRelay],
	}
	if addrs := metadata[wire.MetaDirectAddrs]; addrs != "" {
		info.DirectAddrs = strings.Split(addrs, ",")
	}
	m.mu.Lock()
	m.clusters[cluster] = info
	m.mu.Unlock()
}

// ClusterInfo returns the last recorded contact details of a cluster.
func (m *Manager) ClusterInfo(cluster types.ClusterID) (types.ClusterInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.clusters[cluster]
	if !ok {
		return types.ClusterInfo{}, trace.NotFound("cluster %q has not been discovered", cluster)
	}
	return info.Clone(), nil
}

// Clusters returns every recorded cluster, ordered by id.
func (m *Manager) Clusters() []types.ClusterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]types.ClusterInfo, 0, len(m.clusters))
	for _, info := range m.clusters {
		infos = append(infos, info.Clone())
	}
	slices.SortFunc(infos, func(a, b types.ClusterInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// CacheContents returns the unexpired cache entries, ordered by route.
func (m *Manager) CacheContents() []CacheEntry {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]CacheEntry, 0, len(m.cache))
	for _, entry := range m.cache {
		if !entry.Expires.After(now) {
			continue
		}
		entries = append(entries, cloneEntry(entry))
	}
	slices.SortFunc(entries, func(a, b CacheEntry) int {
		return cmp.Compare(a.Route.String(), b.Route.String())
	})
	return entries
}

func cloneEntry(entry CacheEntry) CacheEntry {
	entry.Endpoints = slices.Clone(entry.Endpoints)
	entry.Metadata = maps.Clone(entry.Metadata)
	return entry
}

// applyWeights copies balancing weights from answer metadata onto the
// endpoints they name. Unparsable and zero weights are skipped.
func applyWeights(endpoints []types.ServiceEndpoint, metadata map[string]string) {
	for i := range endpoints {
		raw, ok := metadata[wire.MetaWeightPrefix+endpoints[i].HostPort()]
		if !ok {
			continue
		}
		weight, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || weight == 0 {
			continue
		}
		endpoints[i].Weight = uint32(weight)
	}
}
