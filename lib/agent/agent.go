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

// Package agent runs the always-on duties of a mesh node: it hosts the
// discovery server peers query, keeps this cluster's directory record
// published, follows local service changes, and serves a read-only
// admin endpoint.
package agent

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/directory"
	"github.com/meshport/meshport/lib/discovery"
	"github.com/meshport/meshport/lib/peering"
	"github.com/meshport/meshport/lib/scanner"
	"github.com/meshport/meshport/lib/transport"
)

// PeerStatusSource reports the cluster connection table.
// *peering.Manager implements it.
type PeerStatusSource interface {
	Status() []peering.Status
}

// DiscoveryView reports what discovery learned about remote clusters.
// *discovery.Manager implements it.
type DiscoveryView interface {
	CacheContents() []discovery.CacheEntry
	Clusters() []types.ClusterInfo
}

// Config holds the dependencies of an Agent.
type Config struct {
	// Cluster is the identifier of the cluster this agent serves.
	Cluster types.ClusterID
	// Endpoint accepts inbound mesh connections.
	Endpoint transport.Endpoint
	// Directory is where the agent publishes this cluster's contact
	// record.
	Directory directory.Directory
	// Scanner enumerates the local services the agent answers for.
	Scanner scanner.Scanner
	// Advertised is the contact record published to the directory and
	// spread in discovery answer metadata.
	Advertised types.NodeAddr
	// Authorize gates discovery queries from peers. Nil allows
	// everything.
	Authorize discovery.AuthorizeFunc
	// StreamHandlers serve the non-discovery stream kinds this node
	// accepts, the data plane in particular.
	StreamHandlers map[string]discovery.StreamHandler
	// AdminListener serves the read-only admin endpoint. Nil disables
	// it. The agent owns the listener and closes it on shutdown.
	AdminListener net.Listener
	// Peers enriches the status payload with the connection table.
	// Optional.
	Peers PeerStatusSource
	// Cache enriches the status payload with the discovery cache and
	// the known clusters. Optional.
	Cache DiscoveryView
	// PublishInterval is how often the directory record is republished.
	PublishInterval time.Duration
	// RefreshInterval is how often local services are rescanned between
	// watch events.
	RefreshInterval time.Duration
	// Clock drives the publish and refresh loops.
	Clock clockwork.Clock
	// Log emits agent events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Cluster.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Endpoint == nil {
		return trace.BadParameter("agent needs a transport endpoint")
	}
	if c.Directory == nil {
		return trace.BadParameter("agent needs a directory")
	}
	if c.Scanner == nil {
		return trace.BadParameter("agent needs a scanner")
	}
	if err := c.Advertised.Check(); err != nil {
		return trace.Wrap(err, "invalid advertised address")
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = defaults.PublishInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.ServiceRefreshInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentAgent)
	}
	return nil
}

// Agent wires the discovery server, the directory heartbeat, the
// service refresh loop and the admin endpoint into one runnable unit.
type Agent struct {
	cfg     Config
	metrics *agentMetrics
	server  *discovery.Server

	mu       sync.Mutex
	services []types.ServiceInfo
	scanned  time.Time
}

// New returns an Agent ready for Run. The discovery server is built
// here so handler registration failures surface before anything starts.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newAgentMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	server, err := discovery.NewServer(discovery.ServerConfig{
		Cluster:    cfg.Cluster,
		Endpoint:   cfg.Endpoint,
		Scanner:    cfg.Scanner,
		Advertised: cfg.Advertised,
		Authorize:  cfg.Authorize,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for kind, handler := range cfg.StreamHandlers {
		if err := server.RegisterHandler(kind, handler); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &Agent{
		cfg:     cfg,
		metrics: metrics,
		server:  server,
	}, nil
}

// Run serves until ctx is cancelled or one of the agent's loops fails.
// It always returns nil on a clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.cfg.Log.InfoContext(ctx, "Starting the mesh agent.",
		"cluster", a.cfg.Cluster,
		"node", a.cfg.Endpoint.NodeID().Short(),
	)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return trace.Wrap(a.serveMesh(ctx)) })
	group.Go(func() error { return trace.Wrap(a.publishLoop(ctx)) })
	group.Go(func() error { return trace.Wrap(a.refreshLoop(ctx)) })
	if a.cfg.AdminListener != nil {
		group.Go(func() error { return trace.Wrap(a.serveAdmin(ctx)) })
	}
	return trace.Wrap(group.Wait())
}

// serveMesh runs the discovery server and tears it down when ctx ends.
func (a *Agent) serveMesh(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve() }()
	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}
	if err := a.server.Close(); err != nil {
		a.cfg.Log.WarnContext(ctx, "Closing the discovery server failed.", "error", err)
	}
	<-errCh
	return nil
}

// publishLoop republishes the directory record on a fixed cadence. The
// first publish happens immediately so a fresh cluster is resolvable
// without waiting a full interval.
func (a *Agent) publishLoop(ctx context.Context) error {
	a.publish(ctx)
	ticker := a.cfg.Clock.NewTicker(a.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			a.publish(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// publish pushes the contact record once. Failures are logged and
// counted, not returned: the next tick is the retry.
func (a *Agent) publish(ctx context.Context) {
	if err := a.cfg.Directory.Publish(ctx, a.cfg.Cluster, a.cfg.Advertised); err != nil {
		a.metrics.reportPublish(false)
		a.cfg.Log.WarnContext(ctx, "Publishing the directory record failed.", "error", err)
		return
	}
	a.metrics.reportPublish(true)
	a.cfg.Log.DebugContext(ctx, "Published the directory record.", "cluster", a.cfg.Cluster)
}

// refreshLoop keeps the local service snapshot current. Watch events
// update it at once and invalidate the matching discovery server scan;
// the periodic rescan covers anything the watch missed.
func (a *Agent) refreshLoop(ctx context.Context) error {
	events, err := a.cfg.Scanner.WatchChanges(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	a.refresh(ctx)
	ticker := a.cfg.Clock.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			a.handleEvent(ctx, event)
		case <-ticker.Chan():
			a.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, event scanner.Event) {
	// Peers asking about this service must reach the scanner again, not
	// a scan taken before the change.
	a.server.ForgetScan(event.Service.Name, event.Service.Namespace)

	a.mu.Lock()
	switch event.Type {
	case scanner.EventPut:
		a.putLocked(event.Service)
	case scanner.EventDelete:
		a.deleteLocked(event.Service)
	}
	count := len(a.services)
	a.mu.Unlock()

	a.metrics.reportEvent(string(event.Type))
	a.metrics.setServices(count)
	a.cfg.Log.DebugContext(ctx, "Local service changed.",
		"event", event.Type,
		"service", event.Service.String(),
	)
}

func (a *Agent) putLocked(info types.ServiceInfo) {
	for i, svc := range a.services {
		if svc.Name == info.Name && svc.Namespace == info.Namespace {
			a.services[i] = info
			return
		}
	}
	a.services = append(a.services, info)
	slices.SortFunc(a.services, compareServices)
}

func (a *Agent) deleteLocked(info types.ServiceInfo) {
	a.services = slices.DeleteFunc(a.services, func(svc types.ServiceInfo) bool {
		return svc.Name == info.Name && svc.Namespace == info.Namespace
	})
}

func compareServices(a, b types.ServiceInfo) int {
	if c := strings.Compare(a.Namespace, b.Namespace); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

// refresh replaces the snapshot with a full rescan.
func (a *Agent) refresh(ctx context.Context) {
	services, err := a.cfg.Scanner.ListServices(ctx, "")
	if err != nil {
		a.cfg.Log.WarnContext(ctx, "Rescanning local services failed.", "error", err)
		return
	}
	a.mu.Lock()
	a.services = services
	a.scanned = a.cfg.Clock.Now()
	a.mu.Unlock()
	a.metrics.setServices(len(services))
	a.cfg.Log.DebugContext(ctx, "Rescanned local services.", "count", len(services))
}

// localServices returns a copy of the snapshot and when it was taken.
func (a *Agent) localServices() ([]types.ServiceInfo, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.services), a.scanned
}
