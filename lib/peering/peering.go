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

// Package peering maintains at most one transport connection per remote
// cluster. It resolves directory records with backoff, collapses
// concurrent establishment attempts into a single dial, pins each
// cluster's node identity for the lifetime of the process and closes
// connections that sit idle.
package peering

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/api/utils/retryutils"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/directory"
	"github.com/meshport/meshport/lib/transport"
)

// State is where a cluster's connection record is in its lifecycle.
type State int

const (
	// StateIdle is a record that exists but was never dialed.
	StateIdle State = iota
	// StateResolving means a directory lookup is in progress.
	StateResolving
	// StateConnecting means the transport dial is in progress.
	StateConnecting
	// StateRelayed means the connection is live on the relayed path.
	StateRelayed
	// StateDirect means the connection is live on the direct path.
	StateDirect
	// StateClosed means the record has no live connection. The next
	// request for the cluster re-establishes.
	StateClosed
)

// String returns the state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelayed:
		return "relayed"
	case StateDirect:
		return "direct"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func stateForQuality(q transport.Quality) State {
	if q == transport.QualityDirect {
		return StateDirect
	}
	return StateRelayed
}

// Status is one cluster's entry in the manager's connection table.
type Status struct {
	// Cluster is the remote cluster id.
	Cluster types.ClusterID
	// State is the record's lifecycle state.
	State State
	// Quality is the connection path while the record is live, empty
	// otherwise.
	Quality transport.Quality
	// NodeID is the pinned peer identity, empty until the first
	// successful handshake.
	NodeID types.NodeID
	// LastActive is when the connection was last handed to a caller.
	LastActive time.Time
}

// Config holds the manager dependencies and tunables.
type Config struct {
	// LocalCluster is this cluster's id. Requests for it are rejected,
	// local traffic never goes through the mesh.
	LocalCluster types.ClusterID
	// Endpoint is the transport endpoint connections are dialed from.
	Endpoint transport.Endpoint
	// Directory resolves cluster ids to contact records.
	Directory directory.Directory
	// DialTimeout bounds a single transport connect, both paths included.
	DialTimeout time.Duration
	// IdleTimeout is how long an unused connection survives before the
	// sweeper closes it.
	IdleTimeout time.Duration
	// SweepInterval is how often the sweeper looks for idle connections.
	SweepInterval time.Duration
	// ResolveRetryAttempts caps directory lookups per establishment.
	ResolveRetryAttempts int
	// ResolveRetryStep is the base of the backoff between lookups.
	ResolveRetryStep time.Duration
	// ResolveRetryMax caps the backoff between lookups.
	ResolveRetryMax time.Duration
	// Clock paces retries and idle tracking. Tests swap it.
	Clock clockwork.Clock
	// Log emits manager events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.LocalCluster.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Endpoint == nil {
		return trace.BadParameter("missing transport endpoint")
	}
	if c.Directory == nil {
		return trace.BadParameter("missing directory")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.ConnectionIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.ConnectionSweepInterval
	}
	if c.ResolveRetryAttempts <= 0 {
		c.ResolveRetryAttempts = defaults.ResolveRetryAttempts
	}
	if c.ResolveRetryStep <= 0 {
		c.ResolveRetryStep = defaults.ResolveRetryStep
	}
	if c.ResolveRetryMax <= 0 {
		c.ResolveRetryMax = defaults.ResolveRetryMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentPeering)
	}
	return nil
}

// record tracks one remote cluster. All fields are guarded by the
// manager mutex.
type record struct {
	cluster    types.ClusterID
	state      State
	conn       transport.Connection
	nodeID     types.NodeID
	lastActive time.Time
}

// Manager owns the cluster connection table.
type Manager struct {
	cfg     Config
	metrics *managerMetrics
	flights singleflight.Group

	mu      sync.Mutex
	records map[types.ClusterID]*record
	pins    map[types.ClusterID]types.NodeID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager validates the config and starts the idle sweeper.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newManagerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		metrics: metrics,
		records: make(map[types.ClusterID]*record),
		pins:    make(map[types.ClusterID]types.NodeID),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

// GetConnection returns the live connection to cluster, establishing one
// if needed. Concurrent calls for the same cluster share a single
// establishment attempt; a caller whose ctx expires stops waiting
// without aborting the shared attempt.
func (m *Manager) GetConnection(ctx context.Context, cluster types.ClusterID) (transport.Connection, error) {
	if err := cluster.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cluster == m.cfg.LocalCluster {
		return nil, trace.BadParameter("cluster %q is the local cluster", cluster)
	}

	if conn := m.reuse(cluster); conn != nil {
		return conn, nil
	}

	ch := m.flights.DoChan(string(cluster), func() (any, error) {
		conn, err := m.establish(cluster)
		return conn, trace.Wrap(err)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, trace.Wrap(res.Err)
		}
		return res.Val.(transport.Connection), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case <-m.ctx.Done():
		return nil, trace.ConnectionProblem(nil, "peering manager is closed")
	}
}

// reuse returns the live connection for cluster, touching its idle
// clock, or nil when the cluster needs establishment. A path upgrade the
// transport performed since the last call is folded into the record
// here, and a connection whose peer went away is evicted so the caller
// re-establishes instead of hammering a dead link.
func (m *Manager) reuse(cluster types.ClusterID) transport.Connection {
	m.mu.Lock()
	rec := m.records[cluster]
	if rec == nil || rec.conn == nil || (rec.state != StateRelayed && rec.state != StateDirect) {
		m.mu.Unlock()
		return nil
	}
	select {
	case <-rec.conn.Done():
		conn, node := rec.conn, rec.nodeID
		rec.conn = nil
		m.transition(rec, StateClosed)
		m.mu.Unlock()
		conn.Close()
		m.cfg.Log.InfoContext(m.ctx, "Cluster connection died.",
			"cluster", cluster, "node", node.Short())
		return nil
	default:
	}
	rec.lastActive = m.cfg.Clock.Now()
	if rec.state == StateRelayed && rec.conn.Quality() == transport.QualityDirect {
		m.transition(rec, StateDirect)
		m.metrics.reportUpgrade()
		m.cfg.Log.InfoContext(m.ctx, "Connection upgraded to the direct path.",
			"cluster", rec.cluster, "node", rec.nodeID.Short())
	}
	conn := rec.conn
	m.mu.Unlock()
	return conn
}

// establish runs inside the singleflight and is bounded by the manager
// lifetime, not by any single caller.
func (m *Manager) establish(cluster types.ClusterID) (transport.Connection, error) {
	// A racing caller may have finished establishment between the fast
	// path check and the flight starting.
	if conn := m.reuse(cluster); conn != nil {
		return conn, nil
	}
	start := m.cfg.Clock.Now()
	m.beginRecord(cluster)

	addr, err := m.resolve(cluster)
	if err != nil {
		m.setState(cluster, StateClosed)
		m.metrics.reportDialError(errorResolve)
		return nil, trace.Wrap(err)
	}

	if pinned, ok := m.pinned(cluster); ok && pinned != addr.NodeID {
		m.setState(cluster, StateClosed)
		m.metrics.reportDialError(errorIdentity)
		return nil, trace.Wrap(transport.ErrIdentityMismatch,
			"cluster %q record moved from node %v to %v",
			cluster, pinned.Short(), addr.NodeID.Short())
	}

	m.setState(cluster, StateConnecting)
	dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := m.cfg.Endpoint.Connect(dialCtx, addr.NodeID, addr)
	if err != nil {
		m.setState(cluster, StateClosed)
		if transport.IsIdentityMismatch(err) {
			m.metrics.reportDialError(errorIdentity)
		} else {
			m.metrics.reportDialError(errorDial)
		}
		return nil, trace.Wrap(err)
	}

	if err := m.commit(cluster, conn); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	m.metrics.reportEstablish(string(conn.Quality()), m.cfg.Clock.Since(start).Seconds())
	m.cfg.Log.InfoContext(m.ctx, "Established cluster connection.",
		"cluster", cluster, "node", conn.RemoteNodeID().Short(), "path", conn.Quality())
	return conn, nil
}

// resolve looks the cluster up in the directory, retrying with
// exponential backoff. The first attempt fires immediately.
func (m *Manager) resolve(cluster types.ClusterID) (types.NodeAddr, error) {
	retry, err := retryutils.NewRetryV2(retryutils.RetryV2Config{
		Driver: retryutils.NewExponentialDriver(m.cfg.ResolveRetryStep),
		Max:    m.cfg.ResolveRetryMax,
		Jitter: retryutils.HalfJitter,
		Clock:  m.cfg.Clock,
	})
	if err != nil {
		return types.NodeAddr{}, trace.Wrap(err)
	}

	var errs []error
	for attempt := range m.cfg.ResolveRetryAttempts {
		select {
		case <-retry.After():
			retry.Inc()
		case <-m.ctx.Done():
			return types.NodeAddr{}, trace.Wrap(m.ctx.Err())
		}

		addr, err := m.cfg.Directory.Resolve(m.ctx, cluster)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
		m.cfg.Log.DebugContext(m.ctx, "Directory lookup failed.",
			"cluster", cluster, "attempt", attempt+1, "error", err)
	}
	return types.NodeAddr{}, trace.ConnectionProblem(trace.NewAggregate(errs...),
		"cluster %q is unreachable, %d directory lookups failed",
		cluster, m.cfg.ResolveRetryAttempts)
}

func (m *Manager) beginRecord(cluster types.ClusterID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[cluster]
	if rec == nil {
		rec = &record{cluster: cluster, state: StateResolving}
		m.records[cluster] = rec
		m.metrics.incState(StateResolving)
		return
	}
	m.transition(rec, StateResolving)
}

func (m *Manager) setState(cluster types.ClusterID, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.records[cluster]; rec != nil {
		m.transition(rec, to)
	}
}

// transition moves rec between states and keeps the state gauge in sync.
// Callers hold the manager mutex.
func (m *Manager) transition(rec *record, to State) {
	if rec.state == to {
		return
	}
	m.metrics.decState(rec.state)
	m.metrics.incState(to)
	rec.state = to
}

func (m *Manager) pinned(cluster types.ClusterID) (types.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pins[cluster]
	return id, ok
}

// commit stores the established connection and pins the verified peer
// identity. The pin outlives the connection and any directory record.
func (m *Manager) commit(cluster types.ClusterID, conn transport.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return trace.ConnectionProblem(nil, "peering manager is closed")
	}
	rec := m.records[cluster]
	m.pins[cluster] = conn.RemoteNodeID()
	rec.conn = conn
	rec.nodeID = conn.RemoteNodeID()
	rec.lastActive = m.cfg.Clock.Now()
	m.transition(rec, stateForQuality(conn.Quality()))
	return nil
}

// Forget drops the identity pin and all connection state for cluster.
// It is the operator's escape hatch after a legitimate identity change,
// such as a cluster rebuilt from scratch.
func (m *Manager) Forget(cluster types.ClusterID) {
	m.mu.Lock()
	var conn transport.Connection
	if rec := m.records[cluster]; rec != nil {
		conn = rec.conn
		m.metrics.decState(rec.state)
		delete(m.records, cluster)
	}
	delete(m.pins, cluster)
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Status returns a snapshot of the connection table sorted by cluster.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		s := Status{
			Cluster:    rec.cluster,
			State:      rec.state,
			NodeID:     rec.nodeID,
			LastActive: rec.lastActive,
		}
		switch rec.state {
		case StateRelayed:
			s.Quality = transport.QualityRelayed
		case StateDirect:
			s.Quality = transport.QualityDirect
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Status) int {
		return cmp.Compare(a.Cluster, b.Cluster)
	})
	return out
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.sweepIdle()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	type victim struct {
		cluster types.ClusterID
		idle    time.Duration
		conn    transport.Connection
	}
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	var victims []victim
	for _, rec := range m.records {
		if rec.conn == nil {
			continue
		}
		idle := now.Sub(rec.lastActive)
		if idle < m.cfg.IdleTimeout {
			continue
		}
		victims = append(victims, victim{cluster: rec.cluster, idle: idle, conn: rec.conn})
		rec.conn = nil
		m.transition(rec, StateClosed)
	}
	m.mu.Unlock()

	for _, v := range victims {
		v.conn.Close()
		m.cfg.Log.InfoContext(m.ctx, "Closed idle cluster connection.",
			"cluster", v.cluster, "idle", v.idle)
	}
}

// Close stops the sweeper and closes every connection. In-flight
// establishments are aborted.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	var conns []transport.Connection
	for _, rec := range m.records {
		if rec.conn != nil {
			conns = append(conns, rec.conn)
			rec.conn = nil
			m.transition(rec, StateClosed)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
