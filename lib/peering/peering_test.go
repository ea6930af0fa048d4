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

package peering

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/directory"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/transport/transporttest"
)

type env struct {
	mesh   *transporttest.Mesh
	local  *transporttest.Endpoint
	remote *transporttest.Endpoint
	dir    *directory.Memory
	clock  *clockwork.FakeClock
	mgr    *Manager
}

func newEnv(t *testing.T, mutate func(cfg *Config)) *env {
	t.Helper()
	mesh := transporttest.NewMesh()
	local, err := mesh.NewEndpoint()
	require.NoError(t, err)
	remote, err := mesh.NewEndpoint()
	require.NoError(t, err)

	e := &env{
		mesh:   mesh,
		local:  local,
		remote: remote,
		dir:    directory.NewMemory(),
		clock:  clockwork.NewFakeClock(),
	}
	cfg := Config{
		LocalCluster:     "east",
		Endpoint:         local,
		Directory:        e.dir,
		Clock:            e.clock,
		ResolveRetryStep: time.Second,
		ResolveRetryMax:  5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.mgr, err = NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.mgr.Close()) })
	return e
}

func (e *env) publish(t *testing.T, cluster types.ClusterID, ep *transporttest.Endpoint) {
	t.Helper()
	require.NoError(t, e.dir.Publish(context.Background(), cluster, ep.NodeAddr()))
}

func statusFor(t *testing.T, mgr *Manager, cluster types.ClusterID) Status {
	t.Helper()
	for _, s := range mgr.Status() {
		if s.Cluster == cluster {
			return s
		}
	}
	t.Fatalf("no status entry for cluster %q", cluster)
	return Status{}
}

func TestEstablishAndReuse(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, e.remote.NodeID(), conn.RemoteNodeID())
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))

	again, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Same(t, conn, again)
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))

	status := statusFor(t, e.mgr, "west")
	require.Equal(t, StateDirect, status.State)
	require.Equal(t, transport.QualityDirect, status.Quality)
	require.Equal(t, e.remote.NodeID(), status.NodeID)
}

func TestGetConnectionValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.mgr.GetConnection(ctx, "")
	require.True(t, trace.IsBadParameter(err))

	_, err = e.mgr.GetConnection(ctx, "bad/cluster")
	require.True(t, trace.IsBadParameter(err))

	_, err = e.mgr.GetConnection(ctx, "east")
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "local")
}

// gateDirectory blocks resolution until the gate is closed, so a test
// can hold many callers inside one establishment attempt.
type gateDirectory struct {
	inner directory.Directory
	gate  chan struct{}
	calls atomic.Int32
}

func (d *gateDirectory) Publish(ctx context.Context, id types.ClusterID, addr types.NodeAddr) error {
	return d.inner.Publish(ctx, id, addr)
}

func (d *gateDirectory) Resolve(ctx context.Context, id types.ClusterID) (types.NodeAddr, error) {
	d.calls.Add(1)
	select {
	case <-d.gate:
	case <-ctx.Done():
		return types.NodeAddr{}, trace.Wrap(ctx.Err())
	}
	return d.inner.Resolve(ctx, id)
}

func TestConcurrentCallersShareOneDial(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	gated := &gateDirectory{gate: gate}
	e := newEnv(t, func(cfg *Config) {
		gated.inner = cfg.Directory
		cfg.Directory = gated
	})
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	type result struct {
		conn transport.Connection
		err  error
	}
	const callers = 5
	results := make(chan result, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := e.mgr.GetConnection(ctx, "west")
			results <- result{conn: conn, err: err}
		}()
	}
	close(gate)
	wg.Wait()
	close(results)

	var first transport.Connection
	for res := range results {
		require.NoError(t, res.err)
		if first == nil {
			first = res.conn
			continue
		}
		require.Same(t, first, res.conn)
	}
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))
	require.Equal(t, int32(1), gated.calls.Load())
}

func TestResolveRetriesUntilPublished(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	type result struct {
		conn transport.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := e.mgr.GetConnection(context.Background(), "west")
		done <- result{conn: conn, err: err}
	}()

	// The first lookup fails immediately; the second waits on the
	// retry timer alongside the sweeper's ticker.
	e.clock.BlockUntil(2)
	e.publish(t, "west", e.remote)
	e.clock.Advance(time.Second)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, e.remote.NodeID(), res.conn.RemoteNodeID())
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))
}

func TestResolveExhaustion(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.ResolveRetryAttempts = 2
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.mgr.GetConnection(context.Background(), "west")
		done <- err
	}()

	e.clock.BlockUntil(2)
	e.clock.Advance(time.Second)

	err := <-done
	require.True(t, trace.IsConnectionProblem(err))
	require.ErrorContains(t, err, "unreachable")
	require.Equal(t, 0, e.mesh.DialCount(e.remote.NodeID()))
	require.Equal(t, StateClosed, statusFor(t, e.mgr, "west").State)
}

func TestDialFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	e.mesh.SetConnectErr(e.remote.NodeID(), trace.ConnectionProblem(nil, "connection refused"))
	_, err := e.mgr.GetConnection(ctx, "west")
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))
	require.Equal(t, StateClosed, statusFor(t, e.mgr, "west").State)

	// The next request starts a fresh attempt.
	e.mesh.SetConnectErr(e.remote.NodeID(), nil)
	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, e.remote.NodeID(), conn.RemoteNodeID())
	require.Equal(t, 2, e.mesh.DialCount(e.remote.NodeID()))
}

func TestDeadConnectionReplaced(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))

	// The remote side tears its half down, as a crashed peer would.
	accepted, err := e.remote.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, accepted.Close())

	// The dead connection is evicted instead of being handed out again.
	fresh, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.NotSame(t, conn, fresh)
	require.Equal(t, 2, e.mesh.DialCount(e.remote.NodeID()))
	require.Equal(t, StateDirect, statusFor(t, e.mgr, "west").State)
}

func TestIdleSweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.IdleTimeout = time.Minute
		cfg.SweepInterval = time.Second
	})
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, 1, e.mesh.DialCount(e.remote.NodeID()))

	// Halfway through the idle window a request touches the record
	// and restarts the clock.
	e.clock.Advance(30 * time.Second)
	again, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Same(t, conn, again)

	e.clock.Advance(45 * time.Second)
	require.Never(t, func() bool {
		return statusFor(t, e.mgr, "west").State == StateClosed
	}, 300*time.Millisecond, 25*time.Millisecond)

	e.clock.Advance(20 * time.Second)
	require.Eventually(t, func() bool {
		return statusFor(t, e.mgr, "west").State == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	_, err = conn.OpenStream(ctx)
	require.Error(t, err)

	// The next request re-establishes.
	fresh, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, e.remote.NodeID(), fresh.RemoteNodeID())
	require.Equal(t, 2, e.mesh.DialCount(e.remote.NodeID()))
}

func TestIdentityPinSurvivesRecordChange(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(cfg *Config) {
		cfg.IdleTimeout = time.Minute
		cfg.SweepInterval = time.Second
	})
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, e.remote.NodeID(), conn.RemoteNodeID())

	// Sweep the connection away so the next request goes through
	// establishment again. The sweeper must be on its ticker before the
	// advance, otherwise the tick is lost to startup.
	e.clock.BlockUntil(1)
	e.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return statusFor(t, e.mgr, "west").State == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	// The directory record now claims a different node owns the
	// cluster. The pin blocks the dial outright.
	imposter, err := e.mesh.NewEndpoint()
	require.NoError(t, err)
	e.publish(t, "west", imposter)

	_, err = e.mgr.GetConnection(ctx, "west")
	require.Error(t, err)
	require.True(t, transport.IsIdentityMismatch(err))
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, 0, e.mesh.DialCount(imposter.NodeID()))
	require.Equal(t, e.remote.NodeID(), statusFor(t, e.mgr, "west").NodeID)

	// Restoring the original record restores connectivity.
	e.publish(t, "west", e.remote)
	conn, err = e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, e.remote.NodeID(), conn.RemoteNodeID())

	// Forget drops the pin, accepting the new identity.
	e.publish(t, "west", imposter)
	e.mgr.Forget("west")
	conn, err = e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, imposter.NodeID(), conn.RemoteNodeID())
}

func TestQualityUpgradeObserved(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.mesh.SetForceRelay(true)
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	status := statusFor(t, e.mgr, "west")
	require.Equal(t, StateRelayed, status.State)
	require.Equal(t, transport.QualityRelayed, status.Quality)

	// The transport probes in the background and flips the path in
	// place; the manager notices on the next request.
	tconn, ok := conn.(*transporttest.Conn)
	require.True(t, ok)
	tconn.Upgrade()

	again, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)
	require.Same(t, conn, again)
	status = statusFor(t, e.mgr, "west")
	require.Equal(t, StateDirect, status.State)
	require.Equal(t, transport.QualityDirect, status.Quality)
}

func TestCloseShutsConnectionsDown(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.publish(t, "west", e.remote)
	ctx := context.Background()

	conn, err := e.mgr.GetConnection(ctx, "west")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Close())

	_, err = conn.OpenStream(ctx)
	require.Error(t, err)
	_, err = e.mgr.GetConnection(ctx, "west")
	require.Error(t, err)
}
