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

// Package transporttest provides an in-memory mesh implementing the
// transport contracts. Tests use it to exercise peering, discovery and
// proxying without sockets, and to inject path quality and dial
// failures that are hard to produce on a real network.
package transporttest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/transport"
)

// Mesh connects in-memory endpoints to each other by node id.
type Mesh struct {
	mu          sync.Mutex
	endpoints   map[types.NodeID]*Endpoint
	dials       map[types.NodeID]int
	connectErrs map[types.NodeID]error
	forceRelay  bool
}

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		endpoints:   make(map[types.NodeID]*Endpoint),
		dials:       make(map[types.NodeID]int),
		connectErrs: make(map[types.NodeID]error),
	}
}

// SetForceRelay makes every subsequent connection start on the relayed
// path, as if no direct address worked.
func (m *Mesh) SetForceRelay(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceRelay = force
}

// SetConnectErr makes every dial to peer fail with err until cleared
// with a nil err.
func (m *Mesh) SetConnectErr(peer types.NodeID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.connectErrs, peer)
		return
	}
	m.connectErrs[peer] = err
}

// DialCount reports how many dials were attempted to peer, failed ones
// included.
func (m *Mesh) DialCount(peer types.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials[peer]
}

// NewEndpoint creates an endpoint with a fresh identity and joins it to
// the mesh.
func (m *Mesh) NewEndpoint() (*Endpoint, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ep := &Endpoint{
		mesh:     m,
		id:       types.NodeIDFromPublicKey(pub),
		inbound:  make(chan *Conn, 16),
		closedCh: make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.id] = ep
	return ep, nil
}

// Endpoint is one in-memory mesh node.
type Endpoint struct {
	mesh    *Mesh
	id      types.NodeID
	inbound chan *Conn

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

// NodeID implements transport.Endpoint.
func (e *Endpoint) NodeID() types.NodeID { return e.id }

// Addr implements transport.Endpoint.
func (e *Endpoint) Addr() string { return "mem." + e.id.Short() + ":0" }

// NodeAddr returns a directory record pointing at this endpoint. The
// mesh routes by node id, so the addresses are placeholders.
func (e *Endpoint) NodeAddr() types.NodeAddr {
	return types.NodeAddr{NodeID: e.id, RelayAddr: "relay.mem.test:443"}
}

// Connect implements transport.Endpoint. The target is looked up by the
// node id in addr; the expected peer identity is verified against the
// endpoint actually found, so a stale or lying directory record
// surfaces as an identity mismatch just like on the real transport.
func (e *Endpoint) Connect(ctx context.Context, peer types.NodeID, addr types.NodeAddr) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	e.mesh.mu.Lock()
	e.mesh.dials[peer]++
	if err := e.mesh.connectErrs[peer]; err != nil {
		e.mesh.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	target := e.mesh.endpoints[addr.NodeID]
	quality := transport.QualityDirect
	if e.mesh.forceRelay {
		quality = transport.QualityRelayed
	}
	e.mesh.mu.Unlock()

	if target == nil {
		return nil, trace.ConnectionProblem(nil, "no mesh node at %v", addr.NodeID.Short())
	}
	if target.id != peer {
		return nil, trace.Wrap(transport.ErrIdentityMismatch,
			"expected %v, found %v", peer.Short(), target.id.Short())
	}

	pair := &pairState{quality: quality}
	local := newConn(e.id, target.id, pair)
	remote := newConn(target.id, e.id, pair)
	local.peer, remote.peer = remote, local

	select {
	case target.inbound <- remote:
	case <-target.closedCh:
		return nil, trace.ConnectionProblem(nil, "mesh node %v is closed", target.id.Short())
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
	return local, nil
}

// Accept implements transport.Endpoint.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case conn := <-e.inbound:
		return conn, nil
	case <-e.closedCh:
		return nil, trace.ConnectionProblem(nil, "endpoint is closed")
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Close implements transport.Endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.closedCh)
	e.mesh.mu.Lock()
	delete(e.mesh.endpoints, e.id)
	e.mesh.mu.Unlock()
	return nil
}

// pairState is shared by both halves of a connection so a path upgrade
// is visible on each side at once.
type pairState struct {
	mu      sync.Mutex
	quality transport.Quality
}

// Conn is one half of an in-memory connection.
type Conn struct {
	local   types.NodeID
	remote  types.NodeID
	pair    *pairState
	peer    *Conn
	streams chan net.Conn

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

func newConn(local, remote types.NodeID, pair *pairState) *Conn {
	return &Conn{
		local:    local,
		remote:   remote,
		pair:     pair,
		streams:  make(chan net.Conn, 16),
		closedCh: make(chan struct{}),
	}
}

// RemoteNodeID implements transport.Connection.
func (c *Conn) RemoteNodeID() types.NodeID { return c.remote }

// Quality implements transport.Connection.
func (c *Conn) Quality() transport.Quality {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return c.pair.quality
}

// Upgrade flips the connection pair to the direct path in place, as the
// real transport does when a background probe lands. Streams opened
// before the upgrade keep working.
func (c *Conn) Upgrade() {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	c.pair.quality = transport.QualityDirect
}

// Done implements transport.Connection.
func (c *Conn) Done() <-chan struct{} { return c.closedCh }

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "connection is closed")
	}
	c.mu.Unlock()

	ours, theirs := net.Pipe()
	select {
	case c.peer.streams <- theirs:
		return ours, nil
	case <-c.peer.closedCh:
		return nil, trace.ConnectionProblem(nil, "connection is closed")
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// AcceptStream implements transport.Connection.
func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.closedCh:
		return nil, trace.ConnectionProblem(nil, "connection is closed")
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Close implements transport.Connection. Both halves close together.
func (c *Conn) Close() error {
	c.closeHalf()
	c.peer.closeHalf()
	return nil
}

func (c *Conn) closeHalf() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closedCh)
}

var (
	_ transport.Endpoint   = (*Endpoint)(nil)
	_ transport.Connection = (*Conn)(nil)
)
