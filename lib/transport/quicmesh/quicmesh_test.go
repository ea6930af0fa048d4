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

package quicmesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/transport"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ep, err := New(Config{
		Key:        key,
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// echoServer accepts one connection and answers "ping" with "pong" on
// every stream until the context ends.
func echoServer(ctx context.Context, ep *Endpoint) {
	conn, err := ep.Accept(ctx)
	if err != nil {
		return
	}
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer s.Close()
			buf := make([]byte, 4)
			if _, err := io.ReadFull(s, buf); err != nil {
				return
			}
			s.Write([]byte("pong"))
		}()
	}
}

func pingOnce(t *testing.T, ctx context.Context, conn transport.Connection) {
	t.Helper()
	s, err := conn.OpenStream(ctx)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(s, reply)
	require.NoError(t, err)
	require.Equal(t, "pong", string(reply))
}

func TestConnectDirect(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go echoServer(ctx, bob)

	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:      bob.NodeID(),
		DirectAddrs: []string{bob.Addr()},
	})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, bob.NodeID(), conn.RemoteNodeID())
	require.Equal(t, transport.QualityDirect, conn.Quality())
	pingOnce(t, ctx, conn)
}

func TestConnectIdentityMismatch(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	impostor := types.NodeIDFromPublicKey(otherPub)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go echoServer(ctx, bob)

	// The record claims bob's address belongs to another identity; the
	// handshake succeeds but verification must fail closed.
	_, err = alice.Connect(ctx, impostor, types.NodeAddr{
		NodeID:      impostor,
		DirectAddrs: []string{bob.Addr()},
	})
	require.Error(t, err)
	require.True(t, transport.IsIdentityMismatch(err))
}

func TestDoneFiresOnPeerClose(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	acceptedCh := make(chan transport.Connection, 1)
	go func() {
		if conn, err := bob.Accept(ctx); err == nil {
			acceptedCh <- conn
		}
	}()

	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:      bob.NodeID(),
		DirectAddrs: []string{bob.Addr()},
	})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-conn.Done():
		t.Fatal("live connection reported dead")
	default:
	}

	var accepted transport.Connection
	select {
	case accepted = <-acceptedCh:
	case <-ctx.Done():
		t.Fatal("no inbound connection")
	}

	// The peer closing must end this side as well.
	require.NoError(t, accepted.Close())
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("peer close did not propagate")
	}
}

func TestConnectUnreachable(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)
	bobID := bob.NodeID()
	bobAddr := bob.Addr()
	require.NoError(t, bob.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := alice.Connect(ctx, bobID, types.NodeAddr{
		NodeID:      bobID,
		DirectAddrs: []string{bobAddr},
	})
	require.Error(t, err)
	require.False(t, transport.IsIdentityMismatch(err))
}

// testRelay is a dumb two-party UDP forwarder: packets from the target
// go to the last seen client, anything else is forwarded to the target.
type testRelay struct {
	conn   *net.UDPConn
	target *net.UDPAddr

	mu     sync.Mutex
	client *net.UDPAddr
}

func newTestRelay(t *testing.T, target string) *testRelay {
	t.Helper()
	targetAddr, err := net.ResolveUDPAddr("udp", target)
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	r := &testRelay{conn: conn, target: targetAddr}
	go r.loop()
	t.Cleanup(func() { conn.Close() })
	return r
}

func (r *testRelay) Addr() string { return r.conn.LocalAddr().String() }

func (r *testRelay) loop() {
	buf := make([]byte, 65535)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if src.IP.Equal(r.target.IP) && src.Port == r.target.Port {
			r.mu.Lock()
			client := r.client
			r.mu.Unlock()
			if client != nil {
				r.conn.WriteToUDP(buf[:n], client)
			}
			continue
		}
		r.mu.Lock()
		r.client = src
		r.mu.Unlock()
		r.conn.WriteToUDP(buf[:n], r.target)
	}
}

func TestConnectRelayed(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)
	relay := newTestRelay(t, bob.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go echoServer(ctx, bob)

	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:    bob.NodeID(),
		RelayAddr: relay.Addr(),
	})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, transport.QualityRelayed, conn.Quality())
	require.Equal(t, bob.NodeID(), conn.RemoteNodeID())
	pingOnce(t, ctx, conn)
}

func TestPathSwitchMidConnection(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)
	relay := newTestRelay(t, bob.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go echoServer(ctx, bob)

	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:    bob.NodeID(),
		RelayAddr: relay.Addr(),
	})
	require.NoError(t, err)
	defer conn.Close()
	pingOnce(t, ctx, conn)

	// Flip the packet route to bob's real address, as the prober does
	// when a probe lands. The connection must survive the switch and
	// keep exchanging on the new path.
	mc := conn.(*Conn)
	direct, err := net.ResolveUDPAddr("udp", bob.Addr())
	require.NoError(t, err)
	alice.pconn.setPrimary(mc.virtual, direct)

	for range 3 {
		pingOnce(t, ctx, conn)
	}
	require.Equal(t, direct.String(), alice.pconn.currentPrimary(mc.virtual).String())
}

type recordingPacketConn struct {
	net.PacketConn
	mu     sync.Mutex
	wrote  []string
	inbox  chan packet
	closed chan struct{}
}

type packet struct {
	data []byte
	src  net.Addr
}

func newRecordingPacketConn() *recordingPacketConn {
	return &recordingPacketConn{
		inbox:  make(chan packet, 16),
		closed: make(chan struct{}),
	}
}

func (c *recordingPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, addr.String())
	return len(p), nil
}

func (c *recordingPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		n := copy(p, pkt.data)
		return n, pkt.src, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *recordingPacketConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.wrote...)
}

func TestPathConnRouting(t *testing.T) {
	t.Parallel()

	inner := newRecordingPacketConn()
	pc := newPathConn(inner)

	relayAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	directAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	virtual := meshAddr("peer/test/1")
	pc.addRoute(virtual, relayAddr, directAddr)

	// Writes to the mesh address follow the primary path.
	_, err := pc.WriteTo([]byte("a"), virtual)
	require.NoError(t, err)
	pc.setPrimary(virtual, directAddr)
	_, err = pc.WriteTo([]byte("b"), virtual)
	require.NoError(t, err)
	require.Equal(t, []string{relayAddr.String(), directAddr.String()}, inner.writes())

	// Inbound packets from any registered path are attributed to the
	// mesh address, late relay packets included.
	inner.inbox <- packet{data: []byte("x"), src: relayAddr}
	buf := make([]byte, 4)
	_, src, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, virtual, src)

	inner.inbox <- packet{data: []byte("y"), src: directAddr}
	_, src, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, virtual, src)

	// Unrelated sources pass through untouched.
	other := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	inner.inbox <- packet{data: []byte("z"), src: other}
	_, src, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, other.String(), src.String())

	// Dropped routes stop translating in both directions.
	pc.dropRoute(virtual)
	_, err = pc.WriteTo([]byte("c"), virtual)
	require.Error(t, err)
}
