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

package tlsmesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
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

func TestConnectAndExchange(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		conn, err := bob.Accept(ctx)
		if err != nil {
			return
		}
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		defer s.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		s.Write([]byte("pong"))
	}()

	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:      bob.NodeID(),
		DirectAddrs: []string{bob.Addr()},
	})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, bob.NodeID(), conn.RemoteNodeID())
	require.Equal(t, transport.QualityDirect, conn.Quality())

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

func TestConnectIdentityMismatch(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	impostor := types.NodeIDFromPublicKey(otherPub)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err = alice.Connect(ctx, impostor, types.NodeAddr{
		NodeID:      impostor,
		DirectAddrs: []string{bob.Addr()},
	})
	require.Error(t, err)
	require.True(t, transport.IsIdentityMismatch(err))
}

func TestConnectNoDirectAddrs(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Relay-only records cannot be used on the TCP transport.
	_, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:    bob.NodeID(),
		RelayAddr: "relay.example.com:443",
	})
	require.Error(t, err)
	require.False(t, transport.IsIdentityMismatch(err))
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

	// The peer going away must end this side as well.
	require.NoError(t, accepted.Close())
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("peer close did not propagate")
	}
}

func TestConnectSkipsDeadAddresses(t *testing.T) {
	t.Parallel()

	alice := newTestEndpoint(t)
	bob := newTestEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		if conn, err := bob.Accept(ctx); err == nil {
			defer conn.Close()
			<-ctx.Done()
		}
	}()

	// The first address refuses; the dial must move on and land on the
	// live one within the same attempt.
	conn, err := alice.Connect(ctx, bob.NodeID(), types.NodeAddr{
		NodeID:      bob.NodeID(),
		DirectAddrs: []string{"127.0.0.1:1", bob.Addr()},
	})
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, bob.NodeID(), conn.RemoteNodeID())
}
