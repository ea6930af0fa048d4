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

// Package transport defines the encrypted peer-to-peer transport that
// mesh traffic rides on. Implementations own key exchange, path
// selection between direct and relayed routes, and stream multiplexing;
// consumers only see authenticated connections and byte streams.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

// Quality reports which path a connection currently uses. A connection
// may start relayed and flip to direct in place; it never goes back.
type Quality string

const (
	// QualityRelayed means packets travel through the peer's relay.
	QualityRelayed Quality = "relayed"
	// QualityDirect means packets travel directly to the peer.
	QualityDirect Quality = "direct"
)

// ErrIdentityMismatch is returned when the peer completes the handshake
// with a key that does not match the NodeID the caller asked for. It
// means the directory record and the listener disagree about who owns
// the address, which is never resolved by retrying.
var ErrIdentityMismatch = &trace.AccessDeniedError{Message: "peer identity mismatch"}

// IsIdentityMismatch reports whether err is an identity verification
// failure, however deeply wrapped.
func IsIdentityMismatch(err error) bool {
	return errors.Is(err, ErrIdentityMismatch)
}

// Endpoint is one node's presence on the mesh: a listener plus a dialer
// bound to a single Ed25519 identity.
type Endpoint interface {
	// NodeID is the identity this endpoint proves during handshakes.
	NodeID() types.NodeID

	// Connect dials the peer at addr and verifies it owns peer.
	// Implementations try direct addresses first and fall back to the
	// relay within the same call; the caller bounds the whole attempt
	// through ctx. A verification failure is ErrIdentityMismatch.
	Connect(ctx context.Context, peer types.NodeID, addr types.NodeAddr) (Connection, error)

	// Accept blocks for the next inbound connection. The peer's
	// identity is already verified when Accept returns.
	Accept(ctx context.Context) (Connection, error)

	// Addr returns the listener's bound address, for publishing.
	Addr() string

	// Close shuts the endpoint and every connection down.
	Close() error
}

// Connection is an authenticated, multiplexed link to one peer.
type Connection interface {
	// OpenStream opens a fresh bidirectional stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks for the next stream the peer opens.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemoteNodeID is the verified identity of the peer.
	RemoteNodeID() types.NodeID

	// Quality reports the current path. The value may change from
	// QualityRelayed to QualityDirect while the connection lives.
	Quality() Quality

	// Done is closed when the connection dies, whether through Close or
	// through the peer going away.
	Done() <-chan struct{}

	// Close tears the connection and all its streams down.
	Close() error
}

// Stream is one bidirectional byte stream inside a connection.
type Stream interface {
	io.Reader
	io.Writer

	// SetDeadline bounds both reads and writes.
	SetDeadline(t time.Time) error

	// Close flushes and closes the stream.
	Close() error
}

// LoadOrGenerateKey returns the Ed25519 node key stored at path,
// generating and persisting a fresh one on first start. The key is what
// makes a node's identity stable across restarts, so it is written
// before it is ever used.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err == nil {
		return parseKey(pemBytes)
	}
	if !os.IsNotExist(err) {
		return nil, trace.ConvertSystemError(err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pemBytes = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return priv, nil
}

func parseKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, trace.BadParameter("node key is not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("node key is %T, want ed25519", key)
	}
	return priv, nil
}
