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

// Package tlsmesh implements the mesh transport over TCP with mutual
// TLS and yamux stream multiplexing. It exists for networks that drop
// UDP: everything rides ordinary TCP connections. The price is that
// there is no relay fallback and no path upgrade; peers must publish
// reachable direct addresses.
package tlsmesh

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/yamux"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/transport"
)

// Protocol is the ALPN identifier of the TCP mesh transport.
const Protocol = "meshport-tls/v1"

const handshakeTimeout = 10 * time.Second

// Config holds the endpoint parameters.
type Config struct {
	// Key is the node's Ed25519 identity key.
	Key ed25519.PrivateKey
	// ListenAddr is the TCP address to bind, host:port.
	ListenAddr string
	// Log is the logger; the process default is used when nil.
	Log *slog.Logger
	// DialTimeout bounds a Connect call that has no context deadline.
	DialTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Key) != ed25519.PrivateKeySize {
		return trace.BadParameter("missing or malformed node key")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", defaults.MeshListenPort)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	return nil
}

// Endpoint is this node's presence on the mesh over TCP.
type Endpoint struct {
	cfg       Config
	id        types.NodeID
	log       *slog.Logger
	listener  net.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	yamuxCfg  *yamux.Config

	inbound chan transport.Connection

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New binds the TCP listener and starts accepting.
func New(cfg Config) (*Endpoint, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := transport.NewIdentityCert(cfg.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg: cfg,
		id:  types.NodeIDFromPublicKey(cfg.Key.Public().(ed25519.PublicKey)),
		log: cfg.Log,
		serverTLS: &tls.Config{
			Certificates:          []tls.Certificate{cert},
			NextProtos:            []string{Protocol},
			MinVersion:            tls.VersionTLS13,
			ClientAuth:            tls.RequireAnyClientCert,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: transport.VerifyPeerCertChain,
		},
		clientTLS: &tls.Config{
			Certificates:          []tls.Certificate{cert},
			NextProtos:            []string{Protocol},
			MinVersion:            tls.VersionTLS13,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: transport.VerifyPeerCertChain,
		},
		listener: listener,
		inbound:  make(chan transport.Connection),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.yamuxCfg = &yamux.Config{
		AcceptBacklog: 128,

		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,

		MaxStreamWindowSize: 256 * 1024,

		StreamCloseTimeout: time.Minute,
		StreamOpenTimeout:  30 * time.Second,

		LogOutput: nil,
		Logger:    (*yamuxLogger)(e.log),
	}

	go e.acceptLoop()
	e.log.InfoContext(ctx, "Mesh transport is listening.",
		"addr", listener.Addr().String(), "node", e.id.Short())
	return e, nil
}

// NodeID implements transport.Endpoint.
func (e *Endpoint) NodeID() types.NodeID { return e.id }

// Addr implements transport.Endpoint.
func (e *Endpoint) Addr() string { return e.listener.Addr().String() }

func (e *Endpoint) acceptLoop() {
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			return
		}
		go e.handshakeInbound(nc)
	}
}

// handshakeInbound runs the TLS handshake off the accept loop so one
// slow peer cannot stall everyone else.
func (e *Endpoint) handshakeInbound(nc net.Conn) {
	ctx, cancel := context.WithTimeout(e.ctx, handshakeTimeout)
	defer cancel()

	tc := tls.Server(nc, e.serverTLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		e.log.DebugContext(ctx, "Inbound handshake failed.",
			"remote", nc.RemoteAddr().String(), "error", err)
		nc.Close()
		return
	}
	peer, err := transport.PeerNodeID(tc.ConnectionState())
	if err != nil {
		tc.Close()
		return
	}
	session, err := yamux.Server(tc, e.yamuxCfg)
	if err != nil {
		tc.Close()
		return
	}

	select {
	case e.inbound <- &Conn{session: session, peer: peer}:
	case <-e.ctx.Done():
		session.Close()
	}
}

// Accept implements transport.Endpoint.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case conn := <-e.inbound:
		return conn, nil
	case <-e.ctx.Done():
		return nil, trace.ConnectionProblem(nil, "endpoint is closed")
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// Connect implements transport.Endpoint. Addresses are tried in order;
// there is no relay phase on this transport.
func (e *Endpoint) Connect(ctx context.Context, peer types.NodeID, addr types.NodeAddr) (transport.Connection, error) {
	if len(addr.DirectAddrs) == 0 {
		return nil, trace.ConnectionProblem(nil,
			"peer %v publishes no direct addresses and the tls transport has no relay path", peer.Short())
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DialTimeout)
		defer cancel()
	}

	var errs []error
	for _, a := range addr.DirectAddrs {
		conn, err := e.dial(ctx, peer, a)
		if err == nil {
			return conn, nil
		}
		if transport.IsIdentityMismatch(err) || ctx.Err() != nil {
			return nil, trace.Wrap(err)
		}
		errs = append(errs, err)
	}
	return nil, trace.ConnectionProblem(trace.NewAggregate(errs...),
		"peer %v is unreachable", peer.Short())
}

func (e *Endpoint) dial(ctx context.Context, peer types.NodeID, addr string) (transport.Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %v", addr)
	}
	tc := tls.Client(nc, e.clientTLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, trace.ConnectionProblem(err, "handshake with %v", addr)
	}
	id, err := transport.PeerNodeID(tc.ConnectionState())
	if err != nil {
		tc.Close()
		return nil, trace.Wrap(err)
	}
	if id != peer {
		tc.Close()
		return nil, trace.Wrap(transport.ErrIdentityMismatch,
			"expected %v, peer at %v is %v", peer.Short(), addr, id.Short())
	}
	session, err := yamux.Client(tc, e.yamuxCfg)
	if err != nil {
		tc.Close()
		return nil, trace.Wrap(err)
	}
	return &Conn{session: session, peer: peer}, nil
}

// Close implements transport.Endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	return trace.Wrap(e.listener.Close())
}

// Conn is one authenticated yamux session with a peer.
type Conn struct {
	session *yamux.Session
	peer    types.NodeID
}

// RemoteNodeID implements transport.Connection.
func (c *Conn) RemoteNodeID() types.NodeID { return c.peer }

// Quality implements transport.Connection. TCP connections are always
// direct; there is nothing to upgrade.
func (c *Conn) Quality() transport.Quality { return transport.QualityDirect }

// Done implements transport.Connection. yamux closes the channel when
// the session ends, keepalive failures included.
func (c *Conn) Done() <-chan struct{} { return c.session.CloseChan() }

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	// yamux bounds stream opens through StreamOpenTimeout; the context
	// is checked up front so a cancelled caller does not start one.
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "opening stream to %v", c.peer.Short())
	}
	return s, nil
}

// AcceptStream implements transport.Connection.
func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.session.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "accepting stream from %v", c.peer.Short())
	}
	return s, nil
}

// Close implements transport.Connection.
func (c *Conn) Close() error {
	return trace.Wrap(c.session.Close())
}

// yamuxLogger adapts the endpoint logger to yamux's printf-style one.
// yamux only logs abnormal conditions, so everything lands at warning.
type yamuxLogger slog.Logger

func (l *yamuxLogger) emit(msg string) {
	(*slog.Logger)(l).Warn(strings.TrimSpace(msg))
}

func (l *yamuxLogger) Print(v ...any)                 { l.emit(fmt.Sprint(v...)) }
func (l *yamuxLogger) Printf(format string, v ...any) { l.emit(fmt.Sprintf(format, v...)) }
func (l *yamuxLogger) Println(v ...any)               { l.emit(fmt.Sprint(v...)) }

var (
	_ transport.Endpoint   = (*Endpoint)(nil)
	_ transport.Connection = (*Conn)(nil)
)
