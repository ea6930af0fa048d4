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

// Package quicmesh implements the mesh transport over QUIC.
//
// One UDP socket carries everything: the listener, outbound dials and
// path probes all share it through a single quic.Transport. Dials race
// every direct address and fall back to the peer's relay inside the same
// attempt. A connection that comes up relayed keeps probing the direct
// addresses in the background and switches its packet path in place when
// one starts working; the QUIC connection, its identity and its open
// streams are untouched by the switch.
package quicmesh

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/quic-go/quic-go"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/transport"
)

// Application error codes carried in QUIC CONNECTION_CLOSE frames.
const (
	errCodeNone     quic.ApplicationErrorCode = 0
	errCodeIdentity quic.ApplicationErrorCode = 1
)

const probeTimeout = 5 * time.Second

// Config holds the endpoint parameters.
type Config struct {
	// Key is the node's Ed25519 identity key.
	Key ed25519.PrivateKey
	// ListenAddr is the UDP address to bind, host:port.
	ListenAddr string
	// Log is the logger; a component-scoped default is used when nil.
	Log *slog.Logger
	// Clock paces the upgrade prober; a real clock is used when nil.
	Clock clockwork.Clock
	// DialTimeout bounds a Connect call that has no context deadline.
	DialTimeout time.Duration
	// UpgradeProbeStep is the initial delay between direct path probes.
	UpgradeProbeStep time.Duration
	// UpgradeProbeMax caps the delay between direct path probes.
	UpgradeProbeMax time.Duration
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
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.UpgradeProbeStep <= 0 {
		c.UpgradeProbeStep = defaults.UpgradeProbeStep
	}
	if c.UpgradeProbeMax <= 0 {
		c.UpgradeProbeMax = defaults.UpgradeProbeMax
	}
	return nil
}

// Endpoint is this node's presence on the mesh.
type Endpoint struct {
	cfg  Config
	id   types.NodeID
	log  *slog.Logger
	next atomic.Uint64

	udpConn   *net.UDPConn
	pconn     *pathConn
	tr        *quic.Transport
	listener  *quic.Listener
	quicCfg   *quic.Config
	clientTLS *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New binds the UDP socket and starts listening.
func New(cfg Config) (*Endpoint, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	id := types.NodeIDFromPublicKey(cfg.Key.Public().(ed25519.PublicKey))
	cert, err := transport.NewIdentityCert(cfg.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, trace.BadParameter("listen address %q: %v", cfg.ListenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	pconn := newPathConn(udpConn)
	tr := &quic.Transport{Conn: pconn}
	quicCfg := &quic.Config{
		MaxIdleTimeout:     30 * time.Second,
		KeepAlivePeriod:    10 * time.Second,
		MaxIncomingStreams: 1024,
	}
	listener, err := tr.Listen(serverTLSConfig(cert), quicCfg)
	if err != nil {
		udpConn.Close()
		return nil, trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:       cfg,
		id:        id,
		log:       cfg.Log,
		udpConn:   udpConn,
		pconn:     pconn,
		tr:        tr,
		listener:  listener,
		quicCfg:   quicCfg,
		clientTLS: clientTLSConfig(cert),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.log.InfoContext(ctx, "Mesh transport is listening.",
		"addr", udpConn.LocalAddr().String(), "node", id.Short())
	return e, nil
}

// NodeID implements transport.Endpoint.
func (e *Endpoint) NodeID() types.NodeID { return e.id }

// Addr implements transport.Endpoint.
func (e *Endpoint) Addr() string { return e.udpConn.LocalAddr().String() }

// Accept implements transport.Endpoint.
func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	qc, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "accepting mesh connection")
	}
	peer, err := transport.PeerNodeID(qc.ConnectionState().TLS)
	if err != nil {
		qc.CloseWithError(errCodeIdentity, "unverifiable identity")
		return nil, trace.Wrap(err)
	}
	conn := &Conn{qc: qc, peer: peer}
	conn.direct.Store(true)
	return conn, nil
}

// Connect implements transport.Endpoint.
func (e *Endpoint) Connect(ctx context.Context, peer types.NodeID, addr types.NodeAddr) (transport.Connection, error) {
	if len(addr.DirectAddrs) == 0 && addr.RelayAddr == "" {
		return nil, trace.BadParameter("no addresses for peer %v", peer.Short())
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DialTimeout)
		defer cancel()
	}

	var errs []error

	// Direct first. Every candidate is dialed at once and the first
	// handshake wins. When a relay exists the direct phase only gets
	// half the budget so blackholed addresses cannot starve the
	// fallback.
	if len(addr.DirectAddrs) > 0 {
		directCtx := ctx
		if addr.RelayAddr != "" {
			if deadline, ok := ctx.Deadline(); ok {
				var cancel context.CancelFunc
				directCtx, cancel = context.WithDeadline(ctx, time.Now().Add(time.Until(deadline)/2))
				defer cancel()
			}
		}
		qc, err := e.dialRace(directCtx, addr.DirectAddrs)
		if err == nil {
			if err := e.verifyPeer(qc, peer); err != nil {
				return nil, trace.Wrap(err)
			}
			conn := &Conn{qc: qc, peer: peer}
			conn.direct.Store(true)
			return conn, nil
		}
		if transport.IsIdentityMismatch(err) || ctx.Err() != nil {
			return nil, trace.Wrap(err)
		}
		errs = append(errs, err)
	}

	// Relay fallback, inside the same attempt. The connection is bound
	// to a mesh address so a later path switch is invisible to QUIC.
	if addr.RelayAddr != "" {
		conn, err := e.dialRelayed(ctx, peer, addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}

	return nil, trace.ConnectionProblem(trace.NewAggregate(errs...),
		"peer %v is unreachable", peer.Short())
}

// dialRace dials every address in parallel and returns the first
// successful handshake. Losers are cancelled, late winners closed.
func (e *Endpoint) dialRace(ctx context.Context, addrs []string) (*quic.Conn, error) {
	udpAddrs := make([]*net.UDPAddr, 0, len(addrs))
	var errs []error
	for _, a := range addrs {
		ua, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			errs = append(errs, trace.BadParameter("direct address %q: %v", a, err))
			continue
		}
		udpAddrs = append(udpAddrs, ua)
	}
	if len(udpAddrs) == 0 {
		return nil, trace.NewAggregate(errs...)
	}

	raceCtx, cancel := context.WithCancel(ctx)

	type result struct {
		conn *quic.Conn
		err  error
	}
	results := make(chan result, len(udpAddrs))
	for _, ua := range udpAddrs {
		go func(ua *net.UDPAddr) {
			conn, err := e.tr.Dial(raceCtx, ua, e.clientTLS, e.quicCfg)
			results <- result{conn: conn, err: err}
		}(ua)
	}

	for pending := len(udpAddrs); pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		cancel()
		// Another dial may still land after the winner; close it.
		go func(pending int) {
			for i := 0; i < pending; i++ {
				if late := <-results; late.conn != nil {
					late.conn.CloseWithError(errCodeNone, "lost dial race")
				}
			}
		}(pending - 1)
		return r.conn, nil
	}
	cancel()
	return nil, trace.ConnectionProblem(trace.NewAggregate(errs...), "all direct dials failed")
}

// dialRelayed connects through the peer's relay and arms the upgrade
// prober.
func (e *Endpoint) dialRelayed(ctx context.Context, peer types.NodeID, addr types.NodeAddr) (transport.Connection, error) {
	relayAddr, err := net.ResolveUDPAddr("udp", addr.RelayAddr)
	if err != nil {
		return nil, trace.BadParameter("relay address %q: %v", addr.RelayAddr, err)
	}
	paths := make([]*net.UDPAddr, 0, len(addr.DirectAddrs))
	for _, a := range addr.DirectAddrs {
		if ua, err := net.ResolveUDPAddr("udp", a); err == nil {
			paths = append(paths, ua)
		}
	}

	virtual := meshAddr(fmt.Sprintf("peer/%s/%d", peer.Short(), e.next.Add(1)))
	e.pconn.addRoute(virtual, relayAddr, paths...)

	qc, err := e.tr.Dial(ctx, virtual, e.clientTLS, e.quicCfg)
	if err != nil {
		e.pconn.dropRoute(virtual)
		return nil, trace.ConnectionProblem(err, "dialing relay %v", addr.RelayAddr)
	}
	if err := e.verifyPeer(qc, peer); err != nil {
		e.pconn.dropRoute(virtual)
		return nil, trace.Wrap(err)
	}

	conn := &Conn{qc: qc, peer: peer, virtual: virtual, pconn: e.pconn}
	e.log.InfoContext(ctx, "Connected through relay.",
		"peer", peer.Short(), "relay", addr.RelayAddr)

	if len(addr.DirectAddrs) > 0 {
		e.mu.Lock()
		if !e.closed {
			e.wg.Add(1)
			go e.runProber(conn, addr)
		}
		e.mu.Unlock()
	}
	return conn, nil
}

// verifyPeer checks the handshake identity against the one the caller
// asked for and tears the connection down on a mismatch.
func (e *Endpoint) verifyPeer(qc *quic.Conn, expected types.NodeID) error {
	id, err := transport.PeerNodeID(qc.ConnectionState().TLS)
	if err != nil {
		qc.CloseWithError(errCodeIdentity, "unverifiable identity")
		return trace.Wrap(err)
	}
	if id != expected {
		qc.CloseWithError(errCodeIdentity, "identity mismatch")
		return trace.Wrap(transport.ErrIdentityMismatch,
			"expected %v, peer is %v", expected.Short(), id.Short())
	}
	return nil
}

// runProber keeps trying the peer's direct addresses while the
// connection is relayed. A successful probe proves the path and the
// identity, then the packet route flips in place.
func (e *Endpoint) runProber(c *Conn, addr types.NodeAddr) {
	defer e.wg.Done()

	delay := e.cfg.UpgradeProbeStep
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-c.qc.Context().Done():
			return
		case <-e.cfg.Clock.After(delay):
		}
		delay = min(max(e.cfg.UpgradeProbeStep, delay*2), e.cfg.UpgradeProbeMax)

		if e.probeDirect(c, addr) {
			return
		}
	}
}

func (e *Endpoint) probeDirect(c *Conn, addr types.NodeAddr) bool {
	ctx, cancel := context.WithTimeout(e.ctx, probeTimeout)
	defer cancel()

	probe, err := e.dialRace(ctx, addr.DirectAddrs)
	if err != nil {
		return false
	}
	id, err := transport.PeerNodeID(probe.ConnectionState().TLS)
	remote := probe.RemoteAddr()
	probe.CloseWithError(errCodeNone, "path probe")
	if err != nil || id != c.peer {
		return false
	}
	udp, ok := remote.(*net.UDPAddr)
	if !ok {
		return false
	}

	e.pconn.setPrimary(c.virtual, udp)
	c.direct.Store(true)
	e.log.InfoContext(e.ctx, "Upgraded relayed connection to direct path.",
		"peer", c.peer.Short(), "addr", udp.String())
	return true
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
	err := e.listener.Close()
	e.tr.Close()
	e.udpConn.Close()
	e.wg.Wait()
	return trace.Wrap(err)
}

// Conn is one authenticated QUIC connection to a peer.
type Conn struct {
	qc      *quic.Conn
	peer    types.NodeID
	virtual meshAddr
	pconn   *pathConn
	direct  atomic.Bool
}

// RemoteNodeID implements transport.Connection.
func (c *Conn) RemoteNodeID() types.NodeID { return c.peer }

// Quality implements transport.Connection.
func (c *Conn) Quality() transport.Quality {
	if c.direct.Load() {
		return transport.QualityDirect
	}
	return transport.QualityRelayed
}

// Done implements transport.Connection. The QUIC connection context ends
// when the connection closes for any reason, idle timeout and peer
// resets included.
func (c *Conn) Done() <-chan struct{} { return c.qc.Context().Done() }

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "opening stream to %v", c.peer.Short())
	}
	return stream{s}, nil
}

// AcceptStream implements transport.Connection.
func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "accepting stream from %v", c.peer.Short())
	}
	return stream{s}, nil
}

// Close implements transport.Connection.
func (c *Conn) Close() error {
	if c.pconn != nil {
		c.pconn.dropRoute(c.virtual)
	}
	return trace.Wrap(c.qc.CloseWithError(errCodeNone, "closed"))
}

// stream adapts a QUIC stream to the transport contract. quic.Stream's
// Close only finishes the send side; the exchange protocol means the
// read side is already drained by then, so the leftover receive state is
// cancelled rather than leaked.
type stream struct {
	*quic.Stream
}

func (s stream) Close() error {
	s.CancelRead(quic.StreamErrorCode(errCodeNone))
	return s.Stream.Close()
}

var (
	_ transport.Endpoint   = (*Endpoint)(nil)
	_ transport.Connection = (*Conn)(nil)
)
