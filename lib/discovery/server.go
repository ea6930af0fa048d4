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

package discovery

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/scanner"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/wire"
)

// StreamHandler serves one inbound stream whose kind header was
// already consumed. The stream is closed when the handler returns.
type StreamHandler func(ctx context.Context, peer types.NodeID, stream transport.Stream)

// AuthorizeFunc decides whether a peer may see the answer to a query.
// A non-nil error denies: the stream is closed without any response.
type AuthorizeFunc func(ctx context.Context, peer types.NodeID, query wire.Query) error

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	// Cluster is the identifier of the cluster this server answers for.
	Cluster types.ClusterID
	// Endpoint accepts inbound mesh connections.
	Endpoint transport.Endpoint
	// Scanner lists the local services peers ask about.
	Scanner scanner.Scanner
	// Advertised is the contact record spread in answer metadata so
	// peers can refresh their view of this cluster.
	Advertised types.NodeAddr
	// Authorize gates queries. Nil allows everything.
	Authorize AuthorizeFunc
	// CacheTTL bounds how long one scan result is reused.
	CacheTTL time.Duration
	// CacheSize bounds the number of scan results kept.
	CacheSize int
	// StreamTimeout bounds header and query handling on one stream.
	StreamTimeout time.Duration
	// Log emits server events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if err := c.Cluster.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Endpoint == nil {
		return trace.BadParameter("discovery server needs a transport endpoint")
	}
	if c.Scanner == nil {
		return trace.BadParameter("discovery server needs a scanner")
	}
	if err := c.Advertised.Check(); err != nil {
		return trace.Wrap(err, "invalid advertised address")
	}
	if c.Authorize == nil {
		c.Authorize = func(context.Context, types.NodeID, wire.Query) error { return nil }
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.LocalScanCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.LocalScanCacheSize
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = defaults.DiscoveryRequestTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentDiscoveryServer)
	}
	return nil
}

type scanKey struct {
	service   string
	namespace string
}

// scanResult caches both positive scans and authoritative misses, so a
// popular query for an absent service cannot hammer the scanner.
type scanResult struct {
	endpoints []types.ServiceEndpoint
	protocol  string
	notFound  bool
}

// Server accepts mesh connections and serves the streams they carry.
// Discovery streams are answered internally, other kinds are dispatched
// to registered handlers.
type Server struct {
	cfg     ServerConfig
	metrics *serverMetrics
	scans   *expirable.LRU[scanKey, scanResult]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]StreamHandler
}

// NewServer returns a Server ready for Serve. It does not listen yet.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newServerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		metrics:  metrics,
		scans:    expirable.NewLRU[scanKey, scanResult](cfg.CacheSize, nil, cfg.CacheTTL),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]StreamHandler),
	}, nil
}

// RegisterHandler installs the handler for a stream kind. The
// discovery kind is served internally and cannot be taken over.
func (s *Server) RegisterHandler(kind string, handler StreamHandler) error {
	if kind == "" || handler == nil {
		return trace.BadParameter("a stream handler needs a kind and a function")
	}
	if kind == wire.KindDiscovery {
		return trace.BadParameter("stream kind %q is reserved", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[kind]; ok {
		return trace.AlreadyExists("a handler for stream kind %q is already registered", kind)
	}
	s.handlers[kind] = handler
	return nil
}

func (s *Server) handler(kind string) (StreamHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, ok := s.handlers[kind]
	return handler, ok
}

// Serve accepts connections until Close. Each connection and each of
// its streams is served on its own goroutine.
func (s *Server) Serve() error {
	s.cfg.Log.InfoContext(s.ctx, "Serving mesh streams.", "cluster", s.cfg.Cluster)
	for {
		conn, err := s.cfg.Endpoint.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn transport.Connection) {
	defer s.wg.Done()
	defer conn.Close()
	peer := conn.RemoteNodeID()
	s.cfg.Log.DebugContext(s.ctx, "Accepted mesh connection.", "peer", peer.Short())
	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			s.cfg.Log.DebugContext(s.ctx, "Mesh connection done.", "peer", peer.Short())
			return
		}
		s.wg.Add(1)
		go s.handleStream(peer, stream)
	}
}

// handleStream reads the kind header and dispatches. Every failure
// mode here closes the one stream and leaves the connection alone.
func (s *Server) handleStream(peer types.NodeID, stream transport.Stream) {
	defer s.wg.Done()
	defer stream.Close()

	if err := stream.SetDeadline(time.Now().Add(s.cfg.StreamTimeout)); err != nil {
		return
	}
	var header wire.StreamHeader
	if err := wire.ReadFrame(stream, defaults.MaxDiscoveryFrameSize, &header); err != nil {
		s.cfg.Log.DebugContext(s.ctx, "Dropping stream with a malformed header.",
			"peer", peer.Short(), "error", err)
		return
	}
	if header.Kind == wire.KindDiscovery {
		s.serveDiscovery(peer, stream)
		return
	}
	handler, ok := s.handler(header.Kind)
	if !ok {
		s.cfg.Log.DebugContext(s.ctx, "Dropping stream of unknown kind.",
			"peer", peer.Short(), "kind", header.Kind)
		return
	}
	// The handler paces its own reads and writes.
	if err := stream.SetDeadline(time.Time{}); err != nil {
		return
	}
	handler(s.ctx, peer, stream)
}

// serveDiscovery answers one query. Denied and malformed queries and
// scanner failures close the stream without a response; an absent
// service gets an explicit not-found answer.
func (s *Server) serveDiscovery(peer types.NodeID, stream transport.Stream) {
	var query wire.Query
	if err := wire.ReadFrame(stream, defaults.MaxDiscoveryFrameSize, &query); err != nil {
		s.metrics.reportAnswer(answerError)
		s.cfg.Log.DebugContext(s.ctx, "Dropping malformed discovery query.",
			"peer", peer.Short(), "error", err)
		return
	}
	if err := query.Check(); err != nil {
		s.metrics.reportAnswer(answerError)
		s.cfg.Log.DebugContext(s.ctx, "Dropping invalid discovery query.",
			"peer", peer.Short(), "error", err)
		return
	}
	if err := s.cfg.Authorize(s.ctx, peer, query); err != nil {
		s.metrics.reportAnswer(answerDenied)
		s.cfg.Log.InfoContext(s.ctx, "Denied discovery query.",
			"peer", peer.Short(),
			"service", query.Service,
			"namespace", query.Namespace,
			"error", err,
		)
		return
	}

	result, err := s.lookup(query)
	if err != nil {
		// Closing without an answer makes the peer see a transport
		// failure instead of a false miss it would act on.
		s.metrics.reportAnswer(answerError)
		s.cfg.Log.WarnContext(s.ctx, "Local service lookup failed.",
			"service", query.Service,
			"namespace", query.Namespace,
			"error", err,
		)
		return
	}

	answer := wire.Answer{NotFound: result.notFound}
	if !result.notFound {
		answer.Endpoints = result.endpoints
		answer.Protocol = result.protocol
		answer.Metadata = s.metadata(result.endpoints)
	}
	if err := wire.WriteFrame(stream, defaults.MaxDiscoveryFrameSize, answer); err != nil {
		s.metrics.reportAnswer(answerError)
		s.cfg.Log.DebugContext(s.ctx, "Failed to write discovery answer.",
			"peer", peer.Short(), "error", err)
		return
	}
	if result.notFound {
		s.metrics.reportAnswer(answerNotFound)
	} else {
		s.metrics.reportAnswer(answerOK)
	}
}

// lookup serves the query from the scan cache, scanning on a miss.
func (s *Server) lookup(query wire.Query) (scanResult, error) {
	key := scanKey{service: query.Service, namespace: query.Namespace}
	if result, ok := s.scans.Get(key); ok {
		return result, nil
	}
	result, err := s.scan(query)
	if err != nil {
		return scanResult{}, trace.Wrap(err)
	}
	s.scans.Add(key, result)
	return result, nil
}

// scan asks the scanner about one service. The service list supplies
// the protocol, the endpoint list the addresses.
func (s *Server) scan(query wire.Query) (scanResult, error) {
	services, err := s.cfg.Scanner.ListServices(s.ctx, query.Namespace)
	if err != nil {
		return scanResult{}, trace.Wrap(err)
	}
	var info types.ServiceInfo
	found := false
	for _, service := range services {
		if service.Name == query.Service {
			info = service
			found = true
			break
		}
	}
	if !found {
		return scanResult{notFound: true}, nil
	}
	endpoints, err := s.cfg.Scanner.ListEndpoints(s.ctx, query.Service, query.Namespace)
	if err != nil {
		if trace.IsNotFound(err) {
			// The service vanished between the two scanner calls.
			return scanResult{notFound: true}, nil
		}
		return scanResult{}, trace.Wrap(err)
	}
	return scanResult{endpoints: endpoints, protocol: info.Protocol}, nil
}

// ForgetScan drops the cached scan for one service so the next query
// reaches the scanner. The agent calls it on service change events;
// the TTL covers everything else.
func (s *Server) ForgetScan(service, namespace string) {
	s.scans.Remove(scanKey{service: service, namespace: namespace})
}

// metadata builds the answer metadata: this cluster's contact record
// plus the per-endpoint balancing weights.
func (s *Server) metadata(endpoints []types.ServiceEndpoint) map[string]string {
	md := map[string]string{
		wire.MetaCluster: string(s.cfg.Cluster),
		wire.MetaNode:    string(s.cfg.Advertised.NodeID),
	}
	if s.cfg.Advertised.RelayAddr != "" {
		md[wire.MetaRelay] = s.cfg.Advertised.RelayAddr
	}
	if len(s.cfg.Advertised.DirectAddrs) > 0 {
		md[wire.MetaDirectAddrs] = strings.Join(s.cfg.Advertised.DirectAddrs, ",")
	}
	for _, endpoint := range endpoints {
		if endpoint.Weight > 0 {
			md[wire.MetaWeightPrefix+endpoint.HostPort()] = strconv.FormatUint(uint64(endpoint.Weight), 10)
		}
	}
	return md
}

// Close stops accepting and waits for in-flight streams. The endpoint
// itself belongs to the caller and stays open.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
