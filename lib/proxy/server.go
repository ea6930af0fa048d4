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

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/scanner"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/wire"
)

// hopHeaders never travel across the mesh. Content-Length is not
// hop-by-hop but is framing, recomputed at each hop from the carried
// body.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// ServerConfig holds the dependencies of a data-plane Server.
type ServerConfig struct {
	// Scanner resolves envelope targets to local endpoints.
	Scanner scanner.Scanner
	// Client performs the local HTTP exchange. The default client does
	// not follow redirects, they travel back to the caller untouched.
	Client *http.Client
	// ExchangeTimeout bounds the envelope read, the local exchange and
	// the answer write, each separately.
	ExchangeTimeout time.Duration
	// Clock measures exchange time.
	Clock clockwork.Clock
	// Log emits delivery events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Scanner == nil {
		return trace.BadParameter("data-plane server needs a scanner")
	}
	if c.Client == nil {
		c.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = defaults.ExchangeTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentDataplane)
	}
	return nil
}

// Server is the receiving side of the data plane. It takes over
// streams of the HTTP kind, delivers the request envelope to a service
// in its own cluster and answers with the response envelope.
type Server struct {
	cfg     ServerConfig
	metrics *serverMetrics
}

// NewServer returns a Server. Register HandleStream with the mesh
// server for the HTTP stream kind to put it on the wire.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newServerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, metrics: metrics}, nil
}

// HandleStream serves one proxied exchange. The kind header was
// already consumed and the caller closes the stream afterwards. An
// unknown target answers an explicit 502 envelope so the stream
// completes and the connection lives; only an unreadable envelope
// drops the stream without an answer.
func (s *Server) HandleStream(ctx context.Context, peer types.NodeID, stream transport.Stream) {
	if err := stream.SetDeadline(time.Now().Add(s.cfg.ExchangeTimeout)); err != nil {
		return
	}
	var envelope wire.Request
	if err := wire.ReadFrame(stream, defaults.MaxDataFrameSize, &envelope); err != nil {
		s.metrics.reportDelivery(deliverDropped)
		s.cfg.Log.DebugContext(ctx, "Dropping stream with a malformed request envelope.",
			"peer", peer.Short(), "error", err)
		return
	}
	if err := envelope.Check(); err != nil {
		s.metrics.reportDelivery(deliverDropped)
		s.cfg.Log.DebugContext(ctx, "Dropping invalid request envelope.",
			"peer", peer.Short(), "error", err)
		return
	}

	endpoints, err := s.cfg.Scanner.ListEndpoints(ctx, envelope.Service, envelope.Namespace)
	switch {
	case trace.IsNotFound(err):
		s.answer(ctx, peer, stream, deliverNotFound, errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("service %s/%s is not in this cluster", envelope.Namespace, envelope.Service)))
		return
	case err != nil:
		s.cfg.Log.WarnContext(ctx, "Local endpoint lookup failed.",
			"service", envelope.Service, "namespace", envelope.Namespace, "error", err)
		s.answer(ctx, peer, stream, deliverUpstream, errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("resolving service %s/%s failed", envelope.Namespace, envelope.Service)))
		return
	case len(endpoints) == 0:
		s.answer(ctx, peer, stream, deliverNotFound, errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("service %s/%s has no ready endpoints", envelope.Namespace, envelope.Service)))
		return
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	start := s.cfg.Clock.Now()
	reply, result := s.deliver(ctx, envelope, endpoint)
	s.answer(ctx, peer, stream, result, reply)
	s.cfg.Log.DebugContext(ctx, "Delivered request envelope.",
		"id", envelope.ID,
		"peer", peer.Short(),
		"service", envelope.Service,
		"namespace", envelope.Namespace,
		"endpoint", endpoint.HostPort(),
		"status", reply.Status,
		"result", result,
		"duration", s.cfg.Clock.Since(start),
	)
}

// deliver performs the local HTTP exchange for one envelope and wraps
// the outcome. Upstream failures come back as envelopes too, the peer
// must be able to tell them from transport failures.
func (s *Server) deliver(ctx context.Context, envelope wire.Request, endpoint types.ServiceEndpoint) (wire.Response, string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	path := envelope.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, envelope.Method,
		"http://"+endpoint.HostPort()+path, bytes.NewReader(envelope.Body))
	if err != nil {
		return errorEnvelope(http.StatusBadGateway, "building the upstream request failed"), deliverUpstream
	}
	req.Header = sanitizeHeaders(envelope.Headers)
	// The upstream sees the in-cluster authority, not the mesh hostname.
	req.Host = envelope.Service + "." + envelope.Namespace

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errorEnvelope(http.StatusGatewayTimeout,
				fmt.Sprintf("service %s/%s did not answer within %v",
					envelope.Namespace, envelope.Service, s.cfg.ExchangeTimeout)), deliverTimeout
		}
		return errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("reaching %s failed: %v", endpoint.HostPort(), err)), deliverUpstream
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("reading the response from %s failed", endpoint.HostPort())), deliverUpstream
	}
	if len(body) > MaxBodyBytes {
		return errorEnvelope(http.StatusBadGateway,
			fmt.Sprintf("response body exceeds the %d byte mesh limit", MaxBodyBytes)), deliverUpstream
	}
	return wire.Response{
		Status:  resp.StatusCode,
		Headers: sanitizeHeaders(resp.Header),
		Body:    body,
	}, deliverOK
}

// answer writes the response envelope and records the delivery
// outcome. A failed write counts as dropped whatever the exchange
// outcome was, the peer never saw it.
func (s *Server) answer(ctx context.Context, peer types.NodeID, stream transport.Stream, result string, reply wire.Response) {
	if err := stream.SetDeadline(time.Now().Add(s.cfg.ExchangeTimeout)); err != nil {
		s.metrics.reportDelivery(deliverDropped)
		return
	}
	if err := wire.WriteFrame(stream, defaults.MaxDataFrameSize, reply); err != nil {
		s.metrics.reportDelivery(deliverDropped)
		s.cfg.Log.DebugContext(ctx, "Failed to write response envelope.",
			"peer", peer.Short(), "error", err)
		return
	}
	s.metrics.reportDelivery(result)
}

// errorEnvelope wraps a proxy-generated error as a plain-text response.
func errorEnvelope(status int, msg string) wire.Response {
	return wire.Response{
		Status:  status,
		Headers: map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:    []byte(msg),
	}
}

// sanitizeHeaders canonicalizes carried headers and strips the
// connection-level ones.
func sanitizeHeaders(headers map[string][]string) http.Header {
	out := make(http.Header, len(headers))
	for name, values := range headers {
		out[http.CanonicalHeaderKey(name)] = slices.Clone(values)
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
