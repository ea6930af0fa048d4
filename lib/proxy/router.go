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

// Package proxy carries intercepted HTTP traffic across the mesh. The
// Router is the sending side: it classifies the destination, walks the
// balancer and the circuit breaker, and runs the framed exchange over a
// peer connection, retrying transport failures for idempotent methods.
// The Server is the receiving side, delivering envelopes to services in
// its own cluster. Interceptors feed local traffic into the Router; the
// HTTP interceptor is a plain reverse-proxy listener.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/breaker"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/api/utils/retryutils"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/routing"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/wire"
)

// MaxBodyBytes caps request and response bodies carried across the
// mesh. It stays under the data frame limit with room for base64
// inflation and envelope fields.
const MaxBodyBytes = 6 * 1024 * 1024

// Request is one intercepted HTTP request, addressed by host rather
// than by a resolved route.
type Request struct {
	// Host is the destination as the client named it, optionally with
	// a port.
	Host string
	// Method is the HTTP method.
	Method string
	// Path is the request URI, query included.
	Path string
	// Headers are the request headers.
	Headers http.Header
	// Body is the full request body.
	Body []byte
}

// Response is the reply delivered back to the intercepted client.
type Response struct {
	// Status is the upstream HTTP status code.
	Status int
	// Headers are the response headers.
	Headers http.Header
	// Body is the full response body.
	Body []byte
}

// Handler handles intercepted requests. *Router implements it.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// ConnectionGetter hands out an established connection to a peer
// cluster. *peering.Manager implements it.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, cluster types.ClusterID) (transport.Connection, error)
}

// RouterConfig holds the dependencies of a Router.
type RouterConfig struct {
	// Table classifies hosts and selects endpoints.
	Table *routing.Table
	// Connections dials peer clusters.
	Connections ConnectionGetter
	// Breakers guards targets; a default registry is created when nil.
	Breakers *breaker.Registry
	// RetryAttempts is the total number of endpoint attempts per
	// request, the first try included.
	RetryAttempts int
	// RetryStep is the initial delay between attempts.
	RetryStep time.Duration
	// RetryMax caps the delay between attempts.
	RetryMax time.Duration
	// ExchangeTimeout bounds one request/response exchange on a stream.
	ExchangeTimeout time.Duration
	// Clock paces retries and measures latency.
	Clock clockwork.Clock
	// Log emits routing events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RouterConfig) CheckAndSetDefaults() error {
	if c.Table == nil {
		return trace.BadParameter("traffic router needs a route table")
	}
	if c.Connections == nil {
		return trace.BadParameter("traffic router needs a connection getter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Breakers == nil {
		registry, err := breaker.NewRegistry(breaker.DefaultBreakerConfig(c.Clock))
		if err != nil {
			return trace.Wrap(err)
		}
		c.Breakers = registry
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaults.ProxyRetryAttempts
	}
	if c.RetryStep <= 0 {
		c.RetryStep = defaults.ProxyRetryStep
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaults.ProxyRetryMax
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = defaults.ExchangeTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentProxy)
	}
	return nil
}

// Router forwards intercepted requests across the mesh.
type Router struct {
	cfg     RouterConfig
	metrics *routerMetrics
}

// NewRouter returns a Router ready to handle requests.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := newRouterMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Router{cfg: cfg, metrics: metrics}, nil
}

// Handle carries one request to its destination cluster and returns
// the response. Transport failures are retried with backoff for
// idempotent methods only, re-selecting an endpoint each time; any
// response that made it back, whatever its status, is final. A tripped
// breaker rejects the request before any endpoint is selected.
func (r *Router) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Host == "" || req.Method == "" {
		return nil, trace.BadParameter("request needs a host and a method")
	}
	start := r.cfg.Clock.Now()

	route, err := r.cfg.Table.Classify(req.Host)
	if err != nil {
		r.metrics.reportRequest(errorKind(err))
		return nil, trace.Wrap(err)
	}

	cb := r.cfg.Breakers.Get(breaker.Target{
		Cluster:   route.Cluster,
		Service:   route.Service,
		Namespace: route.Namespace,
	})
	v, err := cb.Execute(func() (any, error) {
		resp, err := r.forward(ctx, route, req)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return resp, nil
	})
	if err != nil {
		kind := errorKind(err)
		r.metrics.reportRequest(kind)
		r.cfg.Log.WarnContext(ctx, "Request failed.",
			"route", route.String(),
			"method", req.Method,
			"kind", kind,
			"error", err,
		)
		return nil, trace.Wrap(err)
	}

	resp := v.(*Response)
	r.metrics.reportRequest(resultOK)
	r.metrics.observeRequest(r.cfg.Clock.Since(start).Seconds())
	return resp, nil
}

// forward runs the retry loop for one classified request.
func (r *Router) forward(ctx context.Context, route types.CrossClusterRoute, req *Request) (*Response, error) {
	retry, err := retryutils.NewRetryV2(retryutils.RetryV2Config{
		Driver: retryutils.NewExponentialDriver(r.cfg.RetryStep),
		Max:    r.cfg.RetryMax,
		Jitter: retryutils.HalfJitter,
		Clock:  r.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}

		resp, err := r.attempt(ctx, route, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retriable(req.Method, err) {
			return nil, trace.Wrap(err)
		}
		r.cfg.Log.DebugContext(ctx, "Retrying after a transport failure.",
			"route", route.String(),
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, trace.Wrap(lastErr)
}

// attempt selects an endpoint and runs one exchange against it.
func (r *Router) attempt(ctx context.Context, route types.CrossClusterRoute, req *Request) (*Response, error) {
	target, err := r.cfg.Table.Select(ctx, route)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := r.exchange(ctx, target, req)
	if err != nil {
		target.Stats.ObserveFailure()
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

// exchange runs one request/response round trip on a fresh stream.
func (r *Router) exchange(ctx context.Context, target routing.Target, req *Request) (*Response, error) {
	conn, err := r.cfg.Connections.GetConnection(ctx, target.Route.Cluster)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer stream.Close()

	target.Stats.IncActive()
	defer target.Stats.DecActive()

	if err := stream.SetDeadline(time.Now().Add(r.cfg.ExchangeTimeout)); err != nil {
		return nil, trace.ConnectionProblem(err, "arming the exchange deadline")
	}

	envelope := wire.Request{
		ID:        uuid.NewString(),
		Service:   target.Route.Service,
		Namespace: target.Route.Namespace,
		Port:      target.Route.Port,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Body:      req.Body,
	}

	start := r.cfg.Clock.Now()
	if err := wire.WriteFrame(stream, defaults.MaxDiscoveryFrameSize, wire.StreamHeader{Kind: wire.KindHTTP}); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := wire.WriteFrame(stream, defaults.MaxDataFrameSize, envelope); err != nil {
		return nil, trace.Wrap(err)
	}
	var reply wire.Response
	if err := wire.ReadFrame(stream, defaults.MaxDataFrameSize, &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	latency := r.cfg.Clock.Since(start)
	target.Stats.ObserveLatency(latency)

	r.cfg.Log.DebugContext(ctx, "Proxied request.",
		"id", envelope.ID,
		"route", target.Route.String(),
		"endpoint", target.Endpoint.HostPort(),
		"status", reply.Status,
		"duration", latency,
	)
	return &Response{
		Status:  reply.Status,
		Headers: http.Header(reply.Headers),
		Body:    reply.Body,
	}, nil
}

// retriable reports whether a failed attempt may be retried: only
// idempotent methods, and only failures of the transport rather than
// of the application.
func retriable(method string, err error) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return trace.IsConnectionProblem(err)
}

// isTimeoutError reports whether a failure was a deadline running out
// rather than the peer being unreachable.
func isTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

// errorKind buckets an error for metrics labels and log fields.
func errorKind(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, breaker.ErrStateTripped):
		return resultCircuitOpen
	case errors.Is(err, routing.ErrNoEndpoints):
		return resultNoEndpoints
	case trace.IsAccessDenied(err):
		return resultIdentity
	case trace.IsNotFound(err):
		return resultNotFound
	case isTimeoutError(err):
		return resultTimeout
	case trace.IsConnectionProblem(err):
		return resultUnreachable
	case trace.IsBadParameter(err):
		return resultBadRequest
	default:
		return resultError
	}
}

// StatusForError maps a Handle failure to the HTTP status the
// interceptor answers with.
func StatusForError(err error) int {
	switch errorKind(err) {
	case resultCircuitOpen:
		return http.StatusServiceUnavailable
	case resultNoEndpoints, resultUnreachable:
		return http.StatusBadGateway
	case resultIdentity:
		return http.StatusForbidden
	case resultNotFound:
		return http.StatusNotFound
	case resultTimeout:
		return http.StatusGatewayTimeout
	case resultBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
