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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/defaults"
)

// Interceptor feeds local traffic into a Handler until its context is
// cancelled. The HTTP implementation below is a plain reverse-proxy
// listener; redirection at the network layer would be another
// implementation of the same seam.
type Interceptor interface {
	Serve(ctx context.Context, handler Handler) error
}

// HTTPInterceptorConfig holds the dependencies of an HTTPInterceptor.
type HTTPInterceptorConfig struct {
	// Listener accepts plain HTTP from local clients. The interceptor
	// closes it on shutdown.
	Listener net.Listener
	// ReadHeaderTimeout bounds reading one request's headers.
	ReadHeaderTimeout time.Duration
	// IdleTimeout bounds how long a kept-alive client connection may
	// sit unused.
	IdleTimeout time.Duration
	// ShutdownTimeout bounds the drain of in-flight requests.
	ShutdownTimeout time.Duration
	// Log emits interceptor events.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HTTPInterceptorConfig) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("the HTTP interceptor needs a listener")
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = defaults.ReadHeadersTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.HTTPIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentProxy)
	}
	return nil
}

// HTTPInterceptor serves plain HTTP on a local listener and forwards
// every request through a Handler. Clients point at it directly or
// through DNS that resolves mesh hostnames to it.
type HTTPInterceptor struct {
	cfg HTTPInterceptorConfig
}

// NewHTTPInterceptor returns an HTTPInterceptor ready for Serve.
func NewHTTPInterceptor(cfg HTTPInterceptorConfig) (*HTTPInterceptor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HTTPInterceptor{cfg: cfg}, nil
}

// Serve blocks until ctx is cancelled or the listener fails. In-flight
// requests get ShutdownTimeout to drain.
func (i *HTTPInterceptor) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return trace.BadParameter("the HTTP interceptor needs a handler")
	}
	srv := &http.Server{
		Handler:           NewHTTPHandler(handler),
		ReadHeaderTimeout: i.cfg.ReadHeaderTimeout,
		IdleTimeout:       i.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	i.cfg.Log.InfoContext(ctx, "Intercepting HTTP traffic.", "addr", i.cfg.Listener.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(i.cfg.Listener) }()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), i.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		i.cfg.Log.WarnContext(shutdownCtx, "Forcing the HTTP interceptor closed.", "error", err)
		srv.Close()
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// NewHTTPHandler translates plain HTTP requests into proxied envelopes
// and the outcome back into HTTP. Failures map onto gateway status
// codes, 502 for unreachable or endpointless targets, 503 for an open
// circuit, 404 for a service the destination cluster does not have,
// 504 for timeouts and 403 for peer identity failures.
func NewHTTPHandler(handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			http.Error(w, "reading the request body failed", http.StatusBadRequest)
			return
		}
		if len(body) > MaxBodyBytes {
			http.Error(w, "request body exceeds the mesh size limit", http.StatusRequestEntityTooLarge)
			return
		}

		resp, err := handler.Handle(r.Context(), &Request{
			Host:    r.Host,
			Method:  r.Method,
			Path:    r.RequestURI,
			Headers: r.Header,
			Body:    body,
		})
		if err != nil {
			http.Error(w, trace.UserMessage(err), StatusForError(err))
			return
		}

		headers := w.Header()
		for name, values := range resp.Headers {
			headers[name] = values
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}
