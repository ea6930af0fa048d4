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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/discovery"
	"github.com/meshport/meshport/lib/transport"
)

// Status is the payload of GET /v1/status.
type Status struct {
	// Cluster is the local cluster id.
	Cluster types.ClusterID `json:"cluster"`
	// Node is this agent's transport identity.
	Node types.NodeID `json:"node"`
	// Addrs is the contact record the agent publishes.
	Addrs types.NodeAddr `json:"addrs"`
	// Version is the meshport version the agent runs.
	Version string `json:"version"`
	// Scanned is when the service snapshot was last fully rebuilt.
	Scanned time.Time `json:"scanned"`
	// Services is the local service snapshot.
	Services []types.ServiceInfo `json:"services"`
	// Peers is the cluster connection table, when a source is wired.
	Peers []PeerStatus `json:"peers,omitempty"`
	// Cache is the discovery cache, when a source is wired.
	Cache []discovery.CacheEntry `json:"cache,omitempty"`
	// Clusters is every remote cluster discovery has heard from.
	Clusters []types.ClusterInfo `json:"clusters,omitempty"`
}

// PeerStatus is one cluster connection in the status payload.
type PeerStatus struct {
	Cluster    types.ClusterID   `json:"cluster"`
	State      string            `json:"state"`
	Quality    transport.Quality `json:"quality,omitempty"`
	NodeID     types.NodeID      `json:"node_id,omitempty"`
	LastActive time.Time         `json:"last_active"`
}

// serveAdmin runs the read-only admin endpoint until ctx ends.
func (a *Agent) serveAdmin(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		IdleTimeout:       defaults.HTTPIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.cfg.Log.InfoContext(ctx, "Serving the admin endpoint.", "addr", a.cfg.AdminListener.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(a.cfg.AdminListener) }()
	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.cfg.Log.WarnContext(ctx, "Forcing the admin endpoint closed.", "error", err)
		srv.Close()
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := a.statusSnapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.cfg.Log.DebugContext(r.Context(), "Writing the status payload failed.", "error", err)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

// statusSnapshot assembles the status payload from the agent's own
// snapshot and the optional peering and discovery sources.
func (a *Agent) statusSnapshot() Status {
	services, scanned := a.localServices()
	status := Status{
		Cluster:  a.cfg.Cluster,
		Node:     a.cfg.Endpoint.NodeID(),
		Addrs:    a.cfg.Advertised,
		Version:  meshport.Version,
		Scanned:  scanned,
		Services: services,
	}
	if a.cfg.Peers != nil {
		for _, peer := range a.cfg.Peers.Status() {
			status.Peers = append(status.Peers, PeerStatus{
				Cluster:    peer.Cluster,
				State:      peer.State.String(),
				Quality:    peer.Quality,
				NodeID:     peer.NodeID,
				LastActive: peer.LastActive,
			})
		}
	}
	if a.cfg.Cache != nil {
		status.Cache = a.cfg.Cache.CacheContents()
		status.Clusters = a.cfg.Cache.Clusters()
	}
	return status
}
