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

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/agent"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/directory"
	"github.com/meshport/meshport/lib/discovery"
	"github.com/meshport/meshport/lib/peering"
	"github.com/meshport/meshport/lib/proxy"
	"github.com/meshport/meshport/lib/routing"
	"github.com/meshport/meshport/lib/scanner"
	"github.com/meshport/meshport/lib/transport"
	"github.com/meshport/meshport/lib/transport/quicmesh"
	"github.com/meshport/meshport/lib/transport/tlsmesh"
	"github.com/meshport/meshport/lib/wire"
)

// Process is an assembled mesh node. NewProcess builds it, Run serves
// it.
type Process struct {
	cfg Config
	log *slog.Logger

	endpoint    transport.Endpoint
	peers       *peering.Manager
	resolver    *discovery.Manager
	router      *proxy.Router
	interceptor *proxy.HTTPInterceptor
	agent       *agent.Agent

	adminAddr string
	proxyAddr string

	closers []io.Closer
}

// NewProcess builds a node from cfg: it loads or generates the
// identity key, binds the listeners of the enabled roles and wires the
// roles together. The node does nothing until Run.
func NewProcess(cfg Config) (p *Process, err error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Log
	if log == nil {
		log, err = NewLogger(cfg.LogSeverity, cfg.LogFormat)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	p = &Process{
		cfg: cfg,
		log: log.With(meshport.ComponentKey, meshport.ComponentProcess),
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	key, err := transport.LoadOrGenerateKey(filepath.Join(cfg.DataDir, defaults.NodeKeyFile))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch cfg.Mesh.Transport {
	case defaults.TransportQUIC:
		p.endpoint, err = quicmesh.New(quicmesh.Config{
			Key:        key,
			ListenAddr: cfg.Mesh.ListenAddr,
			Clock:      cfg.Clock,
			Log:        log.With(meshport.ComponentKey, meshport.ComponentTransport),
		})
	case defaults.TransportTLS:
		p.endpoint, err = tlsmesh.New(tlsmesh.Config{
			Key:        key,
			ListenAddr: cfg.Mesh.ListenAddr,
			Log:        log.With(meshport.ComponentKey, meshport.ComponentTransport),
		})
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.closers = append(p.closers, p.endpoint)

	var dir directory.Directory
	switch cfg.Directory.Type {
	case defaults.DirectoryTypeFile:
		file, err := directory.NewFile(directory.FileConfig{
			Path:  cfg.Directory.Path,
			Watch: true,
			Log:   log.With(meshport.ComponentKey, meshport.ComponentDirectory),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.closers = append(p.closers, file)
		dir = file
	case defaults.DirectoryTypeDNS:
		dns, err := directory.NewDNS(directory.DNSConfig{
			Zone:    cfg.Directory.DNSZone,
			Servers: cfg.Directory.Resolvers,
			Log:     log.With(meshport.ComponentKey, meshport.ComponentDirectory),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		dir = dns
	}

	p.peers, err = peering.NewManager(peering.Config{
		LocalCluster: cfg.ClusterID,
		Endpoint:     p.endpoint,
		Directory:    dir,
		Clock:        cfg.Clock,
		Log:          log.With(meshport.ComponentKey, meshport.ComponentPeering),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.closers = append(p.closers, p.peers)

	// Proxy-only nodes still need a scanner: the discovery manager
	// resolves routes into this very cluster through it.
	var scan scanner.Scanner = scanner.NewEmpty()
	if cfg.Agent.Enabled {
		static, err := scanner.NewStatic(scanner.StaticConfig{
			Path:  cfg.Agent.ScannerPath,
			Watch: true,
			Log:   log.With(meshport.ComponentKey, meshport.ComponentScanner),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.closers = append(p.closers, static)
		scan = static
	}

	if cfg.Proxy.Enabled {
		p.resolver, err = discovery.NewManager(discovery.Config{
			LocalCluster: cfg.ClusterID,
			Scanner:      scan,
			Connections:  p.peers,
			Clock:        cfg.Clock,
			Log:          log.With(meshport.ComponentKey, meshport.ComponentDiscovery),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		balancer, err := routing.NewBalancer(cfg.Proxy.Balancer)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		table, err := routing.NewTable(routing.TableConfig{
			MeshDomain:   cfg.Proxy.MeshDomain,
			StaticRoutes: cfg.Proxy.StaticRoutes,
			Resolver:     p.resolver,
			Balancer:     balancer,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.router, err = proxy.NewRouter(proxy.RouterConfig{
			Table:       table,
			Connections: p.peers,
			Clock:       cfg.Clock,
			Log:         log.With(meshport.ComponentKey, meshport.ComponentProxy),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ln, err := net.Listen("tcp", cfg.Proxy.ListenAddr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.closers = append(p.closers, ln)
		p.proxyAddr = ln.Addr().String()
		p.interceptor, err = proxy.NewHTTPInterceptor(proxy.HTTPInterceptorConfig{
			Listener: ln,
			Log:      log.With(meshport.ComponentKey, meshport.ComponentProxy),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if cfg.Agent.Enabled {
		dataplane, err := proxy.NewServer(proxy.ServerConfig{
			Scanner: scan,
			Clock:   cfg.Clock,
			Log:     log.With(meshport.ComponentKey, meshport.ComponentDataplane),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		adminLn, err := net.Listen("tcp", cfg.Agent.AdminAddr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.closers = append(p.closers, adminLn)
		p.adminAddr = adminLn.Addr().String()
		directAddrs, err := advertisedAddrs(cfg.Mesh.AdvertiseAddrs, p.endpoint.Addr())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// The discovery cache shows up in the status payload only when
		// the proxy role runs next to the agent.
		var cache agent.DiscoveryView
		if p.resolver != nil {
			cache = p.resolver
		}
		p.agent, err = agent.New(agent.Config{
			Cluster:   cfg.ClusterID,
			Endpoint:  p.endpoint,
			Directory: dir,
			Scanner:   scan,
			Advertised: types.NodeAddr{
				NodeID:      p.endpoint.NodeID(),
				RelayAddr:   cfg.Mesh.RelayAddr,
				DirectAddrs: directAddrs,
			},
			StreamHandlers: map[string]discovery.StreamHandler{
				wire.KindHTTP: dataplane.HandleStream,
			},
			AdminListener:   adminLn,
			Peers:           p.peers,
			Cache:           cache,
			PublishInterval: cfg.Agent.PublishInterval,
			RefreshInterval: cfg.Agent.RefreshInterval,
			Clock:           cfg.Clock,
			Log:             log.With(meshport.ComponentKey, meshport.ComponentAgent),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return p, nil
}

// Run serves the enabled roles until ctx is cancelled or one of them
// fails, then releases everything the node holds. A failing role shuts
// the other one down.
func (p *Process) Run(ctx context.Context) error {
	p.log.InfoContext(ctx, "Starting meshport.",
		"version", meshport.Version,
		"cluster", p.cfg.ClusterID,
		"node", p.endpoint.NodeID().Short(),
		"roles", p.roles(),
	)
	group, ctx := errgroup.WithContext(ctx)
	if p.agent != nil {
		group.Go(func() error {
			return trace.Wrap(p.agent.Run(ctx))
		})
	}
	if p.interceptor != nil {
		group.Go(func() error {
			return trace.Wrap(p.interceptor.Serve(ctx, p.router))
		})
	}
	err := group.Wait()
	if cerr := p.Close(); cerr != nil {
		p.log.WarnContext(ctx, "Closing the node failed.", "error", cerr)
	}
	return trace.Wrap(err)
}

// Close releases the node's resources in reverse construction order:
// listeners, watchers, the connection table and finally the transport
// endpoint. Run calls it on the way out; a second call is harmless.
func (p *Process) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		// Roles close their own listeners on shutdown, so skip the
		// resulting double close here.
		if err := p.closers[i].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// NodeID returns the node's transport identity.
func (p *Process) NodeID() types.NodeID {
	return p.endpoint.NodeID()
}

// AdminAddr returns the bound admin endpoint address, empty when the
// agent role is off.
func (p *Process) AdminAddr() string {
	return p.adminAddr
}

// ProxyAddr returns the bound interceptor address, empty when the
// proxy role is off.
func (p *Process) ProxyAddr() string {
	return p.proxyAddr
}

func (p *Process) roles() []string {
	var roles []string
	if p.cfg.Agent.Enabled {
		roles = append(roles, "agent")
	}
	if p.cfg.Proxy.Enabled {
		roles = append(roles, "proxy")
	}
	return roles
}

// advertisedAddrs completes the configured advertise addresses against
// the transport's bound address. An entry without a port, or with port
// zero, advertises the port the transport actually listens on.
func advertisedAddrs(addrs []string, bound string) ([]string, error) {
	_, boundPort, err := net.SplitHostPort(bound)
	if err != nil {
		return nil, trace.BadParameter("transport address %q is not host:port", bound)
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			host, port = addr, boundPort
		} else if port == "" || port == "0" {
			port = boundPort
		}
		if host == "" {
			return nil, trace.BadParameter("advertise address %q has no host", addr)
		}
		out = append(out, net.JoinHostPort(host, port))
	}
	return out, nil
}
