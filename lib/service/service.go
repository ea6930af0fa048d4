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

// Package service assembles a mesh node from its configuration and
// runs it. A node carries one or both roles: the agent makes the
// cluster reachable (it publishes the directory record, answers
// discovery queries and delivers inbound requests to local services)
// and the proxy carries local traffic out (it intercepts HTTP,
// resolves mesh destinations and forwards requests to peer clusters).
// Both roles share one transport endpoint and one node identity.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
)

// Config is the runtime configuration of a mesh node. lib/config
// builds it from the YAML file and the command line; tests fill it
// directly.
type Config struct {
	// ClusterID names the cluster this node belongs to.
	ClusterID types.ClusterID
	// DataDir holds node state, the identity key above all.
	DataDir string
	// LogSeverity is the minimum level logged: debug, info, warn or
	// error.
	LogSeverity string
	// LogFormat is text or json.
	LogFormat string
	// Mesh configures the transport endpoint shared by both roles.
	Mesh MeshConfig
	// Directory configures the cluster directory client.
	Directory DirectoryConfig
	// Agent configures the agent role.
	Agent AgentConfig
	// Proxy configures the proxy role.
	Proxy ProxyConfig
	// Log overrides the logger built from LogSeverity and LogFormat.
	Log *slog.Logger
	// Clock drives every periodic loop in the node. Tests swap it.
	Clock clockwork.Clock
}

// MeshConfig configures the encrypted peer-to-peer transport.
type MeshConfig struct {
	// ListenAddr is the host:port the transport binds. UDP for the
	// quic transport, TCP for tls.
	ListenAddr string
	// Transport picks the wire protocol, quic or tls.
	Transport string
	// AdvertiseAddrs are the addresses peers may dial this node on
	// directly. An entry without a port advertises the bound transport
	// port.
	AdvertiseAddrs []string
	// RelayAddr is the relay this node stays reachable through when no
	// direct address connects.
	RelayAddr string
}

// DirectoryConfig configures the cluster directory client.
type DirectoryConfig struct {
	// Type picks the backend, file or dns.
	Type string
	// Path is the shared records file. File directories only.
	Path string
	// DNSZone is the zone holding cluster TXT records. DNS only.
	DNSZone string
	// Resolvers are the DNS servers to query, host:port. Defaults to
	// the system resolvers. DNS only.
	Resolvers []string
}

// AgentConfig configures the agent role.
type AgentConfig struct {
	// Enabled turns the role on.
	Enabled bool
	// AdminAddr is the host:port of the read-only admin endpoint.
	AdminAddr string
	// PublishInterval is how often the directory record is
	// republished.
	PublishInterval time.Duration
	// RefreshInterval is how often local services are rescanned
	// between watch events.
	RefreshInterval time.Duration
	// ScannerType picks the local service scanner, static is the only
	// kind.
	ScannerType string
	// ScannerPath is the YAML service inventory of the static scanner.
	ScannerPath string
}

// ProxyConfig configures the proxy role.
type ProxyConfig struct {
	// Enabled turns the role on.
	Enabled bool
	// ListenAddr is the host:port the HTTP interceptor binds.
	ListenAddr string
	// MeshDomain is the DNS suffix that marks a destination host as a
	// mesh service.
	MeshDomain string
	// Balancer picks the endpoint selection strategy.
	Balancer string
	// StaticRoutes pins exact hostnames to routes, bypassing mesh
	// domain parsing.
	StaticRoutes map[string]types.CrossClusterRoute
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.ClusterID.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	switch c.LogSeverity {
	case "":
		c.LogSeverity = "info"
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("unknown log severity %q, use debug, info, warn or error", c.LogSeverity)
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return trace.BadParameter("unknown log format %q, use text or json", c.LogFormat)
	}
	if err := c.Mesh.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Directory.check(); err != nil {
		return trace.Wrap(err)
	}
	if !c.Agent.Enabled && !c.Proxy.Enabled {
		return trace.BadParameter("no roles are enabled, enable the agent or the proxy")
	}
	if c.Agent.Enabled {
		if err := c.Agent.checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if c.Directory.Type == defaults.DirectoryTypeDNS {
			return trace.BadParameter("a DNS directory is resolve-only and cannot carry the agent's record, use a file directory on agent nodes")
		}
		if len(c.Mesh.AdvertiseAddrs) == 0 && c.Mesh.RelayAddr == "" {
			return trace.BadParameter("an agent needs mesh.advertise_addrs or mesh.relay_addr so peers can reach it")
		}
	}
	if c.Proxy.Enabled {
		if err := c.Proxy.checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

func (c *MeshConfig) checkAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("0.0.0.0:%d", defaults.MeshListenPort)
	}
	switch c.Transport {
	case "":
		c.Transport = defaults.TransportQUIC
	case defaults.TransportQUIC, defaults.TransportTLS:
	default:
		return trace.BadParameter("unknown mesh transport %q, use quic or tls", c.Transport)
	}
	return nil
}

func (c *DirectoryConfig) check() error {
	switch c.Type {
	case defaults.DirectoryTypeFile:
		if c.Path == "" {
			return trace.BadParameter("a file directory needs a path")
		}
	case defaults.DirectoryTypeDNS:
		if c.DNSZone == "" {
			return trace.BadParameter("a DNS directory needs a zone")
		}
	case "":
		return trace.BadParameter("the directory type is required, one of file, dns")
	default:
		return trace.BadParameter("unknown directory type %q, use file or dns", c.Type)
	}
	return nil
}

func (c *AgentConfig) checkAndSetDefaults() error {
	if c.AdminAddr == "" {
		c.AdminAddr = fmt.Sprintf("127.0.0.1:%d", defaults.AdminListenPort)
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = defaults.PublishInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.ServiceRefreshInterval
	}
	switch c.ScannerType {
	case defaults.ScannerTypeStatic:
		if c.ScannerPath == "" {
			return trace.BadParameter("a static scanner needs a path")
		}
	case "":
		return trace.BadParameter("an agent needs a scanner, set the scanner type")
	default:
		return trace.BadParameter("unknown scanner type %q, static is the only kind", c.ScannerType)
	}
	return nil
}

func (c *ProxyConfig) checkAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("127.0.0.1:%d", defaults.ProxyListenPort)
	}
	if c.MeshDomain == "" {
		c.MeshDomain = defaults.MeshDomain
	}
	switch c.Balancer {
	case "":
		c.Balancer = defaults.BalancerRoundRobin
	case defaults.BalancerRoundRobin, defaults.BalancerLeastConn,
		defaults.BalancerWeighted, defaults.BalancerEWMA:
	default:
		return trace.BadParameter("unknown balancer %q", c.Balancer)
	}
	for host, route := range c.StaticRoutes {
		if err := route.Check(); err != nil {
			return trace.Wrap(err, "static route for host %q", host)
		}
	}
	return nil
}

// NewLogger builds the node logger for a severity and format accepted
// by Config.
func NewLogger(severity, format string) (*slog.Logger, error) {
	var level slog.Level
	switch severity {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, trace.BadParameter("unknown log severity %q", severity)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, trace.BadParameter("unknown log format %q", format)
	}
}
