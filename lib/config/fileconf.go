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

package config

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
)

// Balancers lists the accepted balancer names, for flag help and
// validation messages.
var Balancers = []string{
	defaults.BalancerRoundRobin,
	defaults.BalancerLeastConn,
	defaults.BalancerWeighted,
	defaults.BalancerEWMA,
}

// FileConfig is the root of the YAML configuration file, usually
// /etc/meshport.yaml.
type FileConfig struct {
	Global GlobalConfig `yaml:"meshport"`
	Mesh   MeshConfig   `yaml:"mesh"`
	Agent  AgentConfig  `yaml:"agent,omitempty"`
	Proxy  ProxyConfig  `yaml:"proxy,omitempty"`
}

// GlobalConfig is the `meshport` section: settings every role shares.
type GlobalConfig struct {
	// ClusterID names the cluster this node belongs to.
	ClusterID string `yaml:"cluster_id"`
	// DataDir keeps the node key and other state across restarts.
	DataDir string `yaml:"data_dir,omitempty"`
	// Log configures the process logger.
	Log LogConfig `yaml:"log,omitempty"`
}

// LogConfig is the `meshport.log` section.
type LogConfig struct {
	// Severity is the minimum level emitted: debug, info, warn, error.
	Severity string `yaml:"severity,omitempty"`
	// Format picks the handler: text or json.
	Format string `yaml:"format,omitempty"`
}

// MeshConfig is the `mesh` section: the transport every role dials and
// listens through, and the directory that locates peer clusters.
type MeshConfig struct {
	// ListenAddr is the host:port the mesh transport binds.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Transport picks the wire protocol: quic or tls.
	Transport string `yaml:"transport,omitempty"`
	// AdvertiseAddrs are the direct addresses peers should try before
	// falling back to the relay. An entry without a port advertises
	// the bound transport port.
	AdvertiseAddrs []string `yaml:"advertise_addrs,omitempty"`
	// RelayAddr is the relay peers fall back to when no direct address
	// works.
	RelayAddr string `yaml:"relay_addr,omitempty"`
	// Directory locates peer clusters.
	Directory DirectoryConfig `yaml:"directory"`
}

// DirectoryConfig is the `mesh.directory` section.
type DirectoryConfig struct {
	// Type picks the backend: file or dns.
	Type string `yaml:"type"`
	// Path is the shared records file. File directories only.
	Path string `yaml:"path,omitempty"`
	// DNSZone is the zone holding cluster TXT records. DNS only.
	DNSZone string `yaml:"dns_zone,omitempty"`
	// Resolvers are the DNS servers to query, host:port. Defaults to
	// the system resolvers. DNS only.
	Resolvers []string `yaml:"resolvers,omitempty"`
}

// AgentConfig is the `agent` section.
type AgentConfig struct {
	// Enabled turns the agent role on.
	Enabled bool `yaml:"enabled"`
	// AdminAddr is the host:port of the read-only admin endpoint.
	AdminAddr string `yaml:"admin_addr,omitempty"`
	// PublishInterval is how often the directory record is republished.
	PublishInterval time.Duration `yaml:"publish_interval,omitempty"`
	// RefreshInterval is how often local services are rescanned.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
	// Scanner enumerates the local services.
	Scanner ScannerConfig `yaml:"scanner"`
}

// ScannerConfig is the `agent.scanner` section.
type ScannerConfig struct {
	// Type picks the backend. Only static is supported.
	Type string `yaml:"type"`
	// Path is the YAML service inventory. Static scanners only.
	Path string `yaml:"path,omitempty"`
}

// ProxyConfig is the `proxy` section.
type ProxyConfig struct {
	// Enabled turns the proxy role on.
	Enabled bool `yaml:"enabled"`
	// ListenAddr is the host:port the HTTP interceptor binds.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// MeshDomain is the DNS suffix that marks a hostname as a
	// cross-cluster destination.
	MeshDomain string `yaml:"mesh_domain,omitempty"`
	// Balancer picks among a route's endpoints: round_robin,
	// least_conn, weighted_round_robin or ewma.
	Balancer string `yaml:"balancer,omitempty"`
	// Routes map exact hostnames to destinations, ahead of mesh domain
	// parsing.
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

// RouteConfig is one static route in the proxy section.
type RouteConfig struct {
	// Host is the exact hostname to match.
	Host string `yaml:"host"`
	// Cluster, Service and Namespace name the destination.
	Cluster   string `yaml:"cluster"`
	Service   string `yaml:"service"`
	Namespace string `yaml:"namespace"`
	// Port narrows the destination to one service port. Zero means the
	// service's only port.
	Port uint16 `yaml:"port,omitempty"`
}

// CheckAndSetDefaults validates the file config and fills in defaults.
// Role sections are validated only when enabled, so a proxy-only config
// does not need a scanner.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if err := types.ClusterID(fc.Global.ClusterID).Check(); err != nil {
		return trace.Wrap(err, "meshport.cluster_id")
	}
	if fc.Global.DataDir == "" {
		fc.Global.DataDir = defaults.DataDir
	}
	if err := fc.Global.Log.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := fc.Mesh.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if fc.Agent.Enabled {
		if err := fc.Agent.checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if fc.Mesh.Directory.Type == defaults.DirectoryTypeDNS {
			return trace.BadParameter("a DNS directory is resolve-only and cannot carry the agent's record, use a file directory on agent nodes")
		}
	}
	if fc.Proxy.Enabled {
		if err := fc.Proxy.checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if !fc.Agent.Enabled && !fc.Proxy.Enabled {
		return trace.BadParameter("no roles are enabled, enable the agent or the proxy section (or pass --roles)")
	}
	return nil
}

func (c *LogConfig) checkAndSetDefaults() error {
	if c.Severity == "" {
		c.Severity = "info"
	}
	switch strings.ToLower(c.Severity) {
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("meshport.log.severity %q is not one of debug, info, warn, error", c.Severity)
	}
	if c.Format == "" {
		c.Format = "text"
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return trace.BadParameter("meshport.log.format %q is not one of text, json", c.Format)
	}
	return nil
}

func (c *MeshConfig) checkAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("0.0.0.0:%d", defaults.MeshListenPort)
	}
	if c.Transport == "" {
		c.Transport = defaults.TransportQUIC
	}
	switch c.Transport {
	case defaults.TransportQUIC, defaults.TransportTLS:
	default:
		return trace.BadParameter("mesh.transport %q is not one of quic, tls", c.Transport)
	}
	switch c.Directory.Type {
	case defaults.DirectoryTypeFile:
		if c.Directory.Path == "" {
			return trace.BadParameter("mesh.directory.path is required for a file directory")
		}
	case defaults.DirectoryTypeDNS:
		if c.Directory.DNSZone == "" {
			return trace.BadParameter("mesh.directory.dns_zone is required for a DNS directory")
		}
	case "":
		return trace.BadParameter("mesh.directory.type is required, one of file, dns")
	default:
		return trace.BadParameter("mesh.directory.type %q is not one of file, dns", c.Directory.Type)
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
	switch c.Scanner.Type {
	case defaults.ScannerTypeStatic:
		if c.Scanner.Path == "" {
			return trace.BadParameter("agent.scanner.path is required for a static scanner")
		}
	case "":
		return trace.BadParameter("agent.scanner.type is required")
	default:
		return trace.BadParameter("agent.scanner.type %q is not supported, only static", c.Scanner.Type)
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
	if c.Balancer == "" {
		c.Balancer = defaults.BalancerRoundRobin
	}
	if !slices.Contains(Balancers, c.Balancer) {
		return trace.BadParameter("proxy.balancer %q is not one of %v", c.Balancer, strings.Join(Balancers, ", "))
	}
	for i, route := range c.Routes {
		if err := route.check(); err != nil {
			return trace.Wrap(err, "proxy.routes[%d]", i)
		}
	}
	return nil
}

func (r *RouteConfig) check() error {
	if r.Host == "" {
		return trace.BadParameter("a static route needs a host")
	}
	route := types.CrossClusterRoute{
		Cluster:   types.ClusterID(r.Cluster),
		Service:   r.Service,
		Namespace: r.Namespace,
		Port:      r.Port,
	}
	return trace.Wrap(route.Check())
}

// ReadConfig parses a YAML config from a reader. Unknown fields are
// rejected so typos fail loudly instead of being silently dropped.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed parsing the config file: %s", strings.ReplaceAll(err.Error(), "\n", " "))
	}
	return &fc, nil
}

// ReadConfigFile reads and parses the YAML config at path.
func ReadConfigFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	return fc, trace.Wrap(err, "reading %v", path)
}
