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

// Package defaults holds the tunables shared across meshport components.
package defaults

import "time"

const (
	// MeshListenPort is the default UDP/TCP port the mesh transport
	// listens on.
	MeshListenPort = 15000

	// ProxyListenPort is the default port of the local HTTP proxy that
	// intercepts cross-cluster traffic.
	ProxyListenPort = 15001

	// AdminListenPort is the default port of the agent's read-only
	// admin endpoint (status, health, metrics).
	AdminListenPort = 15002

	// ConfigFilePath is where the config file lives unless overridden
	// on the command line.
	ConfigFilePath = "/etc/meshport.yaml"

	// DataDir keeps the node key and other state that must survive
	// restarts.
	DataDir = "/var/lib/meshport"

	// NodeKeyFile is the name of the Ed25519 node key file inside the
	// data directory.
	NodeKeyFile = "node.key"

	// MeshDomain is the default DNS suffix that marks a hostname as a
	// cross-cluster destination.
	MeshDomain = "mesh.local"
)

const (
	// DialTimeout bounds one whole connection establishment attempt,
	// direct racing and relay fallback included.
	DialTimeout = 30 * time.Second

	// ResolveRetryAttempts is how many times a directory resolution is
	// retried before the cluster is reported unreachable.
	ResolveRetryAttempts = 3

	// ResolveRetryStep is the initial delay between directory
	// resolution retries; the delay grows from there.
	ResolveRetryStep = 2 * time.Second

	// ResolveRetryMax caps the delay between directory resolution
	// retries.
	ResolveRetryMax = 30 * time.Second

	// DNSQueryTimeout bounds one TXT lookup against a DNS-backed
	// directory.
	DNSQueryTimeout = 5 * time.Second

	// ConnectionIdleTimeout is how long an unused cluster connection
	// survives before the idle sweep closes it.
	ConnectionIdleTimeout = 15 * time.Minute

	// ConnectionSweepInterval is how often the idle sweep runs.
	ConnectionSweepInterval = time.Minute

	// UpgradeProbeStep is the initial delay before a relayed connection
	// re-attempts a direct path.
	UpgradeProbeStep = 3 * time.Second

	// UpgradeProbeMax caps the delay between direct path probes.
	UpgradeProbeMax = time.Minute
)

const (
	// DiscoveryCacheTTL bounds the staleness of cached remote discovery
	// results.
	DiscoveryCacheTTL = time.Minute

	// LocalScanCacheTTL bounds how long the discovery server reuses a
	// local scan when answering peers.
	LocalScanCacheTTL = 10 * time.Second

	// LocalScanCacheSize bounds the number of local scan results kept.
	LocalScanCacheSize = 1024

	// DiscoveryRequestTimeout bounds one discovery query over the mesh,
	// stream open included.
	DiscoveryRequestTimeout = 10 * time.Second

	// PublishInterval is how often the agent republishes its directory
	// record.
	PublishInterval = time.Minute

	// ServiceRefreshInterval is how often the agent rescans local
	// services between watch events.
	ServiceRefreshInterval = 30 * time.Second
)

const (
	// ExchangeTimeout bounds one proxied request/response exchange over
	// an established stream.
	ExchangeTimeout = 30 * time.Second

	// ProxyRetryAttempts is the total number of endpoint attempts for
	// one idempotent request, the first try included.
	ProxyRetryAttempts = 3

	// ProxyRetryStep is the initial delay between proxy retries.
	ProxyRetryStep = 100 * time.Millisecond

	// ProxyRetryMax caps the delay between proxy retries.
	ProxyRetryMax = 2 * time.Second
)

const (
	// MaxDiscoveryFrameSize caps a framed discovery message.
	MaxDiscoveryFrameSize = 256 * 1024

	// MaxDataFrameSize caps a framed data-plane message, proxied bodies
	// included.
	MaxDataFrameSize = 8 * 1024 * 1024
)

const (
	// TransportQUIC is the QUIC/UDP mesh transport.
	TransportQUIC = "quic"
	// TransportTLS is the TLS-over-TCP mesh transport.
	TransportTLS = "tls"

	// DirectoryTypeFile is a shared YAML file directory.
	DirectoryTypeFile = "file"
	// DirectoryTypeDNS is a resolve-only DNS TXT directory.
	DirectoryTypeDNS = "dns"

	// ScannerTypeStatic reads the service inventory from a YAML file.
	ScannerTypeStatic = "static"

	// BalancerRoundRobin cycles through endpoints in order.
	BalancerRoundRobin = "round_robin"
	// BalancerLeastConn picks the endpoint with the fewest requests in
	// flight.
	BalancerLeastConn = "least_conn"
	// BalancerWeighted cycles endpoints proportionally to their weights.
	BalancerWeighted = "weighted_round_robin"
	// BalancerEWMA picks the endpoint with the lowest decayed latency.
	BalancerEWMA = "ewma"
)

const (
	// HTTPIdleTimeout is the idle timeout of meshport's HTTP servers.
	HTTPIdleTimeout = time.Minute

	// ReadHeadersTimeout bounds reading request headers on meshport's
	// HTTP servers.
	ReadHeadersTimeout = 10 * time.Second

	// ShutdownTimeout bounds the graceful drain on process shutdown.
	ShutdownTimeout = 30 * time.Second
)
