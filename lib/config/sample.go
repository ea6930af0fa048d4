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

	"github.com/meshport/meshport/lib/defaults"
)

// MakeSampleFileConfig returns a commented config a new cluster can
// start from. The output parses back through ReadConfig.
func MakeSampleFileConfig() string {
	return fmt.Sprintf(`# Meshport configuration file.
# A commented sample, edit and move to %[1]v.
meshport:
  # Name of the cluster this node belongs to. Peers see your services
  # under this name.
  cluster_id: east
  # Where the node identity key and other state live.
  data_dir: %[2]v
  log:
    # debug, info, warn or error.
    severity: info
    # text or json.
    format: text

mesh:
  # Address the encrypted mesh transport binds.
  listen_addr: 0.0.0.0:%[3]d
  # quic (UDP) or tls (TCP).
  transport: quic
  # Direct addresses peers try first. List the addresses other clusters
  # can actually reach, not the bind address.
  advertise_addrs:
    - 203.0.113.10:%[3]d
  # Relay peers fall back to when no direct address connects.
  # relay_addr: relay.example.com:443
  directory:
    # file: a YAML file shared between agents, typically on a shared
    # mount. dns: resolve-only TXT lookups, records maintained in the
    # zone.
    type: file
    path: /var/lib/meshport/directory.yaml
    # dns_zone: mesh.example.com
    # resolvers: [10.0.0.53:53]

agent:
  # The agent answers discovery queries from peer clusters, publishes
  # this cluster's directory record and delivers inbound requests to
  # local services.
  enabled: true
  # Read-only status, health and metrics endpoint.
  admin_addr: 127.0.0.1:%[4]d
  publish_interval: %[5]v
  refresh_interval: %[6]v
  scanner:
    # Where the agent learns about local services.
    type: static
    path: /etc/meshport/services.yaml

proxy:
  # The proxy intercepts HTTP traffic for mesh hostnames and carries it
  # to the right cluster.
  enabled: true
  listen_addr: 127.0.0.1:%[7]d
  # Hostnames under this suffix route through the mesh:
  # <service>.<namespace>.<cluster>.%[8]v
  mesh_domain: %[8]v
  # round_robin, least_conn, weighted_round_robin or ewma.
  balancer: round_robin
  # Exact hostnames routed without mesh domain parsing.
  # routes:
  #   - host: billing.internal
  #     cluster: west
  #     service: billing
  #     namespace: payments
  #     port: 8443
`,
		defaults.ConfigFilePath,
		defaults.DataDir,
		defaults.MeshListenPort,
		defaults.AdminListenPort,
		defaults.PublishInterval,
		defaults.ServiceRefreshInterval,
		defaults.ProxyListenPort,
		defaults.MeshDomain,
	)
}
