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

package meshport

// Version is the semantic version of the meshport binary and module.
const Version = "0.3.0"

const (
	// ComponentKey is the log attribute carrying the name of the
	// component that emitted the record.
	ComponentKey = "component"

	// ComponentPeering is the cross-cluster connection manager.
	ComponentPeering = "peering"

	// ComponentDiscovery is the service discovery client and cache.
	ComponentDiscovery = "discovery"

	// ComponentDiscoveryServer answers discovery queries from peer
	// clusters.
	ComponentDiscoveryServer = "discovery:server"

	// ComponentProxy is the traffic router that carries intercepted
	// requests across the mesh.
	ComponentProxy = "proxy"

	// ComponentDataplane is the peer side of the proxy, delivering
	// requests to local services.
	ComponentDataplane = "dataplane"

	// ComponentAgent is the mesh agent that publishes this cluster and
	// serves its admin endpoint.
	ComponentAgent = "agent"

	// ComponentTransport is the encrypted peer-to-peer transport.
	ComponentTransport = "transport"

	// ComponentDirectory is the cluster address directory client.
	ComponentDirectory = "directory"

	// ComponentScanner is the local cluster service scanner.
	ComponentScanner = "scanner"

	// ComponentProcess is the supervisor that assembles and runs the
	// configured roles.
	ComponentProcess = "process"
)

// MetricNamespace is the prometheus namespace shared by all meshport
// collectors.
const MetricNamespace = "meshport"
