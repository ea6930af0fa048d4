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

// Package types defines the value types shared by every meshport
// component: cluster and node identities, advertised addresses, service
// records and cross-cluster routes.
package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// ClusterID uniquely identifies a cluster inside a mesh. It is chosen by
// the operator and never changes for the lifetime of the cluster.
type ClusterID string

// Check validates the cluster id. Ids appear in hostnames and cache keys,
// so slashes and whitespace are rejected outright.
func (c ClusterID) Check() error {
	if c == "" {
		return trace.BadParameter("cluster id is empty")
	}
	if strings.ContainsAny(string(c), "/ \t\n") {
		return trace.BadParameter("cluster id %q contains forbidden characters", c)
	}
	return nil
}

func (c ClusterID) String() string { return string(c) }

// NodeIDLen is the length of the string form of a NodeID: an Ed25519
// public key in lowercase hex.
const NodeIDLen = 2 * ed25519.PublicKeySize

// NodeID is the cryptographic identity of a mesh node, derived from its
// Ed25519 public key. Unlike a ClusterID it cannot be chosen, only
// generated, and a peer proves ownership of its NodeID during the
// transport handshake.
type NodeID string

// NodeIDFromPublicKey derives the NodeID for an Ed25519 public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(hex.EncodeToString(pub))
}

// PublicKey recovers the Ed25519 public key encoded in the node id.
func (n NodeID) PublicKey() (ed25519.PublicKey, error) {
	if err := n.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	b, err := hex.DecodeString(string(n))
	if err != nil {
		return nil, trace.BadParameter("node id %q is not valid hex", n)
	}
	return ed25519.PublicKey(b), nil
}

// Check validates the node id form. It does not prove the peer owns the
// key; the transport handshake does.
func (n NodeID) Check() error {
	if n == "" {
		return trace.BadParameter("node id is empty")
	}
	if len(n) != NodeIDLen {
		return trace.BadParameter("node id %q has length %d, want %d", n, len(n), NodeIDLen)
	}
	if strings.ToLower(string(n)) != string(n) {
		return trace.BadParameter("node id %q must be lowercase hex", n)
	}
	if _, err := hex.DecodeString(string(n)); err != nil {
		return trace.BadParameter("node id %q is not valid hex", n)
	}
	return nil
}

func (n NodeID) String() string { return string(n) }

// Short returns an abbreviated node id for logs.
func (n NodeID) Short() string {
	if len(n) <= 8 {
		return string(n)
	}
	return string(n[:8])
}

// NodeAddr is a cluster's published contact record: the identity of its
// mesh node plus every address the node can be reached at. A directory
// maps ClusterID to NodeAddr.
type NodeAddr struct {
	// NodeID is the identity the dialer must verify during the handshake.
	NodeID NodeID `json:"node_id" yaml:"node_id"`
	// RelayAddr is the address of a relay that forwards packets to the
	// node. It is used when no direct address works.
	RelayAddr string `json:"relay_addr,omitempty" yaml:"relay_addr,omitempty"`
	// DirectAddrs are host:port addresses the node listens on directly.
	DirectAddrs []string `json:"direct_addrs,omitempty" yaml:"direct_addrs,omitempty"`
}

// Check validates the record. A record with neither a relay nor a direct
// address is unusable and rejected at publish time rather than dial time.
func (a NodeAddr) Check() error {
	if err := a.NodeID.Check(); err != nil {
		return trace.Wrap(err)
	}
	if a.RelayAddr == "" && len(a.DirectAddrs) == 0 {
		return trace.BadParameter("node address for %s has no relay and no direct addresses", a.NodeID.Short())
	}
	for _, addr := range a.DirectAddrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return trace.BadParameter("direct address %q is not host:port", addr)
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (a NodeAddr) Clone() NodeAddr {
	out := a
	out.DirectAddrs = slices.Clone(a.DirectAddrs)
	return out
}

// ServiceInfo describes one service a cluster exposes to the mesh.
// The type is comparable so refresh logic can decide cheaply whether an
// advertisement changed.
type ServiceInfo struct {
	// Name is the service name, unique within its namespace.
	Name string `json:"name" yaml:"name"`
	// Namespace is the namespace the service lives in.
	Namespace string `json:"namespace" yaml:"namespace"`
	// Port is the port the service accepts traffic on.
	Port uint16 `json:"port" yaml:"port"`
	// Protocol is the application protocol, e.g. "http".
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Check validates the service record.
func (s ServiceInfo) Check() error {
	if s.Name == "" {
		return trace.BadParameter("service name is empty")
	}
	if s.Namespace == "" {
		return trace.BadParameter("service %q has no namespace", s.Name)
	}
	if s.Port == 0 {
		return trace.BadParameter("service %s/%s has no port", s.Namespace, s.Name)
	}
	return nil
}

func (s ServiceInfo) String() string {
	return s.Namespace + "/" + s.Name
}

// ServiceEndpoint is one dialable instance backing a service.
type ServiceEndpoint struct {
	// Addr is the host or IP of the instance.
	Addr string `json:"addr" yaml:"addr"`
	// Port is the instance port.
	Port uint16 `json:"port" yaml:"port"`
	// Weight biases weighted balancing toward this instance. Zero
	// means the default weight of 1. On the wire it travels in
	// discovery response metadata, not in the endpoint itself.
	Weight uint32 `json:"-" yaml:"weight,omitempty"`
}

// HostPort renders the endpoint as a dialable host:port string.
func (e ServiceEndpoint) HostPort() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(int(e.Port)))
}

// Check validates the endpoint.
func (e ServiceEndpoint) Check() error {
	if e.Addr == "" {
		return trace.BadParameter("endpoint address is empty")
	}
	if e.Port == 0 {
		return trace.BadParameter("endpoint %q has no port", e.Addr)
	}
	return nil
}

// ClusterInfo is everything one cluster knows about another: identity,
// reachability and the services it advertises. Holders replace the whole
// value when fresher information arrives; fields are never merged across
// observations, so a ClusterInfo is always internally consistent.
type ClusterInfo struct {
	// ID is the cluster id.
	ID ClusterID `json:"id" yaml:"id"`
	// NodeID is the identity of the cluster's mesh node.
	NodeID NodeID `json:"node_id" yaml:"node_id"`
	// RelayAddr is the cluster's relay address, if any.
	RelayAddr string `json:"relay_addr,omitempty" yaml:"relay_addr,omitempty"`
	// DirectAddrs are the cluster's direct addresses.
	DirectAddrs []string `json:"direct_addrs,omitempty" yaml:"direct_addrs,omitempty"`
	// Services are the services the cluster advertises.
	Services []ServiceInfo `json:"services,omitempty" yaml:"services,omitempty"`
}

// NodeAddr extracts the contact record from the cluster info.
func (c ClusterInfo) NodeAddr() NodeAddr {
	return NodeAddr{
		NodeID:      c.NodeID,
		RelayAddr:   c.RelayAddr,
		DirectAddrs: slices.Clone(c.DirectAddrs),
	}
}

// Clone returns a deep copy of the cluster info.
func (c ClusterInfo) Clone() ClusterInfo {
	out := c
	out.DirectAddrs = slices.Clone(c.DirectAddrs)
	out.Services = slices.Clone(c.Services)
	return out
}

// Check validates the cluster info.
func (c ClusterInfo) Check() error {
	if err := c.ID.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.NodeID.Check(); err != nil {
		return trace.Wrap(err)
	}
	for _, svc := range c.Services {
		if err := svc.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// CrossClusterRoute names a service in a remote cluster. It is the key
// under which discovery results are cached and connections are counted,
// so the type is comparable.
type CrossClusterRoute struct {
	// Cluster is the target cluster.
	Cluster ClusterID `json:"cluster" yaml:"cluster"`
	// Service is the target service name.
	Service string `json:"service" yaml:"service"`
	// Namespace is the target namespace.
	Namespace string `json:"namespace" yaml:"namespace"`
	// Port is the target service port. Zero means the service's
	// advertised port.
	Port uint16 `json:"port,omitempty" yaml:"port,omitempty"`
}

// Check validates the route.
func (r CrossClusterRoute) Check() error {
	if err := r.Cluster.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.Service == "" {
		return trace.BadParameter("route to cluster %q has no service", r.Cluster)
	}
	if r.Namespace == "" {
		return trace.BadParameter("route to %s in cluster %q has no namespace", r.Service, r.Cluster)
	}
	return nil
}

// String renders the route for logs and metrics labels.
func (r CrossClusterRoute) String() string {
	s := fmt.Sprintf("%s/%s/%s", r.Cluster, r.Namespace, r.Service)
	if r.Port != 0 {
		s += ":" + strconv.Itoa(int(r.Port))
	}
	return s
}
