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

package directory

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/miekg/dns"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
)

// resolvConfPath is where the system resolver configuration lives.
const resolvConfPath = "/etc/resolv.conf"

// DNSConfig configures a DNS directory.
type DNSConfig struct {
	// Zone is the DNS zone holding the records. The record for cluster
	// "east" in zone "mesh.example.com" is the TXT at
	// "east.mesh.example.com".
	Zone string
	// Servers are the DNS servers to query, as host:port. Defaults to
	// the servers in /etc/resolv.conf.
	Servers []string
	// QueryTimeout bounds one lookup against one server.
	QueryTimeout time.Duration
	// Log emits lookup diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DNSConfig) CheckAndSetDefaults() error {
	if c.Zone == "" {
		return trace.BadParameter("missing parameter Zone")
	}
	if len(c.Servers) == 0 {
		conf, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return trace.Wrap(err, "no DNS servers configured and %v could not be read", resolvConfPath)
		}
		for _, server := range conf.Servers {
			c.Servers = append(c.Servers, net.JoinHostPort(server, conf.Port))
		}
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaults.DNSQueryTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentDirectory)
	}
	return nil
}

// DNS resolves cluster records from TXT lookups. It is resolve-only:
// records are maintained in the zone by the operator or by external
// tooling, and TXTRecord formats the value to publish there.
type DNS struct {
	zone    string
	servers []string
	client  *dns.Client
	log     *slog.Logger
}

// NewDNS returns a DNS directory for the configured zone.
func NewDNS(cfg DNSConfig) (*DNS, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DNS{
		zone:    strings.TrimSuffix(cfg.Zone, "."),
		servers: cfg.Servers,
		client:  &dns.Client{Timeout: cfg.QueryTimeout},
		log:     cfg.Log,
	}, nil
}

// Publish is not supported: DNS records are maintained in the zone, not
// by agents.
func (d *DNS) Publish(ctx context.Context, id types.ClusterID, addr types.NodeAddr) error {
	return trace.NotImplemented("the DNS directory is resolve-only, publish the record for %q to the zone instead: %q", id, TXTRecord(addr))
}

// Resolve queries the configured servers in order for the cluster's TXT
// record and returns the first answer that parses.
func (d *DNS) Resolve(ctx context.Context, id types.ClusterID) (types.NodeAddr, error) {
	if err := id.Check(); err != nil {
		return types.NodeAddr{}, trace.Wrap(err)
	}
	name := dns.Fqdn(string(id) + "." + d.zone)
	query := new(dns.Msg)
	query.SetQuestion(name, dns.TypeTXT)

	var errs []error
	for _, server := range d.servers {
		resp, _, err := d.client.ExchangeContext(ctx, query, server)
		if err != nil {
			errs = append(errs, trace.ConnectionProblem(err, "querying DNS server %v", server))
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return types.NodeAddr{}, trace.NotFound("cluster %q has no record in zone %q", id, d.zone)
		default:
			errs = append(errs, trace.ConnectionProblem(nil, "DNS server %v answered %v for %v", server, dns.RcodeToString[resp.Rcode], name))
			continue
		}
		addr, err := addrFromTXT(name, resp)
		if err != nil {
			return types.NodeAddr{}, trace.Wrap(err)
		}
		d.log.DebugContext(ctx, "Resolved cluster from DNS.", "cluster", id, "node", addr.NodeID.Short(), "server", server)
		return addr, nil
	}
	return types.NodeAddr{}, trace.NewAggregate(errs...)
}

func addrFromTXT(name string, resp *dns.Msg) (types.NodeAddr, error) {
	var errs []error
	found := false
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		found = true
		// Long values are split into 255-byte chunks on the wire.
		addr, err := ParseTXTRecord(strings.Join(txt.Txt, ""))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return addr, nil
	}
	if !found {
		return types.NodeAddr{}, trace.NotFound("no TXT record at %v", name)
	}
	return types.NodeAddr{}, trace.NewAggregate(errs...)
}

// TXTRecord formats a node address as the TXT record value a DNS
// directory resolves, for example:
//
//	node=4f2c... relay=relay.example.com:443 addrs=198.51.100.7:15000,203.0.113.4:15000
func TXTRecord(addr types.NodeAddr) string {
	parts := []string{"node=" + string(addr.NodeID)}
	if addr.RelayAddr != "" {
		parts = append(parts, "relay="+addr.RelayAddr)
	}
	if len(addr.DirectAddrs) > 0 {
		parts = append(parts, "addrs="+strings.Join(addr.DirectAddrs, ","))
	}
	return strings.Join(parts, " ")
}

// ParseTXTRecord parses a TXT record value produced by TXTRecord.
// Unknown keys are ignored.
func ParseTXTRecord(s string) (types.NodeAddr, error) {
	var addr types.NodeAddr
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return types.NodeAddr{}, trace.BadParameter("malformed directory TXT field %q", field)
		}
		switch key {
		case "node":
			addr.NodeID = types.NodeID(value)
		case "relay":
			addr.RelayAddr = value
		case "addrs":
			addr.DirectAddrs = strings.Split(value, ",")
		}
	}
	if err := addr.Check(); err != nil {
		return types.NodeAddr{}, trace.Wrap(err)
	}
	return addr, nil
}

var _ Directory = (*DNS)(nil)
