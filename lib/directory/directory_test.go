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
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
)

var (
	nodeEast = types.NodeID(strings.Repeat("ab", 32))
	nodeWest = types.NodeID(strings.Repeat("cd", 32))
)

// writeDoc replaces the file by rename so a concurrent reload never
// observes a half-written document.
func writeDoc(t *testing.T, path, doc string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(doc), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := NewMemory()

	_, err := dir.Resolve(ctx, "east")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	addr := types.NodeAddr{
		NodeID:      nodeEast,
		RelayAddr:   "relay.example.com:443",
		DirectAddrs: []string{"198.51.100.7:15000"},
	}
	require.NoError(t, dir.Publish(ctx, "east", addr))

	got, err := dir.Resolve(ctx, "east")
	require.NoError(t, err)
	require.Equal(t, addr, got)

	// The stored record does not alias the caller's slices.
	got.DirectAddrs[0] = "mutated"
	again, err := dir.Resolve(ctx, "east")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7:15000", again.DirectAddrs[0])

	dir.Remove("east")
	_, err = dir.Resolve(ctx, "east")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestMemoryValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := NewMemory()

	err := dir.Publish(ctx, "bad/cluster", types.NodeAddr{NodeID: nodeEast, RelayAddr: "relay:443"})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	err = dir.Publish(ctx, "east", types.NodeAddr{NodeID: nodeEast})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	err = dir.Publish(ctx, "east", types.NodeAddr{NodeID: "not-hex", RelayAddr: "relay:443"})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestFilePublishResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.yaml")

	dir, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)

	// A missing file reads as an empty directory.
	_, err = dir.Resolve(ctx, "east")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	east := types.NodeAddr{NodeID: nodeEast, RelayAddr: "relay.example.com:443"}
	west := types.NodeAddr{NodeID: nodeWest, DirectAddrs: []string{"203.0.113.4:15000", "203.0.113.5:15000"}}
	require.NoError(t, dir.Publish(ctx, "east", east))
	require.NoError(t, dir.Publish(ctx, "west", west))

	// A fresh instance on the same path sees both records.
	other, err := NewFile(FileConfig{Path: path})
	require.NoError(t, err)
	got, err := other.Resolve(ctx, "east")
	require.NoError(t, err)
	require.Equal(t, east, got)
	got, err = other.Resolve(ctx, "west")
	require.NoError(t, err)
	require.Equal(t, west, got)

	_, err = other.Resolve(ctx, "north")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestFileWatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.yaml")

	dir, err := NewFile(FileConfig{Path: path, Watch: true})
	require.NoError(t, err)
	defer dir.Close()

	_, err = dir.Resolve(ctx, "east")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// Another agent writes the file behind our back.
	doc := "clusters:\n  east:\n    node: " + string(nodeEast) + "\n    relay: relay.example.com:443\n"
	writeDoc(t, path, doc)

	require.Eventually(t, func() bool {
		_, err := dir.Resolve(ctx, "east")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := dir.Resolve(ctx, "east")
	require.NoError(t, err)
	require.Equal(t, "relay.example.com:443", got.RelayAddr)

	// An update to the same record is picked up too.
	doc = "clusters:\n  east:\n    node: " + string(nodeEast) + "\n    relay: relay2.example.com:443\n"
	writeDoc(t, path, doc)

	require.Eventually(t, func() bool {
		got, err := dir.Resolve(ctx, "east")
		return err == nil && got.RelayAddr == "relay2.example.com:443"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dir.Close())
}

func TestFileMalformedKeepsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.yaml")
	doc := "clusters:\n  east:\n    node: " + string(nodeEast) + "\n    relay: relay.example.com:443\n"
	writeDoc(t, path, doc)

	dir, err := NewFile(FileConfig{Path: path, Watch: true})
	require.NoError(t, err)
	defer dir.Close()

	writeDoc(t, path, "clusters: [not a map")

	// The last good snapshot keeps serving while the file is broken.
	require.Never(t, func() bool {
		_, err := dir.Resolve(ctx, "east")
		return err != nil
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestReadRecordsRejectsBadContent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	malformed := filepath.Join(dir, "malformed.yaml")
	require.NoError(t, os.WriteFile(malformed, []byte("clusters: [not a map"), 0o644))
	_, err := readRecords(malformed)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	// Parseable YAML with an invalid record is rejected too.
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("clusters:\n  east:\n    node: nothex\n"), 0o644))
	_, err = readRecords(invalid)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

// newTXTServer serves the given TXT records from a local DNS server and
// returns its address. Names absent from records answer NXDOMAIN.
func newTXTServer(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		question := r.Question[0]
		value, ok := records[question.Name]
		switch {
		case !ok:
			m.Rcode = dns.RcodeNameError
		case question.Qtype == dns.TypeTXT:
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{value},
			})
		}
		_ = w.WriteMsg(m)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go server.ActivateAndServe()
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := newTXTServer(t, map[string]string{
		"east.mesh.example.com.": "node=" + string(nodeEast) + " relay=relay.example.com:443 addrs=198.51.100.7:15000,198.51.100.8:15000",
		"bare.mesh.example.com.": "",
	})

	dir, err := NewDNS(DNSConfig{
		Zone:         "mesh.example.com",
		Servers:      []string{server},
		QueryTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	got, err := dir.Resolve(ctx, "east")
	require.NoError(t, err)
	require.Equal(t, types.NodeAddr{
		NodeID:      nodeEast,
		RelayAddr:   "relay.example.com:443",
		DirectAddrs: []string{"198.51.100.7:15000", "198.51.100.8:15000"},
	}, got)

	_, err = dir.Resolve(ctx, "west")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// A present but empty record does not parse into an address.
	_, err = dir.Resolve(ctx, "bare")
	require.Error(t, err)
}

func TestDNSPublishNotImplemented(t *testing.T) {
	t.Parallel()
	dir, err := NewDNS(DNSConfig{Zone: "mesh.example.com", Servers: []string{"127.0.0.1:53"}})
	require.NoError(t, err)

	err = dir.Publish(context.Background(), "east", types.NodeAddr{NodeID: nodeEast, RelayAddr: "relay:443"})
	require.True(t, trace.IsNotImplemented(err), "expected NotImplemented, got %v", err)
}

func TestTXTRecordRoundTrip(t *testing.T) {
	t.Parallel()
	addr := types.NodeAddr{
		NodeID:      nodeEast,
		RelayAddr:   "relay.example.com:443",
		DirectAddrs: []string{"198.51.100.7:15000"},
	}
	parsed, err := ParseTXTRecord(TXTRecord(addr))
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	relayOnly := types.NodeAddr{NodeID: nodeEast, RelayAddr: "relay.example.com:443"}
	parsed, err = ParseTXTRecord(TXTRecord(relayOnly))
	require.NoError(t, err)
	require.Equal(t, relayOnly, parsed)

	_, err = ParseTXTRecord("node=" + string(nodeEast))
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	_, err = ParseTXTRecord("garbage")
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}
