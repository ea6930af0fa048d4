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

package quicmesh

import (
	"net"
	"sync"
)

// meshAddr is the stable address a relayed QUIC connection is bound to.
// The QUIC stack addresses the peer by this value for the connection's
// whole life while pathConn decides which real path carries the packets,
// so flipping from the relay to a direct path never disturbs the
// connection itself.
type meshAddr string

func (a meshAddr) Network() string { return "meshport" }
func (a meshAddr) String() string  { return string(a) }

// pathConn is a net.PacketConn that routes packets for mesh addresses.
// Writes to a mesh address go to its current primary path. Reads from
// any path registered for a mesh address are attributed to that address,
// so packets still in flight on the old path after a switch are not
// mistaken for a new peer.
type pathConn struct {
	net.PacketConn

	mu      sync.RWMutex
	primary map[meshAddr]*net.UDPAddr
	virtual map[string]meshAddr
}

func newPathConn(conn net.PacketConn) *pathConn {
	return &pathConn{
		PacketConn: conn,
		primary:    make(map[meshAddr]*net.UDPAddr),
		virtual:    make(map[string]meshAddr),
	}
}

// addRoute registers a mesh address with its candidate paths and the
// primary one writes go to.
func (c *pathConn) addRoute(addr meshAddr, primary *net.UDPAddr, paths ...*net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary[addr] = primary
	c.virtual[primary.String()] = addr
	for _, p := range paths {
		c.virtual[p.String()] = addr
	}
}

// setPrimary switches where writes for addr go. Previously registered
// paths keep mapping inbound packets to addr.
func (c *pathConn) setPrimary(addr meshAddr, primary *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.primary[addr]; !ok {
		return
	}
	c.primary[addr] = primary
	c.virtual[primary.String()] = addr
}

// dropRoute forgets a mesh address and all its paths.
func (c *pathConn) dropRoute(addr meshAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.primary, addr)
	for real, v := range c.virtual {
		if v == addr {
			delete(c.virtual, real)
		}
	}
}

// currentPrimary reports the real path writes for addr use right now.
func (c *pathConn) currentPrimary(addr meshAddr) *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary[addr]
}

// WriteTo implements net.PacketConn.
func (c *pathConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if v, ok := addr.(meshAddr); ok {
		c.mu.RLock()
		real := c.primary[v]
		c.mu.RUnlock()
		if real == nil {
			return 0, &net.OpError{Op: "write", Net: "meshport", Addr: addr, Err: net.ErrClosed}
		}
		addr = real
	}
	return c.PacketConn.WriteTo(p, addr)
}

// ReadFrom implements net.PacketConn.
func (c *pathConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, src, err := c.PacketConn.ReadFrom(p)
	if src != nil {
		c.mu.RLock()
		v, ok := c.virtual[src.String()]
		c.mu.RUnlock()
		if ok {
			src = v
		}
	}
	return n, src, err
}
