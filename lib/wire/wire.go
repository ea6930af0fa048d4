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

// Package wire defines the messages exchanged between mesh nodes and the
// framing that carries them.
//
// Every frame is a little-endian uint32 length followed by a JSON body.
// The first frame on a stream is a StreamHeader naming the stream kind;
// everything after it is kind-specific. One discovery stream carries one
// query and one response; one data stream carries one request envelope
// and one response envelope.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

// Stream kinds carried in the StreamHeader.
const (
	// KindDiscovery marks a stream carrying a discovery query.
	KindDiscovery = "discovery"
	// KindHTTP marks a stream carrying one proxied HTTP exchange.
	KindHTTP = "http"
)

// StreamHeader is the first frame on every stream. The receiver uses it
// to dispatch the stream to a handler; an unknown kind closes the stream
// and nothing else.
type StreamHeader struct {
	Kind string `json:"kind"`
}

// Check validates the header.
func (h StreamHeader) Check() error {
	switch h.Kind {
	case KindDiscovery, KindHTTP:
		return nil
	case "":
		return trace.BadParameter("stream header has no kind")
	default:
		return trace.BadParameter("unknown stream kind %q", h.Kind)
	}
}

// Query asks the remote cluster for the endpoints of one service.
type Query struct {
	Service   string `json:"service"`
	Namespace string `json:"namespace"`
}

// Check validates the query.
func (q Query) Check() error {
	if q.Service == "" {
		return trace.BadParameter("discovery query has no service")
	}
	if q.Namespace == "" {
		return trace.BadParameter("discovery query has no namespace")
	}
	return nil
}

// Metadata keys attached to discovery answers. The answering agent uses
// them to piggyback its current contact record so callers can refresh
// their view of the cluster without another round trip.
const (
	// MetaCluster is the answering cluster's id.
	MetaCluster = "cluster"
	// MetaNode is the answering node's id.
	MetaNode = "node"
	// MetaRelay is the answering node's relay address.
	MetaRelay = "relay"
	// MetaDirectAddrs is a comma-joined list of the answering node's
	// direct addresses.
	MetaDirectAddrs = "addrs"
	// MetaWeightPrefix prefixes per-endpoint balancing weights; the
	// full key is MetaWeightPrefix + endpoint host:port.
	MetaWeightPrefix = "weight."
)

// Answer is the reply to a Query. NotFound reports an authoritative
// negative: the cluster is reachable and the service does not exist
// there.
type Answer struct {
	Endpoints []types.ServiceEndpoint `json:"endpoints,omitempty"`
	Protocol  string                  `json:"protocol,omitempty"`
	Metadata  map[string]string       `json:"metadata,omitempty"`
	NotFound  bool                    `json:"not_found,omitempty"`
}

// Request is one proxied HTTP request. The body rides as raw bytes and
// JSON base64-encodes it in transit.
type Request struct {
	// ID correlates proxy and agent logs for one exchange.
	ID        string              `json:"id,omitempty"`
	Service   string              `json:"service"`
	Namespace string              `json:"namespace"`
	Port      uint16              `json:"port,omitempty"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
}

// Check validates the request envelope.
func (r Request) Check() error {
	if r.Service == "" || r.Namespace == "" {
		return trace.BadParameter("request envelope has no target service")
	}
	if r.Method == "" {
		return trace.BadParameter("request envelope has no method")
	}
	return nil
}

// Response is the reply to a Request. Status carries the upstream HTTP
// status verbatim; transport problems never surface here, they fail the
// stream instead.
type Response struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// WriteFrame marshals msg and writes it as one length-prefixed frame.
// Marshaled bodies larger than maxSize fail with a limit error before
// anything is written.
func WriteFrame(w io.Writer, maxSize uint32, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	if uint64(len(body)) > uint64(maxSize) {
		return trace.LimitExceeded("frame size %d exceeds limit %d", len(body), maxSize)
	}
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(body)), uint32(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return trace.ConnectionProblem(err, "writing frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and unmarshals it into out.
// A length above maxSize is rejected before the body is read so a
// misbehaving peer cannot force a large allocation.
func ReadFrame(r io.Reader, maxSize uint32, out any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return trace.ConnectionProblem(err, "reading frame length")
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return trace.LimitExceeded("frame size %d exceeds limit %d", n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return trace.ConnectionProblem(err, "reading frame body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trace.BadParameter("malformed frame: %v", err)
	}
	return nil
}
