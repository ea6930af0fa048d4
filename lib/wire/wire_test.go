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

package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	in := Answer{
		Endpoints: []types.ServiceEndpoint{
			{Addr: "10.0.0.1", Port: 8080},
			{Addr: "10.0.0.2", Port: 8080},
		},
		Protocol: "http",
		Metadata: map[string]string{MetaCluster: "west"},
	}
	require.NoError(t, WriteFrame(&buf, 1024, in))

	var out Answer
	require.NoError(t, ReadFrame(&buf, 1024, &out))
	require.Equal(t, in, out)
}

func TestFrameMultiple(t *testing.T) {
	t.Parallel()

	// Streams carry a header frame then payload frames back to back;
	// boundaries must survive a shared buffer.
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1024, StreamHeader{Kind: KindDiscovery}))
	require.NoError(t, WriteFrame(&buf, 1024, Query{Service: "api", Namespace: "prod"}))

	var hdr StreamHeader
	require.NoError(t, ReadFrame(&buf, 1024, &hdr))
	require.Equal(t, KindDiscovery, hdr.Kind)

	var q Query
	require.NoError(t, ReadFrame(&buf, 1024, &q))
	require.Equal(t, "api", q.Service)
	require.Equal(t, "prod", q.Namespace)
}

func TestWriteFrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteFrame(&buf, 16, Request{
		Service:   "api",
		Namespace: "prod",
		Method:    "POST",
		Path:      "/submit",
		Body:      bytes.Repeat([]byte("x"), 64),
	})
	require.True(t, trace.IsLimitExceeded(err))
	require.Zero(t, buf.Len(), "nothing may hit the wire once the limit check fails")
}

func TestReadFrameTooLarge(t *testing.T) {
	t.Parallel()

	// An adversarial length prefix must be rejected before the body is
	// allocated or read.
	frame := binary.LittleEndian.AppendUint32(nil, 1<<30)
	err := ReadFrame(bytes.NewReader(frame), 1024, &StreamHeader{})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1024, Query{Service: "api", Namespace: "prod"}))

	truncated := buf.Bytes()[:buf.Len()-3]
	var q Query
	err := ReadFrame(bytes.NewReader(truncated), 1024, &q)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestReadFrameMalformed(t *testing.T) {
	t.Parallel()

	body := []byte("{not json")
	frame := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	frame = append(frame, body...)

	var hdr StreamHeader
	err := ReadFrame(bytes.NewReader(frame), 1024, &hdr)
	require.True(t, trace.IsBadParameter(err))
}

func TestStreamHeaderCheck(t *testing.T) {
	t.Parallel()

	require.NoError(t, StreamHeader{Kind: KindDiscovery}.Check())
	require.NoError(t, StreamHeader{Kind: KindHTTP}.Check())
	require.Error(t, StreamHeader{}.Check())
	require.Error(t, StreamHeader{Kind: "gopher"}.Check())
}

func TestRequestBodyTransparency(t *testing.T) {
	t.Parallel()

	// Binary bodies must cross intact, not merely UTF-8 ones.
	body := []byte{0x00, 0xff, 0x7f, 0x80, 0x0a}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 1024, Request{
		Service:   "api",
		Namespace: "prod",
		Method:    "PUT",
		Path:      "/blob",
		Body:      body,
	}))
	frame := bytes.Clone(buf.Bytes())

	var out Request
	require.NoError(t, ReadFrame(&buf, 1024, &out))
	require.Equal(t, body, out.Body)

	// The frame itself stays JSON: the raw bytes must not leak through
	// unencoded.
	require.False(t, strings.Contains(string(frame), string([]byte{0x00, 0xff})))
}
