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
	"crypto/tls"

	"github.com/meshport/meshport/lib/transport"
)

// Protocol is the ALPN identifier of the QUIC mesh transport.
const Protocol = "meshport/v1"

// serverTLSConfig builds the listener's TLS config. Standard CA
// verification is disabled because there is no CA; the callback
// guarantees the peer presented a well-formed identity certificate, and
// the identity itself is read from the connection state after the
// handshake.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{Protocol},
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: transport.VerifyPeerCertChain,
	}
}

// clientTLSConfig builds the dialer's TLS config.
func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{Protocol},
		MinVersion:            tls.VersionTLS13,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: transport.VerifyPeerCertChain,
	}
}
