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

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
)

const certValidity = 180 * 24 * time.Hour

// NewIdentityCert self-signs a certificate for the node key. There is no
// CA in the mesh: a node's identity is its key, and the certificate only
// carries the key through a TLS handshake. Both mesh transports use the
// same certificates, so a node keeps one identity regardless of which
// transport a peer reaches it over.
func NewIdentityCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	if len(key) != ed25519.PrivateKeySize {
		return tls.Certificate{}, trace.BadParameter("missing or malformed node key")
	}
	id := types.NodeIDFromPublicKey(key.Public().(ed25519.PublicKey))
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"meshport"},
			CommonName:   "meshport-" + id.Short(),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// VerifyPeerCertChain is a tls.Config.VerifyPeerCertificate callback
// that accepts any certificate carrying an Ed25519 key inside its
// validity window. Matching the key against an expected NodeID happens
// after the handshake, where the failure can be reported as an identity
// mismatch instead of a generic TLS alert.
func VerifyPeerCertChain(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return trace.AccessDenied("peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return trace.BadParameter("parsing peer certificate: %v", err)
	}
	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return trace.BadParameter("peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return trace.AccessDenied("peer certificate is outside its validity window")
	}
	return nil
}

// PeerNodeID derives the peer's identity from the handshake state.
func PeerNodeID(state tls.ConnectionState) (types.NodeID, error) {
	if len(state.PeerCertificates) == 0 {
		return "", trace.AccessDenied("peer presented no certificate")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", trace.BadParameter("peer certificate key is %T, want ed25519", state.PeerCertificates[0].PublicKey)
	}
	return types.NodeIDFromPublicKey(pub), nil
}
