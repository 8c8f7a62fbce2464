// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tls

import (
	"crypto/rsa"
	"crypto/x509"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// Validator decides whether a peer's certificate chain should be
// trusted. pkg/tls delegates entirely to this interface (spec.md
// §4.14: "X.509 validation delegates to a certificate-validator
// interface and blocks handshake progress ... until the validator
// reports a result") rather than using crypto/tls's built-in chain
// verification, since the firmware's root-of-trust store is the
// settings tree, not an OS certificate bundle.
type Validator interface {
	// Validate is called with the peer's certificate chain (leaf
	// first) and the server name from the ClientHello's SNI. An error
	// aborts the handshake with a bad_certificate alert.
	Validate(chain []*x509.Certificate, serverName string) error
}

// InsecureValidator accepts any chain unconditionally. Dial uses it
// when no validator is given, and the https opener's dialer always
// passes it, so https fetches do not verify the server's certificate.
type InsecureValidator struct{}

func (InsecureValidator) Validate([]*x509.Certificate, string) error { return nil }

// parseCertificateChain parses a TLS Certificate message's DER-encoded
// chain, leaf certificate first (RFC 5246 §7.4.2).
func parseCertificateChain(der [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(der))
	for _, one := range der {
		cert, err := x509.ParseCertificate(one)
		if err != nil {
			return nil, errno.Wrap(errno.Protocol, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errno.New(errno.Protocol, "tls: empty certificate chain")
	}
	return chain, nil
}

// leafRSAPublicKey extracts the leaf certificate's RSA public key,
// required for the RSA and ECDHE-RSA key-exchange paths' signature
// verification.
func leafRSAPublicKey(chain []*x509.Certificate) (*rsa.PublicKey, error) {
	pub, ok := chain[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errno.New(errno.NotSupported, "tls: leaf certificate is not RSA")
	}
	return pub, nil
}
