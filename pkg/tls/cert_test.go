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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netboot-go/ipxecore/internal/util/certutil"
)

func TestParseCertificateChainAndInsecureValidator(t *testing.T) {
	ca, err := certutil.NewCA()
	require.NoError(t, err)

	_, leaf, err := ca.NewCertifiedKey("boot.example.test")
	require.NoError(t, err)

	chain, err := parseCertificateChain([][]byte{leaf.Raw})
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "boot.example.test", chain[0].DNSNames[0])

	var v InsecureValidator
	assert.NoError(t, v.Validate(chain, "boot.example.test"))
}

func TestParseCertificateChainRejectsGarbage(t *testing.T) {
	_, err := parseCertificateChain([][]byte{{0x00, 0x01, 0x02}})
	assert.Error(t, err)
}

func TestParseCertificateChainRejectsEmpty(t *testing.T) {
	_, err := parseCertificateChain(nil)
	assert.Error(t, err)
}

func TestLeafRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "boot.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pub, err := leafRSAPublicKey([]*x509.Certificate{cert})
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, pub.N)
}

func TestLeafRSAPublicKeyRejectsNonRSA(t *testing.T) {
	ca, err := certutil.NewCA()
	require.NoError(t, err)
	_, leaf, err := ca.NewCertifiedKey("boot.example.test")
	require.NoError(t, err)

	_, err = leafRSAPublicKey([]*x509.Certificate{leaf})
	assert.Error(t, err)
}
