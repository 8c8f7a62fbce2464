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

// Package tls implements the TLS 1.2 record and handshake layer of
// spec.md §4.14: deliberately not `crypto/tls`, since the firmware
// runs without an OS TLS stack and owns its own record/handshake state
// machine over pkg/transport's TCP, built entirely on pkg/crypto's
// primitives.
package tls

// KeyExchange identifies the cipher suite's key-exchange method.
type KeyExchange int

const (
	KeyExchangeRSA KeyExchange = iota
	KeyExchangeECDHE
)

// CipherKind distinguishes CBC (MAC-then-encrypt) from AEAD (GCM)
// record protection, since the two need different record framing.
type CipherKind int

const (
	CipherCBC CipherKind = iota
	CipherGCM
)

// Suite describes one negotiable TLS 1.2 cipher suite (spec.md
// §4.14: "common AES-CBC-SHA and AES-GCM-SHA256/384 families under
// RSA, DHE-RSA, ECDHE-RSA key exchange").
type Suite struct {
	ID          uint16
	Name        string
	KeyExchange KeyExchange
	Cipher      CipherKind
	KeyLen      int // symmetric key length in bytes
	IVLen       int // IV bytes taken from the key block per direction (the fixed IV for GCM)
	MACLen      int // 0 for AEAD suites
	PRFHash     string // "sha256" or "sha384"
}

// Suite IDs per RFC 5246/5289.
const (
	idRSA_AES128_CBC_SHA       = 0x002F
	idRSA_AES256_CBC_SHA       = 0x0035
	idECDHE_RSA_AES128_GCM_SHA256 = 0xC02F
	idECDHE_RSA_AES256_GCM_SHA384 = 0xC030
	idECDHE_RSA_AES128_CBC_SHA    = 0xC013
)

// SupportedSuites is the ClientHello's cipher_suites list, in
// preference order (spec.md §8 scenario 2 expects
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 to win when offered).
var SupportedSuites = []Suite{
	{ID: idECDHE_RSA_AES128_GCM_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", KeyExchange: KeyExchangeECDHE, Cipher: CipherGCM, KeyLen: 16, IVLen: 4, PRFHash: "sha256"},
	{ID: idECDHE_RSA_AES256_GCM_SHA384, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", KeyExchange: KeyExchangeECDHE, Cipher: CipherGCM, KeyLen: 32, IVLen: 4, PRFHash: "sha384"},
	{ID: idECDHE_RSA_AES128_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeECDHE, Cipher: CipherCBC, KeyLen: 16, IVLen: 16, MACLen: 20, PRFHash: "sha256"},
	{ID: idRSA_AES128_CBC_SHA, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherCBC, KeyLen: 16, IVLen: 16, MACLen: 20, PRFHash: "sha256"},
	{ID: idRSA_AES256_CBC_SHA, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", KeyExchange: KeyExchangeRSA, Cipher: CipherCBC, KeyLen: 32, IVLen: 16, MACLen: 20, PRFHash: "sha256"},
}

// suiteByID looks up a Suite by its wire ID, used when parsing the
// server's ServerHello.cipher_suite selection.
func suiteByID(id uint16) (Suite, bool) {
	for _, s := range SupportedSuites {
		if s.ID == id {
			return s, true
		}
	}
	return Suite{}, false
}

// offerIDs returns the wire IDs of SupportedSuites, for ClientHello.
func offerIDs() []uint16 {
	ids := make([]uint16, len(SupportedSuites))
	for i, s := range SupportedSuites {
		ids[i] = s.ID
	}
	return ids
}
