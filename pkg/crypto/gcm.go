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

package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// TagSize is the GCM authentication tag length (spec.md §4.13: "Tag
// T = E_K(Y_0) XOR GHASH(H, A, C)"), 16 bytes per NIST SP 800-38D.
const TagSize = 16

// GCMSeal encrypts plaintext under key/nonce, authenticating aad, and
// returns ciphertext||tag — the AEAD construction TLS 1.2's AES-GCM
// suites use for each record (RFC 5116).
func GCMSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// GCMOpen authenticates and decrypts sealed (ciphertext||tag),
// returning an error if the tag does not verify.
func GCMOpen(key, nonce, sealed, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, errno.New(errno.Protocol, "gcm: authentication failed")
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return aead, nil
}
