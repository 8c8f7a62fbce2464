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

// Package crypto implements the cryptography primitives of spec.md
// §4.13: digests, HMAC, block ciphers, AES-GCM, RSA/ECDHE, and
// MSCHAPv2, covering exactly the TLS/iSCSI/AWS-signing needs the
// firmware has (spec.md's Non-goals: "not a general crypto library").
// Each algorithm family is exposed as a small vtable, mirroring the
// original `{name, ctxsize, setkey, ..., final}` dispatch structure,
// but backed by the standard library's constant-time implementations
// rather than a re-derivation of the primitives themselves.
package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/md4"
)

// Digest is the vtable spec.md §4.13 describes for hash algorithms:
// a constructor producing a fresh running hash.Hash.
type Digest struct {
	Name      string
	Size      int
	BlockSize int
	New       func() hash.Hash
}

var (
	MD5    = Digest{Name: "md5", Size: md5.Size, BlockSize: md5.BlockSize, New: md5.New}
	SHA1   = Digest{Name: "sha1", Size: sha1.Size, BlockSize: sha1.BlockSize, New: sha1.New}
	SHA256 = Digest{Name: "sha256", Size: sha256.Size, BlockSize: sha256.BlockSize, New: sha256.New}
	MD4    = Digest{Name: "md4", Size: md4.Size, BlockSize: md4.BlockSize, New: md4.New}
)

// Sum runs d over data in one call, the common case throughout
// pkg/tls's handshake digest accumulation and pkg/crypto's MSCHAPv2.
func (d Digest) Sum(data []byte) []byte {
	h := d.New()
	h.Write(data)
	return h.Sum(nil)
}
