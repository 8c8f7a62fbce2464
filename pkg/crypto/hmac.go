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

import "crypto/hmac"

// HMAC computes the keyed-hash message authentication code of data
// under d (spec.md §4.13: "HMAC is built on any digest").
func HMAC(d Digest, key, data []byte) []byte {
	h := hmac.New(d.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// PRFTLS12 is TLS 1.2's P_hash-based pseudo-random function (RFC
// 5246 §5), used by pkg/tls to derive the master secret and key block
// from HMAC-SHA256 (the only PRF hash TLS 1.2 allows once a cipher
// suite specifies its PRF digest).
func PRFTLS12(d Digest, secret, label, seed []byte, length int) []byte {
	ls := append(append([]byte(nil), label...), seed...)
	out := make([]byte, 0, length)
	a := HMAC(d, secret, ls)
	for len(out) < length {
		out = append(out, HMAC(d, secret, append(append([]byte(nil), a...), ls...))...)
		a = HMAC(d, secret, a)
	}
	return out[:length]
}
