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
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

var magic1 = []byte{
	0x4D, 0x61, 0x67, 0x69, 0x63, 0x20, 0x73, 0x65, 0x72, 0x76, 0x65, 0x72, 0x20, 0x74, 0x6F, 0x20,
	0x63, 0x6C, 0x69, 0x65, 0x6E, 0x74, 0x20, 0x73, 0x69, 0x67, 0x6E, 0x69, 0x6E, 0x67, 0x20, 0x63,
	0x6F, 0x6E, 0x73, 0x74, 0x61, 0x6E, 0x74,
}

var magic2 = []byte{
	0x50, 0x61, 0x64, 0x20, 0x74, 0x6F, 0x20, 0x6D, 0x61, 0x6B, 0x65, 0x20, 0x69, 0x74, 0x20, 0x64,
	0x6F, 0x20, 0x6D, 0x6F, 0x72, 0x65, 0x20, 0x74, 0x68, 0x61, 0x6E, 0x20, 0x6F, 0x6E, 0x65, 0x20,
	0x69, 0x74, 0x65, 0x72, 0x61, 0x74, 0x69, 0x6F, 0x6E,
}

// MSCHAPv2ChallengeHash implements RFC 2759 §8.2: SHA1(peer || auth ||
// username)[0:8], mixing both sides' 16-byte challenges so neither
// party alone determines the value the NT-Response is computed over.
func MSCHAPv2ChallengeHash(peerChallenge, authChallenge [16]byte, username string) [8]byte {
	h := SHA1.New()
	h.Write(peerChallenge[:])
	h.Write(authChallenge[:])
	h.Write([]byte(username))
	sum := h.Sum(nil)
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// NTPasswordHash implements RFC 2759 §8.3: MD4(UTF-16LE(password)).
func NTPasswordHash(password string) [16]byte {
	h := MD4.New()
	for _, r := range utf16.Encode([]rune(password)) {
		h.Write([]byte{byte(r), byte(r >> 8)})
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChallengeResponse implements RFC 2759 §8.4/§8.5: pads passwordHash
// to 21 bytes, splits into three DES keys, and encrypts challengeHash
// under each to produce the 24-byte NT-Response.
func ChallengeResponse(challengeHash [8]byte, passwordHash [16]byte) ([24]byte, error) {
	var padded [21]byte
	copy(padded[:], passwordHash[:])
	k1, k2, k3 := DESEDE3Keys(padded)

	var out [24]byte
	c1, err := DESEncryptBlock(k1, challengeHash)
	if err != nil {
		return out, err
	}
	c2, err := DESEncryptBlock(k2, challengeHash)
	if err != nil {
		return out, err
	}
	c3, err := DESEncryptBlock(k3, challengeHash)
	if err != nil {
		return out, err
	}
	copy(out[0:8], c1[:])
	copy(out[8:16], c2[:])
	copy(out[16:24], c3[:])
	return out, nil
}

// GenerateNTResponse computes the client's 24-byte NT-Response for a
// given authenticator/peer challenge pair, username, and password
// (RFC 2759 §8.1).
func GenerateNTResponse(authChallenge, peerChallenge [16]byte, username, password string) ([24]byte, error) {
	challengeHash := MSCHAPv2ChallengeHash(peerChallenge, authChallenge, username)
	passwordHash := NTPasswordHash(password)
	return ChallengeResponse(challengeHash, passwordHash)
}

// AuthenticatorResponse computes the server-side authenticator string
// "S=<40 hex chars>" per RFC 2759 §8.7/§9.2's test vector format.
func AuthenticatorResponse(password string, ntResponse [24]byte, authChallenge, peerChallenge [16]byte, username string) string {
	passwordHash := NTPasswordHash(password)
	passwordHashHash := MD4.Sum(passwordHash[:])

	h1 := SHA1.New()
	h1.Write(passwordHashHash)
	h1.Write(ntResponse[:])
	h1.Write(magic1)
	digest := h1.Sum(nil)

	challengeHash := MSCHAPv2ChallengeHash(peerChallenge, authChallenge, username)
	h2 := SHA1.New()
	h2.Write(digest)
	h2.Write(challengeHash[:])
	h2.Write(magic2)
	final := h2.Sum(nil)

	return "S=" + strings.ToUpper(hex.EncodeToString(final))
}

// VerifyAuthenticatorResponse reports whether server's reply matches
// the expected "S=..." string for the given credentials/challenges.
func VerifyAuthenticatorResponse(server string, password string, ntResponse [24]byte, authChallenge, peerChallenge [16]byte, username string) error {
	want := AuthenticatorResponse(password, ntResponse, authChallenge, peerChallenge, username)
	if !strings.EqualFold(server, want) {
		return errno.New(errno.Protocol, "mschapv2: authenticator response mismatch")
	}
	return nil
}
