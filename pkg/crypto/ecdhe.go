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
	"crypto/ecdh"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// ECDHEKeyPair is one side's ephemeral key-exchange contribution, the
// ServerKeyExchange/ClientKeyExchange payload for ECDHE-RSA cipher
// suites (spec.md §4.13: "ECDHE over NIST P-256 / X25519").
type ECDHEKeyPair struct {
	curve   ecdh.Curve // nil when Curve25519 is used instead
	priv    *ecdh.PrivateKey
	x25519  [32]byte // Curve25519 scalar, when curve is nil
	isX25519 bool
}

// GenerateP256 generates an ephemeral NIST P-256 key pair.
func GenerateP256() (*ECDHEKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return &ECDHEKeyPair{curve: ecdh.P256(), priv: priv}, nil
}

// GenerateX25519 generates an ephemeral Curve25519 key pair.
func GenerateX25519() (*ECDHEKeyPair, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	// Clamp per RFC 7748 §5.
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return &ECDHEKeyPair{x25519: scalar, isX25519: true}, nil
}

// PublicBytes returns the uncompressed (P-256) or raw (X25519) public
// key to place on the wire.
func (k *ECDHEKeyPair) PublicBytes() ([]byte, error) {
	if k.isX25519 {
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &k.x25519)
		return pub[:], nil
	}
	return k.priv.PublicKey().Bytes(), nil
}

// SharedSecret computes the ECDH shared secret with the peer's public
// key bytes, the premaster secret for ECDHE-RSA suites.
func (k *ECDHEKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if k.isX25519 {
		if len(peerPublic) != 32 {
			return nil, errno.New(errno.InvalidArgument, "ecdhe: bad x25519 public key length")
		}
		var peer, out [32]byte
		copy(peer[:], peerPublic)
		secret, err := curve25519.X25519(k.x25519[:], peer[:])
		if err != nil {
			return nil, errno.Wrap(errno.Protocol, err)
		}
		copy(out[:], secret)
		return out[:], nil
	}
	peerKey, err := k.curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	secret, err := k.priv.ECDH(peerKey)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return secret, nil
}
