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

package iscsi

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/netboot-go/ipxecore/pkg/crypto"
	"github.com/netboot-go/ipxecore/pkg/errno"
)

// chapResponse computes the initiator's CHAP_R value in response to the
// target's CHAP_C challenge (spec.md §4.12: "optional CHAP one-way or
// mutual authentication using MSCHAPv2-style challenges"), reusing
// pkg/crypto's MSCHAPv2 NT-response derivation with the target's
// challenge standing in for MSCHAPv2's authenticator challenge and a
// freshly generated peer challenge.
func chapResponse(targetChallenge []byte, user, secret string) (peerChallengeHex, responseHex string, err error) {
	if len(targetChallenge) != 16 {
		return "", "", errno.New(errno.Protocol, "iscsi: CHAP_C must be a 16-byte MSCHAPv2 challenge")
	}
	var authChallenge, peerChallenge [16]byte
	copy(authChallenge[:], targetChallenge)
	if _, err := rand.Read(peerChallenge[:]); err != nil {
		return "", "", errno.Wrap(errno.Protocol, err)
	}
	ntResponse, err := crypto.GenerateNTResponse(authChallenge, peerChallenge, user, secret)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(peerChallenge[:]), hex.EncodeToString(ntResponse[:]), nil
}

// decodeCHAPChallenge parses a CHAP_C value, which iSCSI carries as a
// "0x"-prefixed hex string (RFC 7143 §11.1.3).
func decodeCHAPChallenge(chapC string) ([]byte, error) {
	s := chapC
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errno.New(errno.Protocol, "iscsi: malformed CHAP_C")
	}
	return b, nil
}
