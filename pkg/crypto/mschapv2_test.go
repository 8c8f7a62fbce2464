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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRFC2759Vector reproduces the RFC 2759 §9.2 test vector: user
// "User", password "clientPass".
func TestRFC2759Vector(t *testing.T) {
	authChallenge := [16]byte{0x5B, 0x5D, 0x7C, 0x7D, 0x7B, 0x3F, 0x2F, 0x3E, 0x3C, 0x2C, 0x60, 0x21, 0x32, 0x26, 0x26, 0x28}
	peerChallenge := [16]byte{0x21, 0x40, 0x23, 0x24, 0x25, 0x5E, 0x26, 0x2A, 0x28, 0x29, 0x5F, 0x2B, 0x3A, 0x33, 0x7C, 0x7E}
	wantNTResponse := [24]byte{
		0x82, 0x30, 0x9E, 0xCD, 0x8D, 0x70, 0x8B, 0x5E, 0xA0, 0x8F, 0xAA, 0x39, 0x81, 0xCD, 0x83, 0x54,
		0x42, 0x33, 0x11, 0x4A, 0x3D, 0x85, 0xD6, 0xDF,
	}

	ntResponse, err := GenerateNTResponse(authChallenge, peerChallenge, "User", "clientPass")
	require.NoError(t, err)
	assert.Equal(t, wantNTResponse, ntResponse)

	got := AuthenticatorResponse("clientPass", ntResponse, authChallenge, peerChallenge, "User")
	assert.Equal(t, "S=407A5589115FD0D6209F510FE9C04566932CDA56", got)
}

func TestNTPasswordHashLength(t *testing.T) {
	h := NTPasswordHash("clientPass")
	assert.Len(t, h, 16)
}
