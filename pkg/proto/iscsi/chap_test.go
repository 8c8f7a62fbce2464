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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCHAPChallengeStripsHexPrefix(t *testing.T) {
	challenge := make([]byte, 16)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	got, err := decodeCHAPChallenge("0x000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, challenge, got)
}

func TestDecodeCHAPChallengeRejectsMalformedHex(t *testing.T) {
	_, err := decodeCHAPChallenge("0xnot-hex")
	assert.Error(t, err)
}

func TestChapResponseProducesWellFormedHexFields(t *testing.T) {
	challenge := make([]byte, 16)
	peerChallengeHex, responseHex, err := chapResponse(challenge, "User", "clientPass")
	require.NoError(t, err)
	assert.Len(t, peerChallengeHex, 32) // 16 bytes hex-encoded
	assert.Len(t, responseHex, 48)      // 24 bytes hex-encoded
}

func TestChapResponseRejectsWrongChallengeLength(t *testing.T) {
	_, _, err := chapResponse([]byte{1, 2, 3}, "User", "clientPass")
	assert.Error(t, err)
}
