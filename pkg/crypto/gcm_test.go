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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGCMNISTVector reproduces NIST SP 800-38D's Test Case 2 (16-byte
// all-zero key, IV, and plaintext, no AAD).
func TestGCMNISTVector(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	plaintext := make([]byte, 16)

	sealed, err := GCMSeal(key, nonce, plaintext, nil)
	require.NoError(t, err)
	require.Len(t, sealed, len(plaintext)+TagSize)

	wantCiphertext, _ := hex.DecodeString("0388dace60b6a392f328c2b971b2fe78")
	wantTag, _ := hex.DecodeString("ab6e47d42cec13bdf53a67b21257bddf")
	assert.Equal(t, wantCiphertext, sealed[:16])
	assert.Equal(t, wantTag, sealed[16:])

	opened, err := GCMOpen(key, nonce, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestGCMOpenRejectsTampering(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	sealed, err := GCMSeal(key, nonce, []byte("hello"), nil)
	require.NoError(t, err)
	sealed[0] ^= 0xff
	_, err = GCMOpen(key, nonce, sealed, nil)
	assert.Error(t, err)
}
