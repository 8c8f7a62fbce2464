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

func TestCBCRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, AES.BlockSize)
	plaintext := []byte("0123456789abcdef") // exactly one AES block

	ciphertext, err := CBCEncrypt(AES, key, iv, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := CBCDecrypt(AES, key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCBCRejectsUnalignedPlaintext(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, AES.BlockSize)
	_, err := CBCEncrypt(AES, key, iv, []byte("short"))
	assert.Error(t, err)
}

func TestDESEDE3KeysProducesDistinctKeys(t *testing.T) {
	var hash21 [21]byte
	for i := range hash21 {
		hash21[i] = byte(i)
	}
	k1, k2, k3 := DESEDE3Keys(hash21)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k2, k3)
}
