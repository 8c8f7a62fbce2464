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
	"crypto/des"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// BlockCipher is the vtable spec.md §4.13 describes: name, block
// size, and a keyed constructor producing a cipher.Block.
type BlockCipher struct {
	Name      string
	BlockSize int
	New       func(key []byte) (cipher.Block, error)
}

var (
	AES = BlockCipher{Name: "aes", BlockSize: aes.BlockSize, New: aes.NewCipher}
	DES = BlockCipher{Name: "des", BlockSize: des.BlockSize, New: des.NewCipher}
)

// CBCEncrypt encrypts plaintext (a multiple of c.BlockSize) under key
// and iv using CBC mode, the TLS 1.2 AES-CBC-SHA suite family's record
// cipher.
func CBCEncrypt(c BlockCipher, key, iv, plaintext []byte) ([]byte, error) {
	block, err := c.New(key)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	if len(plaintext)%c.BlockSize != 0 {
		return nil, errno.New(errno.InvalidArgument, "cipher: plaintext not block-aligned")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// CBCDecrypt is CBCEncrypt's inverse.
func CBCDecrypt(c BlockCipher, key, iv, ciphertext []byte) ([]byte, error) {
	block, err := c.New(key)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	if len(ciphertext)%c.BlockSize != 0 {
		return nil, errno.New(errno.InvalidArgument, "cipher: ciphertext not block-aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// DESEDE3Keys splits a 21-byte MSCHAPv2 password hash into three
// independent 8-byte (56-bit-plus-parity) DES keys (RFC 2759 §8.4).
func DESEDE3Keys(hash21 [21]byte) (k1, k2, k3 [8]byte) {
	expand := func(in []byte) [8]byte {
		return [8]byte{
			in[0],
			in[0]<<7 | in[1]>>1,
			in[1]<<6 | in[2]>>2,
			in[2]<<5 | in[3]>>3,
			in[3]<<4 | in[4]>>4,
			in[4]<<3 | in[5]>>5,
			in[5]<<2 | in[6]>>6,
			in[6] << 1,
		}
	}
	return expand(hash21[0:7]), expand(hash21[7:14]), expand(hash21[14:21])
}

// DESEncryptBlock encrypts one 8-byte block under an (unparitied)
// 8-byte DES key, used by MSCHAPv2's NT-Response generation.
func DESEncryptBlock(key, block [8]byte) ([8]byte, error) {
	b, err := des.NewCipher(key[:])
	if err != nil {
		return [8]byte{}, errno.Wrap(errno.Protocol, err)
	}
	var out [8]byte
	b.Encrypt(out[:], block[:])
	return out, nil
}
