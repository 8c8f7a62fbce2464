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

package tls

import (
	"encoding/binary"

	"github.com/netboot-go/ipxecore/pkg/crypto"
	"github.com/netboot-go/ipxecore/pkg/errno"
)

// contentType is the record layer's outer framing type (RFC 5246 §6.2.1).
type contentType byte

const (
	contentChangeCipherSpec contentType = 20
	contentAlert            contentType = 21
	contentHandshake        contentType = 22
	contentApplicationData  contentType = 23
)

// MaxFragment is 4096 bytes. Nothing in this package negotiates a
// maximum fragment length or limits record sizes by this constant.
const MaxFragment = 4096

const recordHeaderLen = 5

var versionTLS12 = [2]byte{3, 3}

// direction holds one connection direction's record-protection state:
// the symmetric key material plus a monotonically increasing 64-bit
// sequence number used as part of the MAC/AEAD nonce (RFC 5246 §6.1).
type direction struct {
	macKey  []byte
	key     []byte
	fixedIV []byte
	seq     uint64
}

func (d *direction) nextSeq() uint64 {
	s := d.seq
	d.seq++
	return s
}

// record is one parsed TLS record.
type record struct {
	typ contentType
	ver [2]byte
	payload []byte
}

// encodeRecord frames payload as a plaintext record (used only before
// the cipher spec activates, i.e. for the handshake's early messages).
func encodeRecord(typ contentType, payload []byte) []byte {
	buf := make([]byte, recordHeaderLen+len(payload))
	buf[0] = byte(typ)
	buf[1], buf[2] = versionTLS12[0], versionTLS12[1]
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// decodeRecords splits buf into zero or more complete records,
// returning the records found and the number of bytes consumed; a
// trailing partial record is left for the next read.
func decodeRecords(buf []byte) (recs []record, consumed int) {
	off := 0
	for off+recordHeaderLen <= len(buf) {
		length := int(binary.BigEndian.Uint16(buf[off+3 : off+5]))
		if off+recordHeaderLen+length > len(buf) {
			break
		}
		recs = append(recs, record{
			typ:     contentType(buf[off]),
			ver:     [2]byte{buf[off+1], buf[off+2]},
			payload: append([]byte(nil), buf[off+recordHeaderLen:off+recordHeaderLen+length]...),
		})
		off += recordHeaderLen + length
	}
	return recs, off
}

// protectCBC MACs then encrypts plaintext under dir's key material
// (RFC 5246 §6.2.3.2): HMAC over seq||type||version||len||data, then
// CBC-encrypt (mac||data||padding) with a fresh random IV prefixed in
// the clear.
func protectCBC(suite Suite, dir *direction, typ contentType, plaintext []byte, randIV []byte) ([]byte, error) {
	macInput := macAdditionalData(dir.nextSeq(), typ, len(plaintext))
	macInput = append(macInput, plaintext...)
	mac := crypto.HMAC(macDigestFor(suite), dir.macKey, macInput)

	data := append(append([]byte(nil), plaintext...), mac...)
	padLen := suite.cbcBlockSize() - (len(data) % suite.cbcBlockSize())
	for i := 0; i < padLen; i++ {
		data = append(data, byte(padLen-1))
	}

	ciphertext, err := crypto.CBCEncrypt(crypto.AES, dir.key, randIV, data)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), randIV...), ciphertext...), nil
}

// unprotectCBC is protectCBC's inverse, verifying the MAC after
// decryption and trimming PKCS#7-style padding.
func unprotectCBC(suite Suite, dir *direction, typ contentType, framed []byte) ([]byte, error) {
	ivLen := suite.cbcBlockSize()
	if len(framed) < ivLen+suite.MACLen+1 {
		return nil, errno.New(errno.Protocol, "tls: cbc record too short")
	}
	iv, ciphertext := framed[:ivLen], framed[ivLen:]
	plain, err := crypto.CBCDecrypt(crypto.AES, dir.key, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return nil, errno.New(errno.Protocol, "tls: bad cbc padding")
	}
	data := plain[:len(plain)-padLen-1]
	if len(data) < suite.MACLen {
		return nil, errno.New(errno.Protocol, "tls: record shorter than MAC")
	}
	content, mac := data[:len(data)-suite.MACLen], data[len(data)-suite.MACLen:]
	macInput := append(macAdditionalData(dir.nextSeq(), typ, len(content)), content...)
	want := crypto.HMAC(macDigestFor(suite), dir.macKey, macInput)
	if !hmacEqual(want, mac) {
		return nil, errno.New(errno.Protocol, "tls: MAC verification failed")
	}
	return content, nil
}

// protectGCM seals plaintext as an AEAD record (RFC 5246 §6.2.3.3):
// the explicit nonce is the sequence number, prefixed in the clear,
// and the 12-byte AES-GCM nonce is the fixed IV followed by it
// (fixed_iv || explicit_nonce).
func protectGCM(dir *direction, typ contentType, plaintext []byte) ([]byte, error) {
	seq := dir.nextSeq()
	nonce := gcmNonce(dir.fixedIV, seq)
	aad := macAdditionalData(seq, typ, len(plaintext))
	sealed, err := crypto.GCMSeal(dir.key, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce[len(dir.fixedIV):], sealed...), nil
}

func unprotectGCM(dir *direction, typ contentType, framed []byte) ([]byte, error) {
	if len(framed) < 8+crypto.TagSize {
		return nil, errno.New(errno.Protocol, "tls: gcm record too short")
	}
	explicitNonce := framed[:8]
	seq := dir.nextSeq()
	nonce := append(append([]byte(nil), dir.fixedIV...), explicitNonce...)
	sealed := framed[8:]
	aad := macAdditionalData(seq, typ, len(sealed)-crypto.TagSize)
	return crypto.GCMOpen(dir.key, nonce, sealed, aad)
}

func gcmNonce(fixedIV []byte, seq uint64) []byte {
	explicit := make([]byte, 8)
	binary.BigEndian.PutUint64(explicit, seq)
	return append(append([]byte(nil), fixedIV...), explicit...)
}

// macAdditionalData builds the seq||type||version||length prefix
// that both the CBC MAC and the GCM AAD are computed over (RFC 5246
// §6.2.3.1/§6.2.3.3).
func macAdditionalData(seq uint64, typ contentType, length int) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	buf[8] = byte(typ)
	buf[9], buf[10] = versionTLS12[0], versionTLS12[1]
	binary.BigEndian.PutUint16(buf[11:13], uint16(length))
	return buf
}

func macDigestFor(suite Suite) crypto.Digest {
	if suite.PRFHash == "sha384" {
		return crypto.SHA256 // TLS 1.2 CBC suites in this table only use SHA-1/SHA-256 MACs
	}
	return crypto.SHA1
}

func (s Suite) cbcBlockSize() int { return 16 } // AES block size; this table offers only AES-CBC suites

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
