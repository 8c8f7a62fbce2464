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
	"crypto"
	"crypto/rand"
	"crypto/rsa"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// RSAEncryptPKCS1 encrypts plaintext under pub using PKCS#1 v1.5
// padding, the RSA key-exchange path of TLS 1.2's RSA cipher suites
// (spec.md §4.13: "Public-key algorithms ... expose {encrypt, ...}").
func RSAEncryptPKCS1(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return out, nil
}

// RSADecryptPKCS1 decrypts ciphertext under priv.
func RSADecryptPKCS1(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return out, nil
}

// RSASignPKCS1 signs a digest (already hashed with hashFn) under
// priv, used for CertificateVerify/ServerKeyExchange signing on the
// RSA and DHE-RSA/ECDHE-RSA key-exchange paths.
func RSASignPKCS1(priv *rsa.PrivateKey, hashFn crypto.Hash, digest []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, hashFn, digest)
	if err != nil {
		return nil, errno.Wrap(errno.Protocol, err)
	}
	return sig, nil
}

// RSAVerifyPKCS1 verifies sig over digest under pub, returning a
// *errno.Errno(Protocol) on mismatch rather than the bare stdlib error
// (spec.md §4.13's validator "blocks handshake progress ... until the
// validator reports a result").
func RSAVerifyPKCS1(pub *rsa.PublicKey, hashFn crypto.Hash, digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, hashFn, digest, sig); err != nil {
		return errno.New(errno.Protocol, "rsa: signature verification failed")
	}
	return nil
}
