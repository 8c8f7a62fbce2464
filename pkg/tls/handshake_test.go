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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClientHelloStructure(t *testing.T) {
	var random [32]byte
	for i := range random {
		random[i] = byte(i)
	}
	body := buildClientHello(random, "boot.example.test", nil)

	assert.Equal(t, versionTLS12[0], body[0])
	assert.Equal(t, versionTLS12[1], body[1])
	assert.Equal(t, random[:], body[2:34])
	assert.Equal(t, byte(0), body[34]) // no session to resume

	suitesLenOff := 35
	suitesLen := int(body[suitesLenOff])<<8 | int(body[suitesLenOff+1])
	assert.Equal(t, len(SupportedSuites)*2, suitesLen)
}

func TestBuildClientHelloOffersSessionID(t *testing.T) {
	var random [32]byte
	body := buildClientHello(random, "boot.example.test", []byte{0xAA, 0xBB})
	assert.Equal(t, byte(2), body[34])
	assert.Equal(t, []byte{0xAA, 0xBB}, body[35:37])
}

func TestBuildSNIExtensionEncodesHostname(t *testing.T) {
	ext := buildSNIExtension("boot.example.test")
	require.True(t, len(ext) > 9)
	assert.Equal(t, byte(0), ext[0]) // extension type server_name, high byte
	assert.Equal(t, byte(0), ext[1]) // extension type server_name, low byte
	hostStart := len(ext) - len("boot.example.test")
	assert.Equal(t, "boot.example.test", string(ext[hostStart:]))
}

func TestBuildSNIExtensionEmptyServerName(t *testing.T) {
	assert.Nil(t, buildSNIExtension(""))
}

func serverHelloBody(random [32]byte, sessionID []byte, suiteID uint16) []byte {
	b := append([]byte{3, 3}, random[:]...)
	b = append(b, byte(len(sessionID)))
	b = append(b, sessionID...)
	b = append(b, byte(suiteID>>8), byte(suiteID))
	b = append(b, 0) // compression method
	return b
}

func TestHandleServerHelloFullHandshake(t *testing.T) {
	c := &Conn{st: stateWaitServerHello}
	var serverRandom [32]byte
	body := serverHelloBody(serverRandom, []byte{1, 2, 3, 4}, idECDHE_RSA_AES128_GCM_SHA256)

	c.handleServerHello(body)

	assert.Equal(t, stateWaitCertificate, c.st)
	assert.Equal(t, SupportedSuites[0].ID, c.suite.ID)
	assert.False(t, c.resuming)
	assert.Equal(t, []byte{1, 2, 3, 4}, c.sessionID)
}

func TestHandleServerHelloResumption(t *testing.T) {
	cached := []byte{9, 9, 9}
	c := &Conn{
		st:           stateWaitServerHello,
		resuming:     true,
		sessionID:    cached,
		suite:        SupportedSuites[0],
		masterSecret: []byte("cached-master-secret-0123456789"),
	}
	var serverRandom [32]byte
	body := serverHelloBody(serverRandom, cached, idECDHE_RSA_AES128_GCM_SHA256)

	c.handleServerHello(body)

	assert.Equal(t, stateWaitChangeCipherSpec, c.st)
	assert.True(t, c.resuming)
	assert.NotEmpty(t, c.clientDir.key)
	assert.NotEmpty(t, c.serverDir.key)
}

func TestHandleServerHelloResumptionDeclinedFallsBackToFullHandshake(t *testing.T) {
	c := &Conn{
		st:        stateWaitServerHello,
		resuming:  true,
		sessionID: []byte{9, 9, 9},
		suite:     SupportedSuites[0],
	}
	var serverRandom [32]byte
	// Server issues a fresh session id: it declined resumption.
	body := serverHelloBody(serverRandom, []byte{1, 1, 1, 1}, idECDHE_RSA_AES128_GCM_SHA256)

	c.handleServerHello(body)

	assert.Equal(t, stateWaitCertificate, c.st)
	assert.False(t, c.resuming)
	assert.Nil(t, c.masterSecret)
}

func TestChangeCipherSpecAdvancesStateToWaitFinished(t *testing.T) {
	c := &Conn{st: stateWaitChangeCipherSpec}
	c.onRecord(record{typ: contentChangeCipherSpec, payload: []byte{1}})
	assert.True(t, c.changeCipherSeen)
	assert.Equal(t, stateWaitFinished, c.st)
}

func TestDeriveKeysPopulatesBothDirections(t *testing.T) {
	c := &Conn{suite: SupportedSuites[0], premaster: []byte("0123456789abcdef0123456789abcdef")}
	c.deriveKeys()

	assert.Len(t, c.masterSecret, 48)
	assert.Len(t, c.clientDir.key, c.suite.KeyLen)
	assert.Len(t, c.serverDir.key, c.suite.KeyLen)
	assert.NotEqual(t, c.clientDir.key, c.serverDir.key)
}

func TestHandleFinishedFullHandshakeEstablishes(t *testing.T) {
	c := &Conn{
		st:          stateWaitFinished,
		suite:       SupportedSuites[0],
		masterSecret: []byte("0123456789abcdef0123456789abcdef"),
		established: make(chan struct{}, 1),
		failure:     make(chan error, 1),
	}
	want := c.finishedVerifyData("server finished")
	c.handleFinished(want)

	assert.Equal(t, stateEstablished, c.st)
	select {
	case <-c.established:
	default:
		t.Fatal("expected established channel to fire")
	}
}

func TestFinishedVerifyDataRejectsTamperedTranscript(t *testing.T) {
	c := &Conn{suite: SupportedSuites[0], masterSecret: []byte("0123456789abcdef0123456789abcdef")}
	c.handLog = []byte("client hello bytes")
	want := c.finishedVerifyData("server finished")

	c.handLog = []byte("tampered transcript")
	got := c.finishedVerifyData("server finished")

	assert.False(t, hmacEqual(want, got))
}
