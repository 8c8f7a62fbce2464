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

func TestBuildKVAndParseKVRoundTrip(t *testing.T) {
	kv := buildKV("InitiatorName", "iqn.2024-01.test:initiator", "SessionType", "Normal")
	assert.Equal(t, "InitiatorName=iqn.2024-01.test:initiator\r\nSessionType=Normal\r\n", string(kv))

	parsed := parseKV(kv)
	assert.Equal(t, "iqn.2024-01.test:initiator", parsed["InitiatorName"])
	assert.Equal(t, "Normal", parsed["SessionType"])
}

func TestBuildLoginRequestAndParseLoginResponse(t *testing.T) {
	isid := [6]byte{0, 2, 0x3d, 0, 0, 1}
	kv := buildKV("InitiatorName", "iqn.test:init")
	req := buildLoginRequest(isid, 0, 7, 0, csgSecurityNegotiation, csgLoginOperational, true, 3, 5, kv)

	assert.Len(t, req, bhsLen+padded(len(kv)))
	assert.Equal(t, byte(opLoginRequest|immediateFlag), req[0])
	assert.Equal(t, isid[:], req[8:14])
	assert.Equal(t, uint32(7), beUint32(req[16:20]))
	assert.Equal(t, uint32(3), beUint32(req[24:28]))
	assert.Equal(t, uint32(5), beUint32(req[28:32]))

	// Hand-build a matching Login Response: StatusClass=0, transit to
	// LoginOperational, StatSN=10, ExpCmdSN=4, MaxCmdSN=20.
	resp := make([]byte, bhsLen)
	resp[0] = opLoginRsp
	resp[1] = flagTransit | (csgSecurityNegotiation << 2) | csgLoginOperational
	putBE32(resp[16:20], 7)
	putBE32(resp[24:28], 10)
	putBE32(resp[28:32], 4)
	putBE32(resp[32:36], 20)
	resp[36] = 0
	resp[37] = 0

	lr, data, err := parseLoginResponse(resp)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, lr.transit)
	assert.Equal(t, csgLoginOperational, lr.nsg)
	assert.Equal(t, uint32(7), lr.itt)
	assert.Equal(t, uint32(10), lr.statSN)
	assert.Equal(t, byte(0), lr.statusClass)
}

func TestParseLoginResponseRejectsNonLoginOpcode(t *testing.T) {
	b := make([]byte, bhsLen)
	b[0] = opSCSIResponse
	_, _, err := parseLoginResponse(b)
	assert.Error(t, err)
}

func TestBuildSCSICommandAndParseSCSIResponse(t *testing.T) {
	cdb := buildCDBReadCapacity16()
	req := buildSCSICommand(0, 42, 1, 1, cdb, true, 32)
	assert.Equal(t, byte(opSCSICommand), req[0])
	assert.Equal(t, byte(flagFinal|flagRead), req[1])
	assert.Equal(t, cdb[:], req[32:48])

	resp := make([]byte, bhsLen)
	resp[0] = opSCSIResponse
	resp[2] = 0 // Response: command completed at target
	resp[3] = 0 // Status: GOOD
	putBE32(resp[16:20], 42)
	putBE32(resp[24:28], 11)

	sr, _, err := parseSCSIResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), sr.itt)
	assert.Equal(t, byte(0), sr.status)
}

func TestParseDataInStitchesByBufferOffset(t *testing.T) {
	data := []byte("payload-segment")
	pdu := make([]byte, bhsLen)
	pdu[0] = opSCSIDataIn
	pdu[1] = flagFinal
	putBE32(pdu[16:20], 5)
	putBE32(pdu[40:44], 128) // BufferOffset
	putDataSegmentLength(pdu, len(data))
	pdu = append(pdu, padSegment(data)...)

	d, got, err := parseDataIn(pdu)
	require.NoError(t, err)
	assert.True(t, d.final)
	assert.Equal(t, uint32(5), d.itt)
	assert.Equal(t, uint32(128), d.bufferOffset)
	assert.Equal(t, data, got)
}

func TestBuildCDBRead16EncodesLBAAndCount(t *testing.T) {
	cdb := buildCDBRead16(16, 1)
	assert.Equal(t, byte(0x88), cdb[0])
	assert.Equal(t, uint64(16), beUint64(cdb[2:10]))
	assert.Equal(t, uint32(1), beUint32(cdb[10:14]))
}

func TestPaddedRoundsToFourByteBoundary(t *testing.T) {
	assert.Equal(t, 0, padded(0))
	assert.Equal(t, 4, padded(1))
	assert.Equal(t, 4, padded(4))
	assert.Equal(t, 8, padded(5))
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
