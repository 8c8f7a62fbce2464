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

package dns

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeName hand-assembles an RFC 1035 label sequence so the response
// fixtures below are independent of the codec under test.
func encodeName(name string) []byte {
	var out []byte
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			out = append(out, byte(i-start))
			out = append(out, name[start:i]...)
			start = i + 1
		}
	}
	return append(out, 0)
}

func TestBuildQuery(t *testing.T) {
	q := buildQuery(0x1234, "a.io", false)
	require.NotNil(t, q)
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(q[0:2]))
	assert.Equal(t, byte(0x01), q[2]) // RD set, QR/opcode clear
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(q[4:6]))
}

// buildAResponse hand-assembles a minimal A-record response for id,
// answering name with addr, mirroring a real nameserver's wire reply.
// The answer's owner name uses a compression pointer back to the
// question (RFC 1035 §4.1.4), as real servers emit.
func buildAResponse(id uint16, name string, addr net.IP) []byte {
	var b []byte
	header := make([]byte, 12)
	binary.BigEndian.PutUint16(header[0:2], id)
	header[2] = 0x81 // QR + RD
	binary.BigEndian.PutUint16(header[4:6], 1)
	binary.BigEndian.PutUint16(header[6:8], 1)
	b = append(b, header...)
	b = append(b, encodeName(name)...)
	tail := make([]byte, 4)
	binary.BigEndian.PutUint16(tail[0:2], 1) // TYPE A
	binary.BigEndian.PutUint16(tail[2:4], 1) // CLASS IN
	b = append(b, tail...)

	b = append(b, 0xc0, 0x0c) // pointer to the question name at offset 12
	rr := make([]byte, 10)
	binary.BigEndian.PutUint16(rr[0:2], 1)
	binary.BigEndian.PutUint16(rr[2:4], 1)
	binary.BigEndian.PutUint32(rr[4:8], 60)
	binary.BigEndian.PutUint16(rr[8:10], 4)
	b = append(b, rr...)
	b = append(b, addr.To4()...)
	return b
}

func TestParseResponseA(t *testing.T) {
	want := net.IPv4(10, 0, 2, 3)
	msg := buildAResponse(0xabcd, "boot.example.com", want)

	resp, err := parseResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xabcd), resp.id)
	assert.Equal(t, "boot.example.com", resp.queryName)
	require.Len(t, resp.answers, 1)
	assert.Equal(t, "boot.example.com", resp.answers[0].name)
	assert.True(t, resp.answers[0].addr.Equal(want))
}

// buildCNAMEResponse answers name with a CNAME to target plus an A
// record for target, the two-record shape a CNAME chase consumes.
func buildCNAMEResponse(id uint16, name, target string, addr net.IP) []byte {
	var b []byte
	header := make([]byte, 12)
	binary.BigEndian.PutUint16(header[0:2], id)
	header[2] = 0x81
	binary.BigEndian.PutUint16(header[4:6], 1)
	binary.BigEndian.PutUint16(header[6:8], 2)
	b = append(b, header...)
	b = append(b, encodeName(name)...)
	tail := make([]byte, 4)
	binary.BigEndian.PutUint16(tail[0:2], 1)
	binary.BigEndian.PutUint16(tail[2:4], 1)
	b = append(b, tail...)

	cname := encodeName(target)
	rr := make([]byte, 10)
	binary.BigEndian.PutUint16(rr[0:2], 5) // TYPE CNAME
	binary.BigEndian.PutUint16(rr[2:4], 1)
	binary.BigEndian.PutUint32(rr[4:8], 60)
	binary.BigEndian.PutUint16(rr[8:10], uint16(len(cname)))
	b = append(b, encodeName(name)...)
	b = append(b, rr...)
	b = append(b, cname...)

	arr := make([]byte, 10)
	binary.BigEndian.PutUint16(arr[0:2], 1)
	binary.BigEndian.PutUint16(arr[2:4], 1)
	binary.BigEndian.PutUint32(arr[4:8], 60)
	binary.BigEndian.PutUint16(arr[8:10], 4)
	b = append(b, encodeName(target)...)
	b = append(b, arr...)
	b = append(b, addr.To4()...)
	return b
}

func TestParseResponseFollowableCNAMEChain(t *testing.T) {
	want := net.IPv4(192, 0, 2, 7)
	msg := buildCNAMEResponse(7, "www.example.com", "origin.example.net", want)

	resp, err := parseResponse(msg)
	require.NoError(t, err)
	require.Len(t, resp.answers, 2)
	assert.Equal(t, "origin.example.net", resp.answers[0].cname)
	assert.Equal(t, "origin.example.net", resp.answers[1].name)
	assert.True(t, resp.answers[1].addr.Equal(want))
}

func TestParseResponseRejectsTruncatedMessage(t *testing.T) {
	_, err := parseResponse([]byte{0x12, 0x34, 0x81})
	assert.Error(t, err)
}
