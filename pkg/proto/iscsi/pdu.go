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
	"encoding/binary"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// Basic Header Segment opcodes used by this client (RFC 7143 §10.2.1.2;
// this client only speaks the initiator's half of the subset spec.md
// §4.12 names).
const (
	opNOPOut       = 0x00
	opSCSICommand  = 0x01
	opLoginRequest = 0x03
	opTextRequest  = 0x04
	opLogoutReq    = 0x06
	opNOPIn        = 0x20
	opSCSIResponse = 0x21
	opLoginRsp     = 0x23
	opTextRsp      = 0x24
	opSCSIDataIn   = 0x25
	opLogoutRsp    = 0x26

	bhsLen = 48

	immediateFlag = 0x40 // opcode byte bit 6

	flagTransit  = 0x80 // login/text flags byte
	flagContinue = 0x40

	csgSecurityNegotiation = 0
	csgLoginOperational    = 1
	csgFullFeaturePhase    = 3

	flagFinal = 0x80 // SCSI Command / Data-In flags byte
	flagRead  = 0x40
	flagWrite = 0x20
	flagS     = 0x01 // Data-In: StatSN field is valid
)

// loginResponse is the subset of Login Response fields this client
// reads (RFC 7143 §10.13).
type loginResponse struct {
	transit      bool
	csg, nsg     int
	itt          uint32
	statSN       uint32
	expCmdSN     uint32
	maxCmdSN     uint32
	statusClass  byte
	statusDetail byte
}

// buildLoginRequest frames a Login Request PDU (RFC 7143 §10.12). The
// caller supplies kv already CRLF-joined (spec.md §4.12: "text key/value
// pairs CRLF-terminated").
func buildLoginRequest(isid [6]byte, tsih uint16, itt uint32, cid uint16, csg, nsg int, transit bool, cmdSN, expStatSN uint32, kv []byte) []byte {
	b := make([]byte, bhsLen)
	b[0] = opLoginRequest | immediateFlag
	flags := byte(csg<<2) | byte(nsg)
	if transit {
		flags |= flagTransit
	}
	b[1] = flags
	b[2] = 0x00 // VersionMax
	b[3] = 0x00 // VersionMin
	putDataSegmentLength(b, len(kv))
	copy(b[8:14], isid[:])
	binary.BigEndian.PutUint16(b[14:16], tsih)
	binary.BigEndian.PutUint32(b[16:20], itt)
	binary.BigEndian.PutUint16(b[20:22], cid)
	binary.BigEndian.PutUint32(b[24:28], cmdSN)
	binary.BigEndian.PutUint32(b[28:32], expStatSN)
	return append(b, padSegment(kv)...)
}

// parseLoginResponse decodes a Login Response BHS plus its (unpadded)
// text data segment.
func parseLoginResponse(pdu []byte) (loginResponse, []byte, error) {
	if len(pdu) < bhsLen || pdu[0]&0x3f != opLoginRsp {
		return loginResponse{}, nil, errno.New(errno.Protocol, "iscsi: not a Login Response")
	}
	dsLen := dataSegmentLength(pdu)
	if bhsLen+padded(dsLen) > len(pdu) {
		return loginResponse{}, nil, errno.New(errno.Protocol, "iscsi: truncated Login Response")
	}
	r := loginResponse{
		transit:      pdu[1]&flagTransit != 0,
		csg:          int(pdu[1]>>2) & 0x3,
		nsg:          int(pdu[1]) & 0x3,
		itt:          binary.BigEndian.Uint32(pdu[16:20]),
		statSN:       binary.BigEndian.Uint32(pdu[24:28]),
		expCmdSN:     binary.BigEndian.Uint32(pdu[28:32]),
		maxCmdSN:     binary.BigEndian.Uint32(pdu[32:36]),
		statusClass:  pdu[36],
		statusDetail: pdu[37],
	}
	return r, pdu[bhsLen : bhsLen+dsLen], nil
}

// scsiResponse is the subset of SCSI Response fields this client reads
// (RFC 7143 §10.4).
type scsiResponse struct {
	itt      uint32
	response byte
	status   byte
	statSN   uint32
	expCmdSN uint32
	maxCmdSN uint32
}

// buildSCSICommand frames a SCSI Command PDU wrapping cdb (RFC 7143
// §10.3).
func buildSCSICommand(lun uint64, itt, cmdSN, expStatSN uint32, cdb [16]byte, read bool, expectedDataLen uint32) []byte {
	b := make([]byte, bhsLen)
	b[0] = opSCSICommand
	flags := byte(flagFinal)
	if read {
		flags |= flagRead
	} else {
		flags |= flagWrite
	}
	b[1] = flags
	binary.BigEndian.PutUint64(b[8:16], lun)
	binary.BigEndian.PutUint32(b[16:20], itt)
	binary.BigEndian.PutUint32(b[20:24], expectedDataLen)
	binary.BigEndian.PutUint32(b[24:28], cmdSN)
	binary.BigEndian.PutUint32(b[28:32], expStatSN)
	copy(b[32:48], cdb[:])
	return b
}

func parseSCSIResponse(pdu []byte) (scsiResponse, []byte, error) {
	if len(pdu) < bhsLen || pdu[0]&0x3f != opSCSIResponse {
		return scsiResponse{}, nil, errno.New(errno.Protocol, "iscsi: not a SCSI Response")
	}
	dsLen := dataSegmentLength(pdu)
	if bhsLen+padded(dsLen) > len(pdu) {
		return scsiResponse{}, nil, errno.New(errno.Protocol, "iscsi: truncated SCSI Response")
	}
	r := scsiResponse{
		itt:      binary.BigEndian.Uint32(pdu[16:20]),
		response: pdu[2],
		status:   pdu[3],
		statSN:   binary.BigEndian.Uint32(pdu[24:28]),
		expCmdSN: binary.BigEndian.Uint32(pdu[28:32]),
		maxCmdSN: binary.BigEndian.Uint32(pdu[32:36]),
	}
	return r, pdu[bhsLen : bhsLen+dsLen], nil
}

// dataIn is the subset of SCSI Data-In fields this client reads (RFC
// 7143 §10.7): final flag, the target transfer tag, and the buffer
// offset used to stitch this segment into the caller's destination
// buffer.
type dataIn struct {
	itt          uint32
	final        bool
	statusValid  bool
	status       byte
	bufferOffset uint32
	dataSN       uint32
}

func parseDataIn(pdu []byte) (dataIn, []byte, error) {
	if len(pdu) < bhsLen || pdu[0]&0x3f != opSCSIDataIn {
		return dataIn{}, nil, errno.New(errno.Protocol, "iscsi: not a SCSI Data-In")
	}
	dsLen := dataSegmentLength(pdu)
	if bhsLen+padded(dsLen) > len(pdu) {
		return dataIn{}, nil, errno.New(errno.Protocol, "iscsi: truncated Data-In")
	}
	d := dataIn{
		itt:          binary.BigEndian.Uint32(pdu[16:20]),
		final:        pdu[1]&flagFinal != 0,
		statusValid:  pdu[1]&flagS != 0,
		status:       pdu[3],
		bufferOffset: binary.BigEndian.Uint32(pdu[40:44]),
		dataSN:       binary.BigEndian.Uint32(pdu[36:40]),
	}
	return d, pdu[bhsLen : bhsLen+dsLen], nil
}

// buildTextRequest frames a Text Request PDU used for operational
// parameter negotiation and CHAP exchanges inside the login sequence's
// security-negotiation stage.
func buildTextRequest(itt uint32, cmdSN, expStatSN uint32, transit bool, kv []byte) []byte {
	b := make([]byte, bhsLen)
	b[0] = opTextRequest | immediateFlag
	if transit {
		b[1] = flagFinal
	}
	putDataSegmentLength(b, len(kv))
	binary.BigEndian.PutUint32(b[16:20], itt)
	binary.BigEndian.PutUint32(b[24:28], cmdSN)
	binary.BigEndian.PutUint32(b[28:32], expStatSN)
	return append(b, padSegment(kv)...)
}

func putDataSegmentLength(b []byte, n int) {
	b[5] = byte(n >> 16)
	b[6] = byte(n >> 8)
	b[7] = byte(n)
}

func dataSegmentLength(pdu []byte) int {
	return int(pdu[5])<<16 | int(pdu[6])<<8 | int(pdu[7])
}

// padded rounds n up to the next 4-byte boundary (RFC 7143 §10.1's
// DataSegmentLength padding rule).
func padded(n int) int { return (n + 3) &^ 3 }

func padSegment(kv []byte) []byte {
	out := make([]byte, padded(len(kv)))
	copy(out, kv)
	return out
}

// buildKV joins ordered key/value pairs into spec.md's CRLF-terminated
// text format. pairs is a flat "k1", "v1", "k2", "v2", ... slice so
// negotiation order is caller-controlled (RFC 7143 recommends sending
// related keys together).
func buildKV(pairs ...string) []byte {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		b.WriteString(pairs[i])
		b.WriteByte('=')
		b.WriteString(pairs[i+1])
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// parseKV splits a CRLF-terminated key=value text segment into a map.
func parseKV(data []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\r\n") {
		if line == "" {
			continue
		}
		if eq := strings.IndexByte(line, '='); eq >= 0 {
			out[line[:eq]] = line[eq+1:]
		}
	}
	return out
}
