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

package srp

import "encoding/binary"

// SRP information-unit type codes (T10 SRP2 §6.2). original_source's
// srp.c only names the constants it dispatches on (SRP_LOGIN_REQ,
// SRP_LOGIN_RSP, SRP_LOGIN_REJ, SRP_CMD, SRP_RSP); srp.h itself was not
// present in the filtered source pack, so these follow the published
// SRP2 numbering rather than a recovered header.
const (
	iuLoginReq = 0x00
	iuCmd      = 0x02
	iuLoginRsp = 0xC0
	iuRsp      = 0xC2
	iuLoginRej = 0xC3
)

// loginReqLen: type(1)+reserved(7)+tag(8)+maxITIULen(4)+reserved(4)+
// requiredBufferFormats(2)+flags(1)+reserved(5)+initiatorPortID(16)+
// targetPortID(16) = 64 bytes.
const loginReqLen = 64

// fmtDirectData is SRP_LOGIN_REQ_FMT_DDBD ("direct data buffer
// descriptors"), the only data-transfer format this client offers.
const fmtDirectData = 0x01

// buildLoginReq constructs a Login Request IU offering tag and the
// initiator/target port identifiers srp->port_ids carries in the
// source this is grounded on.
func buildLoginReq(tag uint64, initiatorPortID, targetPortID [16]byte) []byte {
	b := make([]byte, loginReqLen)
	b[0] = iuLoginReq
	binary.BigEndian.PutUint64(b[8:16], tag)
	binary.BigEndian.PutUint32(b[16:20], maxITIULen)
	binary.BigEndian.PutUint16(b[24:26], fmtDirectData)
	copy(b[32:48], initiatorPortID[:])
	copy(b[48:64], targetPortID[:])
	return b
}

// loginRspLen: type(1)+reserved(3)+requestLimitDelta(4)+tag(8)+
// maxITIULen(4)+maxTIIULen(4)+bufferFormats(2)+flags(1)+reserved(9) = 36.
const loginRspLen = 36

func parseLoginRsp(b []byte) (tag uint64, err error) {
	if len(b) < loginRspLen || b[0] != iuLoginRsp {
		return 0, errShortOrWrongType("login response")
	}
	return binary.BigEndian.Uint64(b[8:16]), nil
}

// loginRejLen: type(1)+reserved(3)+reason(4)+tag(8) = 16.
const loginRejLen = 16

func parseLoginRej(b []byte) (reason uint32, err error) {
	if len(b) < loginRejLen || b[0] != iuLoginRej {
		return 0, errShortOrWrongType("login rejection")
	}
	return binary.BigEndian.Uint32(b[4:8]), nil
}

const (
	cmdDataOutDirect = 1 << 2 // SRP_CMD_DO_FMT_DIRECT
	cmdDataInDirect  = 1 << 0 // SRP_CMD_DI_FMT_DIRECT
)

// memDescLen is a direct memory descriptor: address(8)+handle(4)+len(4).
const memDescLen = 16

// cmdBaseLen: type(1)+reserved(5)+tag(8)+obsolete(4)+lun(8)+
// taskAttribute(1)+reserved(1)+additionalCDBLen(1)+cdb(16) = 45, padded
// to a 4-byte boundary (48) the way the base struct is laid out.
const cmdBaseLen = 48

// buildCmd constructs an SRP_CMD IU carrying cdb against lun, with an
// optional direct data-out or data-in memory descriptor pointing at a
// (handle, length) the caller's RDMA memory-registration layer
// resolved — this client always describes its own receive/send buffer
// rather than the remote's, since there is no verbs layer underneath
// it (see package doc).
func buildCmd(tag uint64, lun uint64, cdb [16]byte, dataOutLen, dataInLen uint32, handle uint32) []byte {
	total := cmdBaseLen
	if dataOutLen > 0 {
		total += memDescLen
	}
	if dataInLen > 0 {
		total += memDescLen
	}
	b := make([]byte, total)
	b[0] = iuCmd
	binary.BigEndian.PutUint64(b[6:14], tag)
	binary.BigEndian.PutUint64(b[18:26], lun)
	copy(b[29:45], cdb[:])

	off := cmdBaseLen
	if dataOutLen > 0 {
		b[27] |= cmdDataOutDirect
		binary.BigEndian.PutUint32(b[off+8:off+12], handle)
		binary.BigEndian.PutUint32(b[off+12:off+16], dataOutLen)
		off += memDescLen
	}
	if dataInLen > 0 {
		b[27] |= cmdDataInDirect
		binary.BigEndian.PutUint32(b[off+8:off+12], handle)
		binary.BigEndian.PutUint32(b[off+12:off+16], dataInLen)
	}
	return b
}

const (
	rspValidDoUnder = 1 << 2
	rspValidDoOver  = 1 << 3
	rspValidDiUnder = 1 << 4
	rspValidDiOver  = 1 << 5
)

// rspBaseLen: type(1)+reserved(1)+flags(1)+status(1)+tag(8)+
// dataOutResidual(4)+dataInResidual(4)+senseDataLen(4)+
// responseDataLen(4) = 28.
const rspBaseLen = 28

type response struct {
	tag               uint64
	status            byte
	valid             byte
	dataOutResidual   uint32
	dataInResidual    uint32
	senseDataLen      uint32
	responseDataLen   uint32
}

// parseRsp parses an SRP_RSP IU; the returned sense-data slice (if any)
// follows the response-data bytes per T10 SRP2 §6.10.
func parseRsp(b []byte) (response, []byte, error) {
	if len(b) < rspBaseLen || b[0] != iuRsp {
		return response{}, nil, errShortOrWrongType("SCSI response")
	}
	r := response{
		valid:           b[2],
		status:          b[3],
		tag:             binary.BigEndian.Uint64(b[4:12]),
		dataOutResidual: binary.BigEndian.Uint32(b[12:16]),
		dataInResidual:  binary.BigEndian.Uint32(b[16:20]),
		senseDataLen:    binary.BigEndian.Uint32(b[20:24]),
		responseDataLen: binary.BigEndian.Uint32(b[24:28]),
	}
	rest := b[rspBaseLen:]
	skip := int(r.responseDataLen)
	if skip > len(rest) {
		skip = len(rest)
	}
	sense := rest[skip:]
	if int(r.senseDataLen) < len(sense) {
		sense = sense[:r.senseDataLen]
	}
	return r, sense, nil
}

func iuType(b []byte) byte {
	if len(b) == 0 {
		return 0xff
	}
	return b[0]
}
