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

package image

import (
	"encoding/binary"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// NBI ("Net Boot Image") is the legacy Etherboot format described by
// "Draft Net Boot Image Proposal 0.3" (Honan/Kuhlmann/Yap), still
// carried for compatibility with software that emits it
// (original_source/src/arch/i386/image/nbi.c). location and loadaddr
// are real-mode segment:offset/physical addresses in the original;
// this stack has no real-mode model, so they are treated as flat
// 32-bit addresses into Memory, matching how phys_to_user() already
// treats NBI_LOADADDR_ABS in the source.
const (
	nbiMagic        = 0x1B031336
	nbiHeaderLength = 512
	nbiHeaderLen    = 16
	nbiSegHeaderLen = 16

	nbiLoadAddrMask  = 0x03
	nbiLoadAddrAbs   = 0x00
	nbiLoadAddrAfter = 0x01
	nbiLoadAddrEnd   = 0x02
	nbiLoadAddrBefore = 0x03
	nbiLastSegHeader = 1 << 2

	nbiProgramReturns   = 1 << 8
	nbiLinearExecAddr   = 1 << 31
)

// nbiLength decodes the nibble-coded header/segment-header length
// fields per NBI_LENGTH(): the low nibble and high nibble each
// contribute a shifted count of bytes.
func nbiLength(b byte) uint32 {
	return uint32(b&0x0f)<<2 + uint32(b&0xf0)>>2
}

type nbiImgHeader struct {
	magic      uint32
	lengthRaw  byte
	flags      uint32
	locAddr    uint32 // location.segment<<4 + location.offset, flattened
	execSegoff uint32 // execaddr interpreted as segment<<4+offset when not linear
	execLinear uint32
}

func parseNBIHeader(data []byte) (nbiImgHeader, bool) {
	if len(data) < nbiHeaderLength {
		return nbiImgHeader{}, false
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	if magic != nbiMagic {
		return nbiImgHeader{}, false
	}
	flags := binary.LittleEndian.Uint32(data[4:])
	locOff := binary.LittleEndian.Uint16(data[8:])
	locSeg := binary.LittleEndian.Uint16(data[10:])
	execOff := binary.LittleEndian.Uint16(data[12:])
	execSeg := binary.LittleEndian.Uint16(data[14:])
	execLinear := binary.LittleEndian.Uint32(data[12:])
	return nbiImgHeader{
		magic:      magic,
		lengthRaw:  data[4],
		flags:      flags,
		locAddr:    uint32(locSeg)<<4 + uint32(locOff),
		execSegoff: uint32(execSeg)<<4 + uint32(execOff),
		execLinear: execLinear,
	}, true
}

type nbiType struct{}

func (nbiType) Name() string { return "nbi" }

func (nbiType) Probe(img *Image) bool {
	_, ok := parseNBIHeader(img.Data)
	return ok
}

type nbiSegment struct {
	dest   uint32
	fileOff uint32
	filesz uint32
	memsz  uint32
}

// nbiWalkSegments reproduces nbi_process_segments(): the image header
// itself is segment zero (copied verbatim to its location), followed
// by a chain of segment headers each describing one more segment,
// terminated by the NBI_LAST_SEGHEADER flag.
func nbiWalkSegments(data []byte, h nbiImgHeader) ([]nbiSegment, error) {
	var segs []nbiSegment
	offset := uint32(0)

	dest := h.locAddr
	memsz := uint32(nbiHeaderLength)
	segs = append(segs, nbiSegment{dest: dest, fileOff: offset, filesz: nbiHeaderLength, memsz: memsz})
	offset += nbiHeaderLength

	shOff := nbiLength(h.lengthRaw)
	for {
		if int(shOff)+nbiSegHeaderLen > len(data) {
			return nil, errno.New(errno.InvalidArgument, "nbi: segment header out of range")
		}
		sh := data[shOff:]
		shLength := sh[0]
		if shLength == 0 {
			return nil, errno.New(errno.InvalidArgument, "nbi: invalid segment header length 0")
		}
		shFlags := sh[3]
		loadaddr := binary.LittleEndian.Uint32(sh[4:])
		imglength := binary.LittleEndian.Uint32(sh[8:])
		memlength := binary.LittleEndian.Uint32(sh[12:])

		switch shFlags & nbiLoadAddrMask {
		case nbiLoadAddrAbs:
			dest = loadaddr
		case nbiLoadAddrAfter:
			dest = dest + memsz + loadaddr
		case nbiLoadAddrBefore:
			dest = dest - loadaddr
		case nbiLoadAddrEnd:
			// Relative to total extended memory size, which this
			// stack has no model for; kept for format completeness
			// but unsupported, matching the original's own
			// "not correct according to the spec" caveat.
			return nil, errno.New(errno.NotSupported, "nbi: end-relative load address not supported")
		}

		filesz := imglength
		memsz = memlength
		if offset+filesz > uint32(len(data)) {
			return nil, errno.New(errno.InvalidArgument, "nbi: segment data outside file")
		}
		segs = append(segs, nbiSegment{dest: dest, fileOff: offset, filesz: filesz, memsz: memsz})
		offset += filesz

		shOff += nbiLength(shLength)
		if shOff >= nbiHeaderLength {
			return nil, errno.New(errno.InvalidArgument, "nbi: header overflow")
		}
		if shFlags&nbiLastSegHeader != 0 {
			break
		}
	}

	if offset != uint32(len(data)) {
		return nil, errno.New(errno.InvalidArgument, "nbi: length mismatch between file and segment metadata")
	}
	return segs, nil
}

// Load walks the segment chain twice: first zeroing every segment's
// full memsz extent, then copying each segment's file data over it.
// NBI permits a later segment's bss to overlap an earlier segment's
// initialised data; doing the passes in this order, as
// nbi_load()/nbi_process_segments() do, avoids a segment's data being
// zeroed out again after it was already copied.
func (nbiType) Load(img *Image, mem *Memory) (uint32, error) {
	h, ok := parseNBIHeader(img.Data)
	if !ok {
		return 0, errno.New(errno.InvalidArgument, "nbi: no NBI signature")
	}
	segs, err := nbiWalkSegments(img.Data, h)
	if err != nil {
		return 0, err
	}

	for _, s := range segs {
		if err := mem.Write(s.dest, make([]byte, s.memsz)); err != nil {
			return 0, err
		}
	}
	for _, s := range segs {
		if err := mem.Write(s.dest, img.Data[s.fileOff:s.fileOff+s.filesz]); err != nil {
			return 0, err
		}
	}

	return h.locAddr, nil
}

// Exec reports the NBI program's entry point; 32-bit linear images
// set NBI_LINEAR_EXEC_ADDR, otherwise the original boots through a
// 16-bit real-mode far call this stack has no equivalent of, so that
// path is surfaced as NotSupported rather than silently mis-jumping.
func (nbiType) Exec(img *Image, mem *Memory, entry uint32) (ExecResult, error) {
	h, ok := parseNBIHeader(img.Data)
	if !ok {
		return ExecResult{}, errno.New(errno.InvalidArgument, "nbi: no NBI signature")
	}
	if h.flags&nbiLinearExecAddr == 0 {
		return ExecResult{}, errno.New(errno.NotSupported, "nbi: 16-bit real-mode entry not supported")
	}
	return ExecResult{Entry: h.execLinear}, nil
}
