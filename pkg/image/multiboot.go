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

// Multiboot constants, numerically per the Multiboot Specification
// 0.6.96. The filtered original_source tree carries multiboot.c's use
// of these values but not the multiboot.h they come from, so they are
// reproduced here from the public spec rather than recovered from a
// header.
const (
	multibootHeaderMagic     = 0x1BADB002
	multibootBootloaderMagic = 0x2BADB002

	multibootFlagPageAlign = 0x00000001
	multibootFlagMemInfo   = 0x00000002
	multibootFlagVideoMode = 0x00000004
	multibootFlagAoutKludge = 0x00010000

	// multibootSearchLimit is MULTIBOOT_SEARCH (multiboot.c): the
	// header must appear within the first 8KB of the image.
	multibootSearchLimit = 8192
	multibootHeaderAlign = 4

	multibootMinHeaderLen = 12
	multibootAoutHeaderLen = 12 + 20
)

// multibootHeader is the fixed portion every Multiboot header carries,
// plus the fields only meaningful under the a.out kludge flag
// (multiboot.c's struct multiboot_header).
type multibootHeader struct {
	magic    uint32
	flags    uint32
	checksum uint32

	headerAddr   uint32
	loadAddr     uint32
	loadEndAddr  uint32
	bssEndAddr   uint32
	entryAddr    uint32

	offset int // byte offset of magic within the image, for address translation
}

type multibootType struct{}

func (multibootType) Name() string { return "multiboot" }

// findMultibootHeader scans the first 8KB of data on 4-byte boundaries
// for the magic/flags/checksum triple summing to zero mod 2^32,
// mirroring multiboot_find_header().
func findMultibootHeader(data []byte) (multibootHeader, bool) {
	limit := multibootSearchLimit
	if limit > len(data) {
		limit = len(data)
	}
	for off := 0; off+multibootMinHeaderLen <= limit; off += multibootHeaderAlign {
		magic := binary.LittleEndian.Uint32(data[off:])
		if magic != multibootHeaderMagic {
			continue
		}
		flags := binary.LittleEndian.Uint32(data[off+4:])
		checksum := binary.LittleEndian.Uint32(data[off+8:])
		if magic+flags+checksum != 0 {
			continue
		}
		h := multibootHeader{magic: magic, flags: flags, checksum: checksum, offset: off}
		if flags&multibootFlagAoutKludge != 0 && off+multibootAoutHeaderLen <= len(data) {
			h.headerAddr = binary.LittleEndian.Uint32(data[off+12:])
			h.loadAddr = binary.LittleEndian.Uint32(data[off+16:])
			h.loadEndAddr = binary.LittleEndian.Uint32(data[off+20:])
			h.bssEndAddr = binary.LittleEndian.Uint32(data[off+24:])
			h.entryAddr = binary.LittleEndian.Uint32(data[off+28:])
		}
		return h, true
	}
	return multibootHeader{}, false
}

func (multibootType) Probe(img *Image) bool {
	_, ok := findMultibootHeader(img.Data)
	return ok
}

// Load lays the image out per the matched header: the a.out kludge
// path copies a raw load_addr..load_end_addr window (plus a zeroed
// bss extension to bss_end_addr) at a fixed physical address,
// mirroring multiboot_load_raw(); without the kludge flag the image
// is assumed to be ELF and delegated to the elf loader, mirroring
// multiboot_load_elf().
func (multibootType) Load(img *Image, mem *Memory) (uint32, error) {
	h, ok := findMultibootHeader(img.Data)
	if !ok {
		return 0, errno.New(errno.InvalidArgument, "multiboot: header not found")
	}

	if h.flags&multibootFlagAoutKludge == 0 {
		return elfType{}.Load(img, mem)
	}

	if h.loadEndAddr <= h.loadAddr || h.bssEndAddr < h.loadEndAddr {
		return 0, errno.New(errno.InvalidArgument, "multiboot: invalid load/bss range")
	}

	// The file offset of load_addr is the header's own offset in the
	// file minus its offset from load_addr (header_addr - load_addr),
	// per multiboot_load_raw()'s source_off computation.
	headerOffsetFromLoad := h.headerAddr - h.loadAddr
	fileStart := h.offset - int(headerOffsetFromLoad)
	if fileStart < 0 {
		return 0, errno.New(errno.InvalidArgument, "multiboot: header precedes load address")
	}

	loadLen := int(h.loadEndAddr - h.loadAddr)
	fileEnd := fileStart + loadLen
	if fileEnd > len(img.Data) {
		fileEnd = len(img.Data)
		loadLen = fileEnd - fileStart
	}
	if loadLen < 0 {
		return 0, errno.New(errno.InvalidArgument, "multiboot: invalid source window")
	}

	if err := mem.Write(h.loadAddr, img.Data[fileStart:fileEnd]); err != nil {
		return 0, err
	}
	if h.bssEndAddr > h.loadEndAddr {
		if err := mem.Write(h.loadEndAddr, make([]byte, h.bssEndAddr-h.loadEndAddr)); err != nil {
			return 0, err
		}
	}

	return h.entryAddr, nil
}

// Exec builds the Multiboot info handoff (mirroring multiboot_exec()'s
// construction of struct multiboot_info) and reports the bootloader
// magic the jump target expects in EAX.
func (multibootType) Exec(img *Image, mem *Memory, entry uint32) (ExecResult, error) {
	info := make([]byte, 88)
	if img.Cmdline != "" {
		// flags bit 2: cmdline valid; the cmdline string itself is
		// placed just past the info struct and referenced by field.
		binary.LittleEndian.PutUint32(info[0:], 1<<2)
		cmdAddr := mem.Base() + uint32(len(info))
		if err := mem.Write(cmdAddr, append([]byte(img.Cmdline), 0)); err != nil {
			return ExecResult{}, err
		}
		binary.LittleEndian.PutUint32(info[16:], cmdAddr)
	}
	infoAddr := mem.Base()
	if err := mem.Write(infoAddr, info); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Entry: entry, Magic: multibootBootloaderMagic, Arg: infoAddr}, nil
}
