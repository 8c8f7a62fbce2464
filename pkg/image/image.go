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

// Package image implements the image loader of spec.md §4.16: a
// fetched blob is probed against a small set of known formats
// (Multiboot, NBI, ELF, an iPXE script) and, on a match, laid out into
// a simulated flat address space ready for the platform entry glue to
// jump to. Probing is first-match-wins over a fixed, ordered registry,
// mirroring the original tree's image_probe() walking a linked list of
// struct image_type.
package image

import (
	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

// Memory is the flat, bounds-checked address space an image is loaded
// into. Real firmware loads directly into physical memory; here it is
// a plain byte slice addressed by the same uint32 offsets the loaders
// compute, so Multiboot/NBI segment placement logic carries over
// unchanged from the original C sources.
type Memory struct {
	base uint32
	buf  []byte
}

// NewMemory allocates size bytes of simulated memory starting at base.
func NewMemory(base uint32, size int) *Memory {
	return &Memory{base: base, buf: make([]byte, size)}
}

// Base is the lowest address this Memory covers.
func (m *Memory) Base() uint32 { return m.base }

// Size is the number of bytes this Memory covers.
func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

// Contains reports whether [addr, addr+n) lies entirely within m.
func (m *Memory) Contains(addr uint32, n uint32) bool {
	if addr < m.base {
		return false
	}
	off := uint64(addr) - uint64(m.base)
	return off+uint64(n) <= uint64(len(m.buf))
}

// Write copies data to addr, failing if it would run outside m.
func (m *Memory) Write(addr uint32, data []byte) error {
	if !m.Contains(addr, uint32(len(data))) {
		return errno.New(errno.InvalidArgument, "image: write outside memory bounds")
	}
	off := addr - m.base
	copy(m.buf[off:], data)
	return nil
}

// Read returns a view of n bytes at addr, failing if it would run
// outside m.
func (m *Memory) Read(addr uint32, n uint32) ([]byte, error) {
	if !m.Contains(addr, n) {
		return nil, errno.New(errno.InvalidArgument, "image: read outside memory bounds")
	}
	off := addr - m.base
	return m.buf[off : off+n], nil
}

// ExecResult is the handoff an image's Exec leaves for the platform
// entry glue to act on: the entry point, a bootloader magic value
// (when the format defines one, e.g. Multiboot's), and an auxiliary
// argument (e.g. the physical address of a Multiboot info struct).
// Performing the actual jump is explicitly out of scope (spec.md's
// "platform entry glue" boundary): Exec prepares everything up to it.
type ExecResult struct {
	Entry uint32
	Magic uint32
	Arg   uint32
}

// Image is a fetched, probed, and (once Load has run) laid-out boot
// image (spec.md §3 "image"). Cmdline and Hidden mirror the original
// struct image_info's cmdline and IMAGE_HIDDEN flag.
type Image struct {
	Name    string
	URI     *uri.URI
	Data    []byte
	Cmdline string
	Hidden  bool

	typ   Type
	entry uint32
}

// Type is a loadable image format. Probe inspects img.Data's header
// without side effects; Load lays the image out into mem and returns
// its entry point; Exec performs format-specific pre-jump preparation
// and returns the handoff.
type Type interface {
	Name() string
	Probe(img *Image) bool
	Load(img *Image, mem *Memory) (uint32, error)
	Exec(img *Image, mem *Memory, entry uint32) (ExecResult, error)
}

// registry lists known formats in probe order. Script comes last: its
// Probe only looks for a "#!ipxe" shebang, which nothing else
// produces, but checking it first would be wasted work on the common
// case of a binary kernel image.
var registry = []Type{
	multibootType{},
	nbiType{},
	elfType{},
	scriptType{},
}

// Probe returns the first registered Type whose Probe matches img.Data,
// or nil if none claims it (spec.md: "an unrecognized format is
// reported, not guessed at").
func Probe(img *Image) Type {
	for _, t := range registry {
		if t.Probe(img) {
			return t
		}
	}
	return nil
}

// Load probes img, lays it out into mem via the matching Type, and
// records the match on img for a later Exec call.
func Load(img *Image, mem *Memory) (uint32, error) {
	t := Probe(img)
	if t == nil {
		return 0, errno.New(errno.NotSupported, "image: unrecognized format")
	}
	entry, err := t.Load(img, mem)
	if err != nil {
		return 0, err
	}
	img.typ = t
	img.entry = entry
	return entry, nil
}

// Exec runs the matched Type's Exec against img, which must already
// have been Load-ed.
func Exec(img *Image, mem *Memory) (ExecResult, error) {
	if img.typ == nil {
		return ExecResult{}, errno.New(errno.InvalidArgument, "image: not loaded")
	}
	return img.typ.Exec(img, mem, img.entry)
}
