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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

func TestMemoryBoundsChecked(t *testing.T) {
	mem := NewMemory(0x1000, 256)
	require.NoError(t, mem.Write(0x1000, []byte{1, 2, 3}))
	require.Error(t, mem.Write(0x0FF0, []byte{1}))
	require.Error(t, mem.Write(0x1000, make([]byte, 1000)))

	data, err := mem.Read(0x1000, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func buildMultibootRaw(flags uint32, headerAddr, loadAddr, loadEndAddr, bssEndAddr, entryAddr uint32, payload []byte) []byte {
	hdr := make([]byte, 32)
	checksum := uint32(0) - (multibootHeaderMagic + flags)
	binary.LittleEndian.PutUint32(hdr[0:], multibootHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:], flags)
	binary.LittleEndian.PutUint32(hdr[8:], checksum)
	binary.LittleEndian.PutUint32(hdr[12:], headerAddr)
	binary.LittleEndian.PutUint32(hdr[16:], loadAddr)
	binary.LittleEndian.PutUint32(hdr[20:], loadEndAddr)
	binary.LittleEndian.PutUint32(hdr[24:], bssEndAddr)
	binary.LittleEndian.PutUint32(hdr[28:], entryAddr)

	// Place the header at file offset 0; headerAddr equals loadAddr so
	// fileStart == 0 (header_addr - load_addr == 0).
	data := append([]byte(nil), hdr...)
	data = append(data, payload...)
	return data
}

func TestMultibootRawLoad(t *testing.T) {
	payload := []byte("PAYLOADBYTES")
	loadAddr := uint32(0x10000)
	loadEnd := loadAddr + uint32(32+len(payload))
	bssEnd := loadEnd + 16
	data := buildMultibootRaw(multibootFlagAoutKludge, loadAddr, loadAddr, loadEnd, bssEnd, loadAddr+4, payload)

	img := &Image{Data: data}
	require.True(t, multibootType{}.Probe(img))

	mem := NewMemory(loadAddr, int(bssEnd-loadAddr)+64)
	entry, err := Load(img, mem)
	require.NoError(t, err)
	require.Equal(t, loadAddr+4, entry)

	got, err := mem.Read(loadAddr, uint32(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)

	bss, err := mem.Read(loadEnd, bssEnd-loadEnd)
	require.NoError(t, err)
	for _, b := range bss {
		require.Equal(t, byte(0), b)
	}
}

func buildELF32(entry uint32, segments [][2]uint32, payload []byte) []byte {
	const ehdrLen = elfEhdrLen
	phoff := uint32(ehdrLen)
	phCount := len(segments)
	data := make([]byte, int(phoff)+phCount*elfPhdrLen32)
	copy(data[0:4], elfMagic)
	data[4] = elfClass32
	data[5] = elfDataLSB
	binary.LittleEndian.PutUint16(data[16:], elfTypeExec)
	binary.LittleEndian.PutUint32(data[24:], entry)
	binary.LittleEndian.PutUint32(data[28:], phoff)
	binary.LittleEndian.PutUint16(data[42:], elfPhdrLen32)
	binary.LittleEndian.PutUint16(data[44:], uint16(phCount))

	segData := append([]byte(nil), payload...)
	base := uint32(len(data))
	for i, seg := range segments {
		vaddr, size := seg[0], seg[1]
		off := base
		ph := data[int(phoff)+i*elfPhdrLen32:]
		binary.LittleEndian.PutUint32(ph[0:], elfPTLoad)
		binary.LittleEndian.PutUint32(ph[4:], off)
		binary.LittleEndian.PutUint32(ph[8:], vaddr)
		binary.LittleEndian.PutUint32(ph[16:], size)
		binary.LittleEndian.PutUint32(ph[20:], size)
		base += size
	}
	data = append(data, segData...)
	for uint32(len(data)) < base {
		data = append(data, 0)
	}
	return data
}

func TestELFLoad(t *testing.T) {
	payload := []byte("HELLOELF")
	data := buildELF32(0x20000, [][2]uint32{{0x20000, uint32(len(payload))}}, payload)

	img := &Image{Data: data}
	require.True(t, elfType{}.Probe(img))

	mem := NewMemory(0x20000, 4096)
	entry, err := Load(img, mem)
	require.NoError(t, err)
	require.Equal(t, uint32(0x20000), entry)

	got, err := mem.Read(0x20000, uint32(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func buildNBI(locAddr uint32, segs []nbiTestSeg, linearEntry uint32) []byte {
	header := make([]byte, nbiHeaderLength)
	binary.LittleEndian.PutUint32(header[0:], nbiMagic)
	flags := uint32(nbiLinearExecAddr)
	binary.LittleEndian.PutUint32(header[4:], flags)
	header[4] = 0x04 // lengthRaw: nonvendor nibble 4 -> 4<<2 == 16 bytes header len (magic, flags, location, exec address)
	binary.LittleEndian.PutUint16(header[8:], uint16(locAddr&0xF))
	binary.LittleEndian.PutUint16(header[10:], uint16(locAddr>>4))
	binary.LittleEndian.PutUint32(header[12:], linearEntry)

	shOff := 16
	if int(nbiLength(header[4])) != shOff {
		panic("test fixture: segment header offset mismatch")
	}

	var payload []byte
	segHeaders := make([]byte, 0)
	for i, s := range segs {
		sh := make([]byte, nbiSegHeaderLen)
		sh[0] = 0x04 // length nibble -> nbiLength(0x04) == 16
		flagsByte := byte(nbiLoadAddrAbs)
		if i == len(segs)-1 {
			flagsByte |= nbiLastSegHeader
		}
		sh[3] = flagsByte
		binary.LittleEndian.PutUint32(sh[4:], s.loadAddr)
		binary.LittleEndian.PutUint32(sh[8:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(sh[12:], s.memsz)
		segHeaders = append(segHeaders, sh...)
		payload = append(payload, s.data...)
	}

	full := make([]byte, nbiHeaderLength)
	copy(full, header)
	copy(full[shOff:], segHeaders)
	full = append(full, payload...)
	return full
}

type nbiTestSeg struct {
	loadAddr uint32
	data     []byte
	memsz    uint32
}

func TestNBILoad(t *testing.T) {
	locAddr := uint32(0x7c00)
	segPayload := []byte("NBISEGMENTDATA12")
	data := buildNBI(locAddr, []nbiTestSeg{
		{loadAddr: 0x8000, data: segPayload, memsz: uint32(len(segPayload) + 16)},
	}, 0x8000)

	img := &Image{Data: data}
	require.True(t, nbiType{}.Probe(img))

	mem := NewMemory(0, 0x10000)
	entry, err := Load(img, mem)
	require.NoError(t, err)
	require.Equal(t, locAddr, entry)

	got, err := mem.Read(0x8000, uint32(len(segPayload)))
	require.NoError(t, err)
	require.Equal(t, segPayload, got)

	res, err := Exec(img, mem)
	require.NoError(t, err)
	require.Equal(t, uint32(0x8000), res.Entry)
}

func TestScriptDeferredToExecutor(t *testing.T) {
	old := Executor
	defer func() { Executor = old }()

	var gotScript string
	Executor = func(script string) error {
		gotScript = script
		return nil
	}

	img := &Image{Data: []byte("#!ipxe\necho hi\n")}
	require.True(t, scriptType{}.Probe(img))

	_, err := Load(img, NewMemory(0, 16))
	require.NoError(t, err)
	_, err = Exec(img, NewMemory(0, 16))
	require.NoError(t, err)
	require.Equal(t, "#!ipxe\necho hi\n", gotScript)
}

func TestProbeUnrecognized(t *testing.T) {
	img := &Image{Data: []byte("not a known format")}
	_, err := Load(img, NewMemory(0, 16))
	require.True(t, errno.Is(err, errno.NotSupported))
}
