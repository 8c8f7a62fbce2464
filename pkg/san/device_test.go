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

package san

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

func fakeReadCapacity(blockLen uint32, numBlocks uint64) func(cb func(uint32, uint64, error)) {
	return func(cb func(uint32, uint64, error)) { cb(blockLen, numBlocks, nil) }
}

// backingStore is an in-memory Read backend used to exercise Device
// without a real transport, mirroring the role a netdev loopback plays
// for pkg/transport's own tests.
type backingStore struct {
	blockLen uint32
	data     []byte
	reads    []struct {
		lba   uint64
		count uint32
	}
}

func (b *backingStore) read(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
	b.reads = append(b.reads, struct {
		lba   uint64
		count uint32
	}{lba, count})
	off := lba * uint64(blockLen)
	n := uint64(count) * uint64(blockLen)
	copy(buf, b.data[off:off+n])
	done(nil)
}

func TestDeviceOpenDetectsCDROM(t *testing.T) {
	const blockLen = 512
	data := make([]byte, 64*iso9660SectorSize)
	// Primary volume descriptor lives at LBA 16 (2048-byte units),
	// i.e. native LBA 16*4 at 512-byte blocks.
	pvd := data[16*iso9660SectorSize : 16*iso9660SectorSize+iso9660SectorSize]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	store := &backingStore{blockLen: blockLen, data: data}

	dev := NewDevice(Ops{
		ReadCapacity: fakeReadCapacity(blockLen, uint64(len(data)/blockLen)),
		Read:         store.read,
	}, nil, &timer.FakeClock{})

	err := dev.Open(1000, func() {})
	require.NoError(t, err)
	require.True(t, dev.CDROM)
	require.Equal(t, uint32(iso9660SectorSize), dev.Capacity().BlockSize)
}

func TestDeviceOpenNonCDROM(t *testing.T) {
	const blockLen = 512
	data := make([]byte, 64*iso9660SectorSize)
	store := &backingStore{blockLen: blockLen, data: data}

	dev := NewDevice(Ops{
		ReadCapacity: fakeReadCapacity(blockLen, uint64(len(data)/blockLen)),
		Read:         store.read,
	}, nil, &timer.FakeClock{})

	require.NoError(t, dev.Open(1000, func() {}))
	require.False(t, dev.CDROM)
}

func TestDeviceReadSplitsAtMaxXfer(t *testing.T) {
	const blockLen = 512
	data := make([]byte, 4096*blockLen)
	for i := range data {
		data[i] = byte(i)
	}
	store := &backingStore{blockLen: blockLen, data: data}

	dev := NewDevice(Ops{
		ReadCapacity: fakeReadCapacity(blockLen, uint64(len(data)/blockLen)),
		Read:         store.read,
	}, nil, &timer.FakeClock{})
	require.NoError(t, dev.Open(1000, func() {}))
	dev.MaxXfer = 16

	buf := make([]byte, 40*blockLen)
	doneCh := make(chan error, 1)
	dev.Read(100, 40, buf, func(err error) { doneCh <- err })
	require.NoError(t, <-doneCh)
	require.Equal(t, data[100*blockLen:140*blockLen], buf)
	// 40 blocks at 16-block chunks: 16 + 16 + 8 == 3 commands, plus the
	// one ISO9660 probe read issued by Open.
	require.Len(t, store.reads, 4)
}

func TestDeviceWriteUnsupported(t *testing.T) {
	store := &backingStore{blockLen: 512, data: make([]byte, 512*256)}
	dev := NewDevice(Ops{
		ReadCapacity: fakeReadCapacity(512, 256),
		Read:         store.read,
	}, nil, &timer.FakeClock{})
	require.NoError(t, dev.Open(1000, func() {}))

	doneCh := make(chan error, 1)
	dev.Write(0, 1, make([]byte, 512), func(err error) { doneCh <- err })
	err := <-doneCh
	require.True(t, errno.Is(err, errno.NotSupported))
}

func TestDeviceCommandTimeoutReopens(t *testing.T) {
	clock := &timer.FakeClock{}
	reopened := 0
	calls := 0
	dev := NewDevice(Ops{
		ReadCapacity: fakeReadCapacity(512, 64),
		Read: func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
			calls++
			if calls == 1 {
				return // simulate a stalled command: done is never called
			}
			done(nil)
		},
		Reopen: func() error { reopened++; return nil },
	}, nil, clock)
	dev.BlockSize = 512
	dev.BlockCount = 64

	buf := make([]byte, 512)
	doneCh := make(chan error, 1)
	dev.Read(0, 1, buf, func(err error) { doneCh <- err })

	clock.Advance(CommandTimeout + 1)
	dev.Poll()

	require.NoError(t, <-doneCh)
	require.Equal(t, 1, reopened)
	require.Equal(t, 2, calls)
}
