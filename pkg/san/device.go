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

// Package san implements the block/SAN layer of spec.md §4.15: it
// adapts a block-transport backend (pkg/proto/iscsi, pkg/proto/aoe,
// pkg/proto/srp) behind a fixed read/write/reset/capacity interface,
// splits oversized requests at max_xfer, runs every command under
// SAN_COMMAND_TIMEOUT with transport re-open on expiry, and probes for
// an ISO9660 primary volume descriptor to present a CD-ROM's 2048-byte
// view over a differently-sized underlying block.
package san

import (
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

// Ops is the block-transport operations vtable a backing session
// (iscsi.Session, aoe.Session, srp.Session) is adapted to (spec.md
// §4.15's "read(lba, count, buf), write(lba, count, buf), reset(),
// capacity()"). Write and Poll are optional; Reopen is consulted on a
// command timeout.
type Ops struct {
	ReadCapacity func(cb func(blockLen uint32, numBlocks uint64, err error))
	Read         func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error))
	Write        func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error))
	Reopen       func() error
	Poll         func()
}

// Capacity is the {blksize, count, max_xfer} triple spec.md §4.15
// names, in the units the caller sees (the 2048-byte CD-ROM view when
// Device.CDROM is set, the native block size otherwise).
type Capacity struct {
	BlockSize  uint32
	BlockCount uint64
	MaxXfer    uint32
}

type pendingCmd struct {
	startedAt timer.Tick
	abort     func(error)
}

// Device is a SAN device (spec.md §3 "SAN device"): a drive number, a
// backing URI, the probed capacity, a CD-ROM flag with its block-size
// shift, and the single in-flight command's timeout bookkeeping.
type Device struct {
	DriveNumber uint8
	URI         *uri.URI

	BlockSize  uint32
	BlockCount uint64
	MaxXfer    uint32 // native blocks per command, before CD-ROM shift
	CDROM      bool

	ops   Ops
	clock timer.Clock
	shift uint32 // 2048 / BlockSize, valid only when CDROM

	mu      sync.Mutex
	pending *pendingCmd
}

// defaultMaxXfer bounds a single command's native-block count absent
// any other limit, keeping a single SCSI/ATA command's data phase
// within a realistic buffer size.
const defaultMaxXfer = 256

// NewDevice constructs a Device over ops, addressed by u, reading its
// drive number from the `san-drive` setting (spec.md: "overridden from
// the san-drive setting") or DefaultDriveNumber absent one.
func NewDevice(ops Ops, u *uri.URI, clock timer.Clock) *Device {
	drive := DefaultDriveNumber
	if v, err := settings.FetchNamed(settings.Root, "san-drive"); err == nil {
		if n, ok := v.(uint8); ok {
			drive = n
		}
	}
	return &Device{
		ops: ops, URI: u, clock: clock,
		DriveNumber: drive,
		MaxXfer:     defaultMaxXfer,
	}
}

// Open queries the backing transport's capacity and probes for an
// ISO9660 primary volume descriptor, flagging the device as CD-ROM on
// a match (spec.md §4.15: "On initial open the device is probed...").
func (d *Device) Open(maxSteps int, poll func()) error {
	type capResult struct {
		blockLen  uint32
		numBlocks uint64
		err       error
	}
	ch := make(chan capResult, 1)
	d.ops.ReadCapacity(func(blockLen uint32, numBlocks uint64, err error) {
		ch <- capResult{blockLen, numBlocks, err}
	})

	var res capResult
	got := false
	for i := 0; i < maxSteps && !got; i++ {
		select {
		case res = <-ch:
			got = true
		default:
			poll()
		}
	}
	if !got {
		return errno.New(errno.TimedOut, "san: capacity query deadline exceeded")
	}
	if res.err != nil {
		return res.err
	}
	d.BlockSize = res.blockLen
	d.BlockCount = res.numBlocks

	isCDROM, err := detectISO9660(d.BlockSize, func(lba uint64, count uint32, buf []byte, done func(error)) {
		d.ops.Read(lba, count, d.BlockSize, buf, done)
	}, maxSteps, poll)
	if err == nil && isCDROM {
		d.CDROM = true
		d.shift = iso9660SectorSize / d.BlockSize
	}
	return nil
}

// Capacity reports {blksize, count, max_xfer} in the units the caller
// sees (spec.md §4.15).
func (d *Device) Capacity() Capacity {
	if d.CDROM {
		return Capacity{
			BlockSize:  iso9660SectorSize,
			BlockCount: d.BlockCount / uint64(d.shift),
			MaxXfer:    d.MaxXfer / d.shift,
		}
	}
	return Capacity{BlockSize: d.BlockSize, BlockCount: d.BlockCount, MaxXfer: d.MaxXfer}
}

// toNative converts a caller-visible (lba, count) into native blocks,
// applying the CD-ROM shift when set (spec.md: "LBAs from callers are
// shifted to present a 2048-byte view").
func (d *Device) toNative(lba uint64, count uint32) (uint64, uint32) {
	if d.CDROM {
		return lba * uint64(d.shift), count * d.shift
	}
	return lba, count
}

// Poll must be called once per scheduler pass. It forwards to the
// backing transport's own Poll (if any) and aborts the in-flight
// command once CommandTimeout ticks have elapsed without a reply.
func (d *Device) Poll() {
	if d.ops.Poll != nil {
		d.ops.Poll()
	}
	d.mu.Lock()
	cmd := d.pending
	d.mu.Unlock()
	if cmd == nil {
		return
	}
	if d.clock.Now()-cmd.startedAt < CommandTimeout {
		return
	}
	cmd.abort(errno.New(errno.TimedOut, "san: command timed out"))
}

// Read reads count logical blocks (in caller units) starting at lba
// into buf, splitting at max_xfer and re-opening the transport once on
// a command timeout before giving up.
func (d *Device) Read(lba uint64, count uint32, buf []byte, done func(error)) {
	nativeLBA, nativeCount := d.toNative(lba, count)
	d.runChunked(nativeLBA, nativeCount, buf, false, done)
}

// Write writes count logical blocks (in caller units) from buf
// starting at lba. Returns NotSupported if the backing transport has
// no Write op (e.g. a read-only CD-ROM-flagged AoE/iSCSI target).
func (d *Device) Write(lba uint64, count uint32, buf []byte, done func(error)) {
	if d.ops.Write == nil {
		done(errno.New(errno.NotSupported, "san: backing transport does not support write"))
		return
	}
	nativeLBA, nativeCount := d.toNative(lba, count)
	d.runChunked(nativeLBA, nativeCount, buf, true, done)
}

// Reset re-establishes the backing transport (spec.md's `reset()`).
func (d *Device) Reset() error {
	if d.ops.Reopen == nil {
		return nil
	}
	return d.ops.Reopen()
}

func (d *Device) runChunked(lba uint64, count uint32, buf []byte, write bool, done func(error)) {
	if count == 0 {
		done(nil)
		return
	}
	chunk := count
	if d.MaxXfer > 0 && chunk > d.MaxXfer {
		chunk = d.MaxXfer
	}
	chunkLen := uint64(chunk) * uint64(d.BlockSize)
	d.runOne(lba, chunk, buf[:chunkLen], write, false, func(err error) {
		if err != nil {
			done(err)
			return
		}
		remaining := count - chunk
		if remaining == 0 {
			done(nil)
			return
		}
		d.runChunked(lba+uint64(chunk), remaining, buf[chunkLen:], write, done)
	})
}

// runOne issues a single (already max_xfer-bounded) command, tracking
// it as the device's in-flight command so Poll can time it out. On a
// timeout it re-opens the transport and retries exactly once
// (spec.md: "the command is abandoned and the transport is
// re-opened"); a second timeout is surfaced to the caller.
func (d *Device) runOne(lba uint64, count uint32, buf []byte, write, retried bool, done func(error)) {
	op := d.ops.Read
	if write {
		op = d.ops.Write
	}
	if op == nil {
		done(errno.New(errno.NotSupported, "san: operation not supported by backing transport"))
		return
	}

	cmd := &pendingCmd{startedAt: d.clock.Now()}
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			d.mu.Lock()
			if d.pending == cmd {
				d.pending = nil
			}
			d.mu.Unlock()

			if err != nil && errno.IsTimedOut(err) && !retried {
				if rerr := d.Reset(); rerr != nil {
					done(rerr)
					return
				}
				d.runOne(lba, count, buf, write, true, done)
				return
			}
			done(err)
		})
	}
	cmd.abort = finish

	d.mu.Lock()
	d.pending = cmd
	d.mu.Unlock()

	op(lba, count, d.BlockSize, buf, finish)
}
