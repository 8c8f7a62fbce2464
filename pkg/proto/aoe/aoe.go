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

// Package aoe implements the ATA over Ethernet initiator client of
// spec.md §4.12/§4.15: a session addressed by (major, minor) shelf/slot
// pair, discovered by a broadcast config query and then driven by
// sequential ATA read/write commands, chunked at AOE_MAX_COUNT sectors
// per frame the way a real AoE target enforces. AoE rides directly on
// the link layer under EtherType 0x88A2 — no IP, no transport — so this
// package talks to pkg/link/pkg/netdev instead of pkg/transport.
package aoe

import (
	"encoding/binary"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

// hdrLen is ver_flags(1) + major(2) + minor(1) + command(1) + tag(4).
const hdrLen = 9

// ataLen is the fixed portion of the ATA sub-command: aflags, err_feat,
// count, cmd_stat, then an 8-byte lba field (48 bits used, top bits
// carry the device/head nibble outside LBA48 mode, per aoe_send_command
// in the AoE source this package is grounded on).
const ataLen = 12

const (
	aoeVersion     = 0x10 // version 1 in the top nibble of ver_flags
	aoeVersionMask = 0xf0
	flResponse     = 1 << 3
	flError        = 1 << 2
)

const (
	cmdATA    = 0x00
	cmdConfig = 0x01
)

const (
	aflWrite    = 1 << 0
	aflAsync    = 1 << 1
	aflDevHead  = 1 << 4
	aflExtended = 1 << 6
)

// sectorSize is ATA_SECTOR_SIZE.
const sectorSize = 512

// MaxCount is AOE_MAX_COUNT: the sector count a single AoE ATA command
// is capped at, so the frame (count*sectorSize data plus headers) stays
// well under a standard 1500-byte Ethernet MTU.
const MaxCount = 2

const (
	ataCmdReadDMAExt  = 0x25
	ataCmdWriteDMAExt = 0x35
)

// tagMagic seeds the per-session tag counter, mirroring the teacher's
// AOE_TAG_MAGIC sentinel used to make tags easy to spot in captures.
const tagMagic = 0xa013e000

type pendingATA struct {
	write  bool
	lba    uint64
	count  uint64 // sectors remaining
	offset int    // byte offset already transferred
	buf    []byte
	status byte
	done   func(error)
}

// Session is one AoE client bound to a (major, minor) target, resolved
// to a link-layer address by a config-command discovery exchange.
type Session struct {
	Dev   *netdev.Device
	Major uint16
	Minor uint8

	target []byte // discovered target MAC; starts as broadcast
	tag    uint32

	retry *timer.RetryTimer

	discovering bool
	cur         *pendingATA

	established chan struct{}
	failure     chan error
}

var (
	sessionsMu sync.RWMutex
	sessions   = map[*Session]struct{}{}
)

func init() {
	ipstack.RegisterNetProto(link.ProtoAoE, rx)
}

// NewSession constructs a Session for shelf major, slot minor, on dev.
func NewSession(dev *netdev.Device, major uint16, minor uint8, clock timer.Clock) *Session {
	s := &Session{
		Dev:         dev,
		Major:       major,
		Minor:       minor,
		target:      append([]byte(nil), link.Ethernet.Broadcast...),
		tag:         tagMagic,
		established: make(chan struct{}, 1),
		failure:     make(chan error, 1),
	}
	s.retry = timer.New(clock, 0, 0)
	s.retry.Expired = s.onTimerExpired
	return s
}

// Start registers the session and issues the discovery config query.
func (s *Session) Start() {
	sessionsMu.Lock()
	sessions[s] = struct{}{}
	sessionsMu.Unlock()
	s.discovering = true
	s.sendConfig()
}

// Close unregisters the session.
func (s *Session) Close() {
	sessionsMu.Lock()
	delete(sessions, s)
	sessionsMu.Unlock()
}

// Poll steps the retransmission timer; call once per scheduler pass.
func (s *Session) Poll() {
	s.retry.Poll()
}

// Wait blocks (by repeated polling) until discovery completes or an
// in-flight command fails outright.
func (s *Session) Wait(maxSteps int, poll func()) error {
	for i := 0; i < maxSteps; i++ {
		select {
		case <-s.established:
			return nil
		case err := <-s.failure:
			return err
		default:
		}
		s.Poll()
		poll()
	}
	return errno.New(errno.TimedOut, "aoe: discovery deadline exceeded")
}

func (s *Session) fail(err error) {
	select {
	case s.failure <- err:
	default:
	}
}

func (s *Session) nextTag() uint32 {
	s.tag++
	return s.tag
}

func (s *Session) onTimerExpired(_ *timer.RetryTimer, failed bool) {
	if failed {
		if s.discovering {
			s.discovering = false
			s.fail(errno.New(errno.TimedOut, "aoe: target did not respond to discovery"))
			return
		}
		if s.cur != nil {
			done := s.cur.done
			s.cur = nil
			done(errno.New(errno.TimedOut, "aoe: target did not respond"))
		}
		return
	}
	if s.discovering {
		s.sendConfig()
		return
	}
	if s.cur != nil {
		s.sendATA(s.cur)
	}
}

func (s *Session) sendConfig() {
	s.retry.Start()
	p := pkb.AllocHeadroom(hdrLen, pkb.DefaultHeadroom)
	hdr, err := p.Put(hdrLen)
	if err != nil {
		s.fail(err)
		return
	}
	s.putHeader(hdr, cmdConfig)
	_ = link.NetTx(p, s.Dev, link.ProtoAoE, s.target)
}

func (s *Session) sendATA(op *pendingATA) {
	s.retry.Start()

	count := op.count
	if count > MaxCount {
		count = MaxCount
	}
	dataOutLen := 0
	if op.write {
		dataOutLen = int(count) * sectorSize
	}

	p := pkb.AllocHeadroom(hdrLen+ataLen+dataOutLen, pkb.DefaultHeadroom)
	buf, err := p.Put(hdrLen + ataLen + dataOutLen)
	if err != nil {
		s.fail(err)
		return
	}
	s.putHeader(buf[:hdrLen], cmdATA)

	ata := buf[hdrLen : hdrLen+ataLen]
	aflags := byte(aflExtended) // every command this client issues is LBA48
	if op.write {
		aflags |= aflWrite
	}
	ata[0] = aflags
	ata[1] = 0 // err_feat
	ata[2] = byte(count)
	if op.write {
		ata[3] = ataCmdWriteDMAExt
	} else {
		ata[3] = ataCmdReadDMAExt
	}
	putLBA48(ata[4:12], op.lba)

	if op.write {
		copy(buf[hdrLen+ataLen:], op.buf[op.offset:op.offset+dataOutLen])
	}

	_ = link.NetTx(p, s.Dev, link.ProtoAoE, s.target)
}

func (s *Session) putHeader(hdr []byte, command byte) {
	hdr[0] = aoeVersion
	binary.BigEndian.PutUint16(hdr[1:3], s.Major)
	hdr[3] = s.Minor
	hdr[4] = command
	binary.BigEndian.PutUint32(hdr[5:9], s.nextTag())
}

// putLBA48 packs a 48-bit LBA little-endian into the low 6 bytes of a
// little-endian 8-byte field, per aoeata->lba.u64 = cpu_to_le64(lba).
func putLBA48(b []byte, lba uint64) {
	b[0] = byte(lba)
	b[1] = byte(lba >> 8)
	b[2] = byte(lba >> 16)
	b[3] = byte(lba >> 24)
	b[4] = byte(lba >> 32)
	b[5] = byte(lba >> 40)
	b[6] = 0
	b[7] = 0
}

// rx is registered against link.ProtoAoE and demultiplexes incoming
// frames across all live sessions by (major, minor, tag), mirroring
// aoe_rx's list walk over aoe_sessions in the source this is grounded
// on.
func rx(_ *netdev.Device, p *pkb.PKB, llSrc []byte) {
	buf := p.Bytes()
	if len(buf) < hdrLen {
		return
	}
	if buf[0]&aoeVersionMask != aoeVersion {
		return
	}
	verFlags := buf[0]
	if verFlags&flResponse == 0 {
		return // ignore AoE requests we happen to observe
	}
	major := binary.BigEndian.Uint16(buf[1:3])
	minor := buf[3]
	command := buf[4]
	tag := binary.BigEndian.Uint32(buf[5:9])

	sessionsMu.RLock()
	var target *Session
	for s := range sessions {
		if s.Major == major && s.Minor == minor && s.tag == tag {
			target = s
			break
		}
	}
	sessionsMu.RUnlock()
	if target == nil {
		return
	}

	if verFlags&flError != 0 {
		target.onError()
		return
	}

	switch command {
	case cmdConfig:
		target.onConfig(llSrc)
	case cmdATA:
		target.onATA(buf[hdrLen:])
	}
}

func (s *Session) onError() {
	s.retry.Stop()
	if s.discovering {
		s.discovering = false
		s.fail(errno.New(errno.Protocol, "aoe: discovery returned an error response"))
		return
	}
	if s.cur != nil {
		done := s.cur.done
		s.cur = nil
		done(errno.New(errno.Protocol, "aoe: target returned an error response"))
	}
}

// onConfig handles a config-command response: the replying frame's
// link-layer source becomes this target's address (aoe_rx_cfg's
// "Record target MAC address").
func (s *Session) onConfig(llSrc []byte) {
	s.target = append([]byte(nil), llSrc...)
	s.retry.Stop()
	s.discovering = false
	select {
	case s.established <- struct{}{}:
	default:
	}
}

func (s *Session) onATA(buf []byte) {
	if len(buf) < ataLen {
		return // malformed; let the retry timer drive a retransmit
	}
	op := s.cur
	if op == nil {
		return
	}
	cmdStat := buf[3]
	op.status |= cmdStat

	count := op.count
	if count > MaxCount {
		count = MaxCount
	}
	dataLen := int(count) * sectorSize

	if !op.write {
		rx := buf[ataLen:]
		if len(rx) > dataLen {
			rx = rx[:dataLen]
		}
		copy(op.buf[op.offset:op.offset+len(rx)], rx)
	}

	op.offset += dataLen
	op.lba += count
	op.count -= count

	if op.count == 0 {
		s.retry.Stop()
		s.cur = nil
		if op.status&0x01 != 0 { // ATA_STAT_ERR
			op.done(errno.New(errno.Protocol, "aoe: ATA command reported an error status"))
		} else {
			op.done(nil)
		}
		return
	}

	s.retry.Stop()
	s.sendATA(op)
}

// ReadSectors reads count sectors starting at lba into buf, chunked at
// MaxCount sectors per AoE frame, done is called once every chunk has
// completed or the first error is seen.
func (s *Session) ReadSectors(lba uint64, count uint16, buf []byte, done func(error)) {
	op := &pendingATA{lba: lba, count: uint64(count), buf: buf, done: done}
	s.cur = op
	s.sendATA(op)
}

// WriteSectors writes count sectors starting at lba from buf.
func (s *Session) WriteSectors(lba uint64, count uint16, buf []byte, done func(error)) {
	op := &pendingATA{write: true, lba: lba, count: uint64(count), buf: buf, done: done}
	s.cur = op
	s.sendATA(op)
}
