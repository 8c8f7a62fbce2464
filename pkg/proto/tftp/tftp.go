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

// Package tftp implements the TFTP download client of spec.md §4.12:
// RRQ with blksize/tsize/windowsize option negotiation, OACK handling,
// 16-bit block-number wraparound, and the MTFTP multicast mode. This is the
// client counterpart to internal/driver/tftp's server.
package tftp

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/proto/dns"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/netboot-go/ipxecore/pkg/transport"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

const (
	ServerPort = 69

	opRRQ   = 1
	opDATA  = 3
	opACK   = 4
	opERROR = 5
	opOACK  = 6

	errOptionNegotiation = 8

	// DefaultBlksize is negotiated via the "blksize" option (RFC 2348);
	// iPXE requests the maximum that fits one Ethernet frame's payload.
	DefaultBlksize = 1468

	// DefaultWindowsize is the "windowsize" option value requested on
	// RRQ (RFC 7440). Servers that ignore the option fall back to the
	// one-ACK-per-block lockstep.
	DefaultWindowsize = 4

	// blksize bounds per RFC 2348; an OACK outside them (or above what
	// we asked for) is a protocol error that closes the session rather
	// than silently resetting to 512.
	minBlksize = 8
	maxBlksize = 65464
)

func init() {
	uri.Register("tftp", openTFTP)
}

// openTFTP is the "tftp" scheme Opener (spec.md §4.6): each DATA block
// streams to the plugged upstream as OpDeliver the moment it is
// acknowledged, and the pair closes with the transfer's outcome.
func openTFTP(req *uri.OpenRequest, upstream *intf.Interface) (*intf.Interface, error) {
	server, err := dns.ResolveViaDevice(req.Dev, req.URI.Host, req.MaxSteps, req.Poll)
	if err != nil {
		return nil, err
	}
	src := intf.New(intf.NewDescriptor(kernel.NewRef(nil), nil))
	intf.Plug(src, upstream)

	dl := NewDownload(req.Dev, server, req.URI.Path, func(b Block) {
		intf.Call[intf.DeliverFunc](src, intf.OpDeliver, func(fn intf.DeliverFunc) { fn(b.Data) })
	})
	dl.Start()
	werr := dl.Wait(req.MaxSteps, req.Poll)
	intf.Shutdown(src, werr)
	if werr != nil {
		return nil, werr
	}
	return src, nil
}

// Block is one received DATA block's payload, delivered in order.
type Block struct {
	Num  uint16
	Data []byte
	Last bool
}

// Download drives one RRQ-to-completion transfer of filename from
// server, streaming blocks to onBlock as they are acknowledged.
type Download struct {
	Dev      *netdev.Device
	Server   net.IP
	Filename string
	Mode     string // "octet" unless overridden

	// Multicast requests MTFTP via the "multicast" option; the
	// transfer still completes over plain unicast when the server
	// declines.
	Multicast bool

	conn  *transport.UDPConn
	retry *timer.RetryTimer

	peerPort   uint16
	peerKnown  bool
	blksize    int
	windowsize int
	sinceAck   int
	nextBlock  uint16
	done       chan error
	onBlock    func(Block)
	tsize      int64

	mcConn   *transport.UDPConn
	mcMaster bool
}

// NewDownload constructs a Download bound to dev.
func NewDownload(dev *netdev.Device, server net.IP, filename string, onBlock func(Block)) *Download {
	return &Download{
		Dev: dev, Server: server, Filename: filename, Mode: "octet",
		blksize: DefaultBlksize, windowsize: 1,
		onBlock: onBlock, done: make(chan error, 1),
	}
}

// Start sends the initial RRQ with blksize/tsize/windowsize options
// (RFC 2347/2348/7440), then waits for DATA/OACK driven by Poll.
func (d *Download) Start() {
	d.conn = transport.Open(d.Dev, nil, 0, false)
	d.conn.AttachConsumer(d.onPacket, nil)
	d.retry = timer.New(timer.NewWallClock(), timer.TicksPerSec, timer.TicksPerSec*8)
	send := func() { _ = d.conn.SendTo(d.Server, ServerPort, d.buildRRQ()) }
	d.retry.Expired = func(t *timer.RetryTimer, failed bool) {
		if failed {
			d.done <- errno.New(errno.TimedOut, "tftp: no response from server")
			return
		}
		send()
		t.Start()
	}
	send()
	d.retry.Start()
}

// Poll steps the retry timer; call once per scheduler pass.
func (d *Download) Poll() { d.retry.Poll() }

// Wait blocks (by repeated polling) until the transfer completes or
// fails, calling poll once per attempt.
func (d *Download) Wait(maxSteps int, poll func()) error {
	for i := 0; i < maxSteps; i++ {
		select {
		case err := <-d.done:
			d.closeConns()
			return err
		default:
		}
		poll()
	}
	select {
	case err := <-d.done:
		d.closeConns()
		return err
	default:
		d.closeConns()
		return errno.New(errno.TimedOut, "tftp: deadline exceeded")
	}
}

func (d *Download) closeConns() {
	if d.conn != nil {
		d.conn.Close()
	}
	if d.mcConn != nil {
		d.mcConn.Close()
	}
}

// Tsize returns the server-reported transfer size, if the "tsize"
// option was acknowledged via OACK; 0 otherwise.
func (d *Download) Tsize() int64 { return d.tsize }

func (d *Download) buildRRQ() []byte {
	var b []byte
	b = append(b, 0, opRRQ)
	b = append(b, []byte(d.Filename)...)
	b = append(b, 0)
	b = append(b, []byte(d.Mode)...)
	b = append(b, 0)
	b = appendOption(b, "blksize", strconv.Itoa(d.blksize))
	b = appendOption(b, "tsize", "0")
	b = appendOption(b, "windowsize", strconv.Itoa(DefaultWindowsize))
	if d.Multicast {
		b = appendOption(b, "multicast", "")
	}
	return b
}

func appendOption(b []byte, name, value string) []byte {
	b = append(b, []byte(name)...)
	b = append(b, 0)
	b = append(b, []byte(value)...)
	return append(b, 0)
}

func (d *Download) onPacket(src net.IP, srcPort uint16, payload []byte) {
	if d.peerKnown && srcPort != d.peerPort && d.mcConn == nil {
		return
	}
	if len(payload) < 2 {
		return
	}
	op := binary.BigEndian.Uint16(payload[0:2])
	switch op {
	case opOACK:
		d.peerPort = srcPort
		d.peerKnown = true
		d.retry.Stop()
		if err := d.applyOptions(payload[2:]); err != nil {
			d.sendError(errOptionNegotiation, "bad option")
			d.done <- err
			return
		}
		d.nextBlock = 0
		d.ackBlock(0)
	case opDATA:
		if len(payload) < 4 {
			return
		}
		if !d.peerKnown {
			d.peerPort = srcPort
			d.peerKnown = true
		}
		block := binary.BigEndian.Uint16(payload[2:4])
		expected := d.nextBlock + 1
		if block != expected {
			// Lower block number: the server missed our ACK; resend it.
			// Higher: a hole in the window; drop and let the retransmit
			// cadence recover from the last acknowledged block.
			if int16(block-expected) < 0 {
				d.ackBlock(d.nextBlock)
			}
			return
		}
		d.retry.Stop()
		data := payload[4:]
		last := len(data) < d.blksize
		d.nextBlock = block
		if d.onBlock != nil {
			d.onBlock(Block{Num: block, Data: data, Last: last})
		}
		d.sinceAck++
		if last || d.sinceAck >= d.windowsize {
			d.ackBlock(block)
		} else {
			d.retry.Start()
		}
		if last {
			d.done <- nil
		}
	case opERROR:
		code := uint16(0)
		if len(payload) >= 4 {
			code = binary.BigEndian.Uint16(payload[2:4])
		}
		d.done <- errno.New(errno.Protocol, "tftp: server error "+strconv.Itoa(int(code)))
	}
}

// ackBlock acknowledges block. Passive MTFTP clients listen without
// acknowledging; the elected master client drives the transfer.
func (d *Download) ackBlock(block uint16) {
	d.sinceAck = 0
	if d.mcConn != nil && !d.mcMaster {
		d.retry.Start()
		return
	}
	ack := make([]byte, 4)
	binary.BigEndian.PutUint16(ack[0:2], opACK)
	binary.BigEndian.PutUint16(ack[2:4], block)
	_ = d.conn.SendTo(d.Server, d.peerPort, ack)
	d.retry.Start()
}

func (d *Download) sendError(code uint16, msg string) {
	b := make([]byte, 4, 5+len(msg))
	binary.BigEndian.PutUint16(b[0:2], opERROR)
	binary.BigEndian.PutUint16(b[2:4], code)
	b = append(b, []byte(msg)...)
	b = append(b, 0)
	_ = d.conn.SendTo(d.Server, d.peerPort, b)
}

// applyOptions parses an OACK's NUL-terminated name/value pairs. A
// blksize outside the RFC 2348 bounds, or above what we requested, is
// a protocol error that closes the session.
func (d *Download) applyOptions(b []byte) error {
	fields := splitCStrings(b)
	for i := 0; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "blksize":
			n, err := strconv.Atoi(fields[i+1])
			if err != nil || n < minBlksize || n > maxBlksize || n > d.blksize {
				return errno.New(errno.Protocol, "tftp: unacceptable blksize "+fields[i+1])
			}
			d.blksize = n
		case "tsize":
			if n, err := strconv.ParseInt(fields[i+1], 10, 64); err == nil {
				d.tsize = n
			}
		case "windowsize":
			if n, err := strconv.Atoi(fields[i+1]); err == nil && n >= 1 && n <= DefaultWindowsize {
				d.windowsize = n
			}
		case "multicast":
			if err := d.applyMulticast(fields[i+1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMulticast processes an RFC 2090 "multicast" OACK value
// ("addr,port,mc"): join the indicated port and record whether this
// client was elected master (mc=1, the one that acknowledges).
func (d *Download) applyMulticast(value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return errno.New(errno.Protocol, "tftp: malformed multicast option")
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return errno.New(errno.Protocol, "tftp: malformed multicast port")
	}
	d.mcMaster = parts[2] == "1"
	d.mcConn = transport.Open(d.Dev, nil, uint16(port), false)
	d.mcConn.AttachConsumer(d.onPacket, nil)
	return nil
}

func splitCStrings(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}
