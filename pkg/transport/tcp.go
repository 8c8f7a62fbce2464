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

package transport

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/metrics"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/netip"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

// wrapTCP copies a fully-built TCP segment into a fresh pkb so
// pkg/ipstack's TxV4 can push the IPv4 header into its headroom.
func wrapTCP(buf []byte) *pkb.PKB {
	p := pkb.Alloc(len(buf))
	out, _ := p.Put(len(buf))
	copy(out, buf)
	return p
}

const tcpHeaderLen = 20

// State is a TCP connection state per spec.md §3's state machine.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	Closing
	TimeWait
	CloseWait
	LastAck
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRcvd:
		return "SYN_RCVD"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case Closing:
		return "CLOSING"
	case TimeWait:
		return "TIME_WAIT"
	case CloseWait:
		return "CLOSE_WAIT"
	case LastAck:
		return "LAST_ACK"
	default:
		return "?"
	}
}

const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagACK = 0x10
)

// InitialRTO and MaxRTO are spec.md §4.11's retransmit bounds ("1s,
// doubled per retransmit up to 60s").
const (
	InitialRTO = timer.TicksPerSec
	MaxRTO     = timer.TicksPerSec * 60
)

type segment struct {
	seq  uint32
	data []byte
	fin  bool
	sent timer.Tick
}

// Conn is a TCP connection (spec.md §3).
type Conn struct {
	mu sync.Mutex

	Dev     *netdev.Device
	LocalIP net.IP
	PeerIP  net.IP

	LocalPort uint16
	PeerPort  uint16
	IsIPv6    bool

	State State

	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	rcvNxt uint32
	rcvWnd uint32

	outOfOrder map[uint32][]byte
	retransmit []segment

	rto   timer.Tick
	timer *timer.RetryTimer

	// Ref is the connection's rc-obj; its destructor unregisters the
	// connection from the demux table. Data is the connection's data
	// interface: in-order payload is dispatched through it as OpDeliver,
	// the consumer's receive window is queried through it as OpWindow,
	// and a close from either side cascades through it as OpClose.
	Ref  *kernel.Ref
	Data *intf.Interface

	closeCalled bool
}

var (
	tcpMu    sync.RWMutex
	tcpConns = map[connKey]*Conn{}
)

type connKey struct {
	localPort, peerPort uint16
	peerIP              string
}

func key(localPort, peerPort uint16, peerIP net.IP) connKey {
	return connKey{localPort: localPort, peerPort: peerPort, peerIP: peerIP.String()}
}

// Dial actively opens a TCP connection: sends SYN and transitions to
// SYN_SENT. The caller must Poll (or drive the scheduler) until State
// reaches Established or Closed.
func Dial(dev *netdev.Device, localIP, peerIP net.IP, localPort, peerPort uint16, isIPv6 bool) *Conn {
	c := &Conn{
		Dev: dev, LocalIP: localIP, PeerIP: peerIP,
		LocalPort: localPort, PeerPort: peerPort, IsIPv6: isIPv6,
		State:      SynSent,
		sndNxt:     initialSeq(),
		rcvWnd:     65535,
		outOfOrder: map[uint32][]byte{},
		rto:        InitialRTO,
	}
	c.sndUna = c.sndNxt
	c.Ref = kernel.NewRef(c.unregister)
	c.Data = intf.New(intf.NewDescriptor(c.Ref, map[intf.OpID]any{
		intf.OpClose: intf.CloseFunc(func(reason error) { c.Abort(reason) }),
	}))

	tcpMu.Lock()
	tcpConns[key(localPort, peerPort, peerIP)] = c
	tcpMu.Unlock()

	c.timer = timer.New(timer.NewWallClock(), InitialRTO, MaxRTO)
	c.timer.Expired = func(t *timer.RetryTimer, failed bool) {
		if failed {
			c.Abort(errno.New(errno.TimedOut, "tcp: handshake timed out"))
			return
		}
		metrics.TCPRetransmits.Inc()
		c.sendSegment(flagSYN, nil)
		t.Start()
	}

	c.sendSegment(flagSYN, nil)
	c.sndNxt++
	c.timer.Start()
	return c
}

var seqCtr uint32 = 1

func initialSeq() uint32 {
	seqCtr += 64000
	return seqCtr
}

// Send queues payload for transmission (spec.md §4.11: "writes are
// queued"). Only valid once Established.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != Established && c.State != CloseWait {
		return errno.New(errno.InProgress, "tcp: connection not established")
	}
	seg := segment{seq: c.sndNxt, data: append([]byte(nil), payload...), sent: nowTick()}
	c.retransmit = append(c.retransmit, seg)
	err := c.sendSegment(flagACK, payload)
	c.sndNxt += uint32(len(payload))
	return err
}

// CloseGraceful begins the ordinary four-way FIN teardown.
func (c *Conn) CloseGraceful() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State {
	case Established:
		c.State = FinWait1
	case CloseWait:
		c.State = LastAck
	default:
		return nil
	}
	err := c.sendSegment(flagFIN|flagACK, nil)
	c.sndNxt++
	return err
}

// AttachConsumer builds a consumer-side interface implementing the
// given operations and plugs it to the connection's data interface:
// deliver receives in-order payload (OpDeliver), window (optional)
// reports the receive window (OpWindow), onClose (optional) observes a
// shutdown arriving from the connection side. The returned interface
// is the consumer's handle for intf.Shutdown when it is done.
func (c *Conn) AttachConsumer(deliver func([]byte), window func() uint32, onClose func(error)) *intf.Interface {
	ops := map[intf.OpID]any{}
	if deliver != nil {
		ops[intf.OpDeliver] = intf.DeliverFunc(deliver)
	}
	if window != nil {
		ops[intf.OpWindow] = intf.WindowFunc(window)
	}
	if onClose != nil {
		ops[intf.OpClose] = intf.CloseFunc(onClose)
	}
	i := intf.New(intf.NewDescriptor(kernel.NewRef(nil), ops))
	intf.Plug(i, c.Data)
	return i
}

// Abort sends RST and transitions straight to CLOSED (spec.md §4.11),
// then tears down the interface graph.
func (c *Conn) Abort(reason error) {
	c.mu.Lock()
	if c.State != Closed {
		c.sendSegment(flagRST, nil)
		c.State = Closed
	}
	c.mu.Unlock()
	c.teardown(reason)
}

// teardown runs the connection's close path exactly once: stop the
// retransmit timer, cascade close(reason) up the data interface and
// unplug it, and drop the construction reference — the Ref destructor
// removes the connection from the demux table once the last plugged
// reference is gone.
func (c *Conn) teardown(reason error) {
	c.mu.Lock()
	if c.closeCalled {
		c.mu.Unlock()
		return
	}
	c.closeCalled = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	intf.Shutdown(c.Data, reason)
	c.Ref.Put()
}

func (c *Conn) unregister() {
	tcpMu.Lock()
	delete(tcpConns, key(c.LocalPort, c.PeerPort, c.PeerIP))
	tcpMu.Unlock()
}

// Poll drives the retransmit timer; call once per scheduler pass.
func (c *Conn) Poll() {
	if c.timer != nil {
		c.timer.Poll()
	}
}

func nowTick() timer.Tick { return timer.NewWallClock().Now() }

func (c *Conn) sendSegment(flags uint8, payload []byte) error {
	buf := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], c.LocalPort)
	binary.BigEndian.PutUint16(buf[2:4], c.PeerPort)
	binary.BigEndian.PutUint32(buf[4:8], c.sndNxt)
	binary.BigEndian.PutUint32(buf[8:12], c.rcvNxt)
	buf[12] = (tcpHeaderLen / 4) << 4
	buf[13] = flags
	binary.BigEndian.PutUint16(buf[14:16], uint16(c.windowOrDefault()))
	binary.BigEndian.PutUint16(buf[16:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], 0)
	copy(buf[tcpHeaderLen:], payload)

	src, peer := c.LocalIP, c.PeerIP
	if !c.IsIPv6 {
		if v4 := src.To4(); v4 != nil {
			src = v4
		}
		if v4 := peer.To4(); v4 != nil {
			peer = v4
		}
	}
	partial := netip.PseudoHeaderSum(src, peer, ipstack.ProtoTCP, uint32(len(buf)))
	sum := netip.FinishChecksum(partial, buf)
	binary.BigEndian.PutUint16(buf[16:18], sum)

	if c.IsIPv6 {
		return ipstack.TxV6(c.Dev, c.PeerIP, ipstack.ProtoTCP, buf)
	}
	p := wrapTCP(buf)
	return ipstack.TxV4(p, ipstack.ProtoTCP, c.PeerIP, c.Dev)
}

// windowOrDefault reports the window advertised on outgoing segments:
// the consumer's OpWindow answer when one is plugged, the connection's
// own receive buffer bound otherwise (spec.md §4.11's xfer_window).
func (c *Conn) windowOrDefault() uint32 {
	w := c.rcvWnd
	intf.Call[intf.WindowFunc](c.Data, intf.OpWindow, func(fn intf.WindowFunc) { w = fn() })
	return w
}

// deliverUp dispatches in-order payload through the data interface as
// OpDeliver. Callers must not hold c.mu: the consumer may send from
// its deliver path (iSCSI advances its login state machine this way).
func (c *Conn) deliverUp(payload []byte) {
	intf.Call[intf.DeliverFunc](c.Data, intf.OpDeliver, func(fn intf.DeliverFunc) { fn(payload) })
}

// rxTCP is registered with pkg/ipstack as the ProtoTCP handler.
func rxTCP(d *netdev.Device, src, dst net.IP, payload []byte) error {
	if len(payload) < tcpHeaderLen {
		return errno.New(errno.Protocol, "tcp: short header")
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	seq := binary.BigEndian.Uint32(payload[4:8])
	ack := binary.BigEndian.Uint32(payload[8:12])
	dataOffset := int(payload[12]>>4) * 4
	flags := payload[13]
	if dataOffset > len(payload) {
		dataOffset = len(payload)
	}
	data := payload[dataOffset:]

	tcpMu.RLock()
	c, ok := tcpConns[key(dstPort, srcPort, src)]
	tcpMu.RUnlock()
	if !ok {
		return nil
	}
	c.onSegment(seq, ack, flags, data)
	return nil
}

func (c *Conn) onSegment(seq, ack uint32, flags uint8, data []byte) {
	c.mu.Lock()

	var deliveries [][]byte
	var closeReason error
	doClose := false

	switch {
	case flags&flagRST != 0:
		c.State = Closed
		doClose = true
		closeReason = errno.New(errno.ConnectionReset, "tcp: connection reset by peer")

	default:
		switch c.State {
		case SynSent:
			if flags&flagSYN != 0 {
				c.rcvNxt = seq + 1
				c.State = Established
				if c.timer != nil {
					c.timer.Stop()
				}
				if flags&flagACK != 0 {
					c.sndUna = ack
				}
				c.sendSegment(flagACK, nil)
			}
		case Established, CloseWait:
			if ack != c.sndUna {
				c.sndUna = ack
				c.retransmit = reapAcked(c.retransmit, ack)
			}
			if len(data) > 0 {
				deliveries = c.acceptData(seq, data)
			}
			if flags&flagFIN != 0 && seq+uint32(len(data)) == c.rcvNxt {
				c.rcvNxt++
				if c.State == Established {
					c.State = CloseWait
				}
				c.sendSegment(flagACK, nil)
			}
		case FinWait1:
			if ack == c.sndNxt {
				c.State = FinWait2
			}
			if flags&flagFIN != 0 {
				c.rcvNxt = seq + 1
				c.sendSegment(flagACK, nil)
				if c.State == FinWait2 {
					c.State = TimeWait
				} else {
					c.State = Closing
				}
			}
		case FinWait2:
			if flags&flagFIN != 0 {
				c.rcvNxt = seq + 1
				c.sendSegment(flagACK, nil)
				c.State = TimeWait
			}
		case LastAck:
			if ack == c.sndNxt {
				c.State = Closed
				doClose = true
			}
		}
	}
	c.mu.Unlock()

	// Dispatch outside the lock: the consumer may Send from its deliver
	// path, and a close cascades through the interface graph.
	for _, d := range deliveries {
		c.deliverUp(d)
	}
	if doClose {
		c.teardown(closeReason)
	}
}

// acceptData accounts in-order bytes and buffers out-of-order ones for
// later reassembly, returning the payloads now deliverable in sequence
// (spec.md §4.11/§5: "Packets within a single TCP connection are
// delivered upward in sequence after reassembly"). Caller holds c.mu;
// the returned payloads are dispatched after it is released.
func (c *Conn) acceptData(seq uint32, data []byte) [][]byte {
	var out [][]byte
	if seq == c.rcvNxt {
		c.rcvNxt += uint32(len(data))
		out = append(out, data)
		for {
			more, ok := c.outOfOrder[c.rcvNxt]
			if !ok {
				break
			}
			delete(c.outOfOrder, c.rcvNxt)
			c.rcvNxt += uint32(len(more))
			out = append(out, more)
		}
		c.sendSegment(flagACK, nil)
		return out
	}
	if seq > c.rcvNxt {
		c.outOfOrder[seq] = append([]byte(nil), data...)
	}
	// seq < rcvNxt: duplicate, drop.
	c.sendSegment(flagACK, nil)
	return nil
}

func reapAcked(q []segment, ack uint32) []segment {
	out := q[:0]
	for _, s := range q {
		if int32(ack-s.seq) < int32(len(s.data)) {
			out = append(out, s)
		}
	}
	return out
}

func init() {
	ipstack.RegisterTransport(ipstack.ProtoTCP, rxTCP)
}
