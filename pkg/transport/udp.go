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

// Package transport implements the transport layer of spec.md §4.10/
// §4.11: connectionless UDP, TCP with retransmission (each segment is
// sent as soon as it is queued; the peer's advertised window does not
// limit the data in flight), and ICMP/ICMPv6, each registered into
// pkg/ipstack's tcpip_protocol table.
package transport

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/netip"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

const udpHeaderLen = 8

// DatagramFunc is the OpDeliver signature on a UDP data interface:
// one demultiplexed datagram's payload plus its source address/port.
type DatagramFunc func(src net.IP, srcPort uint16, payload []byte)

// UDPConn is spec.md §3's per-connection UDP state: local address/
// port, optional bound peer, and a data interface through which
// inbound datagrams are dispatched (the application interface of
// spec.md §4.10).
type UDPConn struct {
	Dev       *netdev.Device
	LocalIP   net.IP
	LocalPort uint16
	PeerIP    net.IP
	PeerPort  uint16
	IsIPv6    bool

	// Ref is the connection's rc-obj (destructor unbinds the port);
	// Data is the interface inbound datagrams are dispatched through
	// as OpDeliver with a DatagramFunc implementation.
	Ref  *kernel.Ref
	Data *intf.Interface

	closeCalled bool
}

var (
	udpMu    sync.RWMutex
	udpConns = map[uint16]*UDPConn{}
	udpPort  uint16 = 32768
)

// Open binds a new ephemeral or explicit local port and registers the
// connection for demultiplexing.
func Open(dev *netdev.Device, localIP net.IP, localPort uint16, isIPv6 bool) *UDPConn {
	udpMu.Lock()
	defer udpMu.Unlock()
	if localPort == 0 {
		localPort = nextEphemeralPort()
	}
	c := &UDPConn{Dev: dev, LocalIP: localIP, LocalPort: localPort, IsIPv6: isIPv6}
	c.Ref = kernel.NewRef(c.unbind)
	c.Data = intf.New(intf.NewDescriptor(c.Ref, map[intf.OpID]any{
		intf.OpClose: intf.CloseFunc(func(reason error) { c.Close() }),
	}))
	udpConns[localPort] = c
	return c
}

// AttachConsumer builds a consumer-side interface whose OpDeliver
// implementation is deliver (and whose OpClose, if given, observes a
// close arriving from the connection side) and plugs it to the
// connection's data interface. The returned interface is the
// consumer's handle for intf.Shutdown.
func (c *UDPConn) AttachConsumer(deliver DatagramFunc, onClose func(error)) *intf.Interface {
	ops := map[intf.OpID]any{}
	if deliver != nil {
		ops[intf.OpDeliver] = deliver
	}
	if onClose != nil {
		ops[intf.OpClose] = intf.CloseFunc(onClose)
	}
	i := intf.New(intf.NewDescriptor(kernel.NewRef(nil), ops))
	intf.Plug(i, c.Data)
	return i
}

func nextEphemeralPort() uint16 {
	for {
		p := udpPort
		udpPort++
		if udpPort == 0 {
			udpPort = 32768
		}
		if _, used := udpConns[p]; !used {
			return p
		}
	}
}

// Close tears the connection down exactly once: the data interface is
// shut down (cascading close to a plugged consumer) and the
// construction reference dropped; the Ref destructor unbinds the port.
func (c *UDPConn) Close() {
	udpMu.Lock()
	if c.closeCalled {
		udpMu.Unlock()
		return
	}
	c.closeCalled = true
	udpMu.Unlock()
	intf.Shutdown(c.Data, nil)
	c.Ref.Put()
}

func (c *UDPConn) unbind() {
	udpMu.Lock()
	defer udpMu.Unlock()
	if udpConns[c.LocalPort] == c {
		delete(udpConns, c.LocalPort)
	}
}

// Connect binds the default peer for Send's zero-argument form.
func (c *UDPConn) Connect(peerIP net.IP, peerPort uint16) {
	c.PeerIP = peerIP
	c.PeerPort = peerPort
}

// Send is spec.md §4.10's udp_tx: prepends a UDP header, computes the
// checksum (always emitted; required for IPv6, optional-but-present
// for IPv4), and calls the network layer's tx.
func (c *UDPConn) Send(payload []byte) error {
	return c.SendTo(c.PeerIP, c.PeerPort, payload)
}

// SendTo sends payload to an explicit destination, overriding the
// bound peer (used by DNS/DHCP/TFTP which address a server
// per-request rather than via Connect).
func (c *UDPConn) SendTo(dstIP net.IP, dstPort uint16, payload []byte) error {
	if dstIP == nil {
		return errno.New(errno.InvalidArgument, "udp: no destination address")
	}
	p := pkb.Alloc(udpHeaderLen + len(payload))
	buf, err := p.Put(udpHeaderLen + len(payload))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[0:2], c.LocalPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[8:], payload)

	src := c.LocalIP
	if src == nil {
		if c.IsIPv6 {
			src = ipstack.DeviceAddressV6(c.Dev)
		} else {
			src = ipstack.DeviceAddressV4(c.Dev)
		}
	}
	if !c.IsIPv6 {
		if v4 := src.To4(); v4 != nil {
			src = v4
		}
		if v4 := dstIP.To4(); v4 != nil {
			dstIP = v4
		}
	}
	partial := netip.PseudoHeaderSum(src, dstIP, ipstack.ProtoUDP, uint32(len(buf)))
	sum := netip.FinishChecksum(partial, buf)
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(buf[6:8], sum)

	if c.IsIPv6 {
		return ipstack.TxV6(c.Dev, dstIP, ipstack.ProtoUDP, buf)
	}
	return ipstack.TxV4(p, ipstack.ProtoUDP, dstIP, c.Dev)
}

// rxUDP is registered with pkg/ipstack as the ProtoUDP handler
// (spec.md §4.10's udp_rx: "demultiplexes on destination port, then
// passes payload up").
func rxUDP(d *netdev.Device, src, dst net.IP, payload []byte) error {
	if len(payload) < udpHeaderLen {
		return errno.New(errno.Protocol, "udp: short header")
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := int(binary.BigEndian.Uint16(payload[4:6]))
	if length > len(payload) {
		length = len(payload)
	}

	udpMu.RLock()
	c, ok := udpConns[dstPort]
	udpMu.RUnlock()
	if !ok {
		return nil
	}
	intf.Call[DatagramFunc](c.Data, intf.OpDeliver, func(fn DatagramFunc) {
		fn(src, srcPort, payload[udpHeaderLen:length])
	})
	return nil
}

func init() {
	ipstack.RegisterTransport(ipstack.ProtoUDP, rxUDP)
}
