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

package neighbour

import (
	"encoding/binary"
	"net"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

// ProtoARP is the neighbour-cache protocol name for IPv4/ARP entries.
const ProtoARP = "arp"

const (
	arpHwTypeEthernet = 1
	arpOpRequest      = 1
	arpOpReply        = 2
	arpPacketLen      = 28
)

// ArpSrcAddr resolves the IPv4 source address to embed in outgoing
// ARP packets for a device. Set by pkg/ipstack at init time to avoid
// a neighbour -> ipstack import cycle (ipstack already imports
// neighbour to drive resolution).
var ArpSrcAddr func(d *netdev.Device) net.IP

type arpResolver struct{}

func (arpResolver) ProtoName() string        { return ProtoARP }
func (arpResolver) MinTimeout() timer.Tick    { return ArpMinTimeout }
func (arpResolver) MaxTimeout() timer.Tick    { return ArpMaxTimeout }

func (arpResolver) Solicit(d *netdev.Device, netAddr []byte) error {
	if ArpSrcAddr == nil {
		return errno.New(errno.NotSupported, "arp: no source address resolver configured")
	}
	src := ArpSrcAddr(d).To4()
	if src == nil {
		return errno.New(errno.NetUnreachable, "arp: device has no IPv4 address")
	}
	p := pkb.Alloc(arpPacketLen)
	buf, err := p.Put(arpPacketLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[0:2], arpHwTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], uint16(link.ProtoIPv4))
	buf[4] = 6
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], arpOpRequest)
	copy(buf[8:14], d.LLAddr)
	copy(buf[14:18], src)
	copy(buf[18:24], make([]byte, 6))
	copy(buf[24:28], netAddr)
	return link.NetTx(p, d, link.ProtoARP, link.Ethernet.Broadcast)
}

func init() {
	RegisterResolver(arpResolver{})
}

// HandleARP processes a received ARP frame: it answers REQUESTs
// targeting one of our own addresses (caller supplies isLocal) and
// feeds REPLYs into Resolve to flush deferred traffic.
func HandleARP(d *netdev.Device, p *pkb.PKB, isLocal func(ip net.IP) bool) error {
	buf := p.Bytes()
	if len(buf) < arpPacketLen {
		return errno.New(errno.Protocol, "arp: short packet")
	}
	op := binary.BigEndian.Uint16(buf[6:8])
	sha := append([]byte(nil), buf[8:14]...)
	spa := net.IP(append([]byte(nil), buf[14:18]...))
	tpa := net.IP(append([]byte(nil), buf[24:28]...))

	switch op {
	case arpOpRequest:
		if isLocal == nil || !isLocal(tpa) {
			return nil
		}
		reply := pkb.Alloc(arpPacketLen)
		out, err := reply.Put(arpPacketLen)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(out[0:2], arpHwTypeEthernet)
		binary.BigEndian.PutUint16(out[2:4], uint16(link.ProtoIPv4))
		out[4] = 6
		out[5] = 4
		binary.BigEndian.PutUint16(out[6:8], arpOpReply)
		copy(out[8:14], d.LLAddr)
		copy(out[14:18], tpa.To4())
		copy(out[18:24], sha)
		copy(out[24:28], spa.To4())
		return link.NetTx(reply, d, link.ProtoARP, sha)
	case arpOpReply:
		Resolve(d, ProtoARP, spa.To4(), sha, link.ProtoIPv4)
	}
	return nil
}
