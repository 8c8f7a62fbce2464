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
	"github.com/netboot-go/ipxecore/pkg/timer"
)

// ProtoNDP is the neighbour-cache protocol name for IPv6/NDP entries.
const ProtoNDP = "ndp"

const (
	icmpv6TypeRS = 133
	icmpv6TypeRA = 134
	icmpv6TypeNS = 135
	icmpv6TypeNA = 136

	ndpOptSourceLLAddr = 1
	ndpOptTargetLLAddr = 2
	ndpOptPrefixInfo   = 3
)

// NdpTx sends an ICMPv6 message built by this package (no IPv6 header)
// to dst; pkg/ipstack supplies this and prepends the IPv6 header, so
// neighbour does not need to depend on the IPv6 layer.
var NdpTx func(d *netdev.Device, dst net.IP, icmpv6Payload []byte) error

type ndpResolver struct{}

func (ndpResolver) ProtoName() string     { return ProtoNDP }
func (ndpResolver) MinTimeout() timer.Tick { return timer.TicksPerSec }
func (ndpResolver) MaxTimeout() timer.Tick { return timer.TicksPerSec * 4 }

// SolicitedNodeMulticast derives the solicited-node multicast address
// ff02::1:ffXX:XXXX from the low 24 bits of target (RFC 4861 §2.3).
func SolicitedNodeMulticast(target net.IP) net.IP {
	t := target.To16()
	addr := net.ParseIP("ff02::1:ff00:0")
	out := append([]byte(nil), addr.To16()...)
	copy(out[13:16], t[13:16])
	return out
}

func (ndpResolver) Solicit(d *netdev.Device, netAddr []byte) error {
	if NdpTx == nil {
		return errno.New(errno.NotSupported, "ndp: no transmit function configured")
	}
	target := net.IP(netAddr)
	payload := make([]byte, 24+2+len(d.LLAddr))
	payload[0] = icmpv6TypeNS
	copy(payload[8:24], target.To16())
	payload[24] = ndpOptSourceLLAddr
	llLen := len(d.LLAddr)
	payload[25] = byte((llLen + 2) / 8)
	copy(payload[26:], d.LLAddr)
	dst := SolicitedNodeMulticast(target)
	return NdpTx(d, dst, payload)
}

func init() {
	RegisterResolver(ndpResolver{})
}

// HandleNDP processes a received ICMPv6 NS/NA/RA message. isLocal
// reports whether an address belongs to this device (for NS replies);
// onRA is invoked with the RA's source and raw options for SLAAC
// processing in pkg/ipstack.
func HandleNDP(d *netdev.Device, src net.IP, payload []byte, isLocal func(ip net.IP) bool, onRA func(src net.IP, options []byte, routerLifetime uint16)) error {
	if len(payload) < 8 {
		return errno.New(errno.Protocol, "ndp: short icmpv6 message")
	}
	switch payload[0] {
	case icmpv6TypeNS:
		if len(payload) < 24 {
			return errno.New(errno.Protocol, "ndp: short NS")
		}
		target := net.IP(payload[8:24])
		if isLocal == nil || !isLocal(target) {
			return nil
		}
		if NdpTx == nil {
			return nil
		}
		reply := make([]byte, 24+2+len(d.LLAddr))
		reply[0] = icmpv6TypeNA
		reply[4] = 0x60 // solicited + override
		copy(reply[8:24], target.To16())
		reply[24] = ndpOptTargetLLAddr
		reply[25] = byte((len(d.LLAddr) + 2) / 8)
		copy(reply[26:], d.LLAddr)
		return NdpTx(d, src, reply)
	case icmpv6TypeNA:
		if len(payload) < 24 {
			return errno.New(errno.Protocol, "ndp: short NA")
		}
		target := net.IP(append([]byte(nil), payload[8:24]...))
		if llAddr, ok := findOption(payload[24:], ndpOptTargetLLAddr); ok {
			Resolve(d, ProtoNDP, target, llAddr, link.ProtoIPv6)
		}
	case icmpv6TypeRA:
		if len(payload) < 16 {
			return errno.New(errno.Protocol, "ndp: short RA")
		}
		routerLifetime := binary.BigEndian.Uint16(payload[6:8])
		if onRA != nil {
			onRA(src, payload[16:], routerLifetime)
		}
	}
	return nil
}

// findOption scans NDP options for the first one of type t, returning
// its link-layer-address payload.
func findOption(options []byte, t byte) ([]byte, bool) {
	for len(options) >= 8 {
		optType := options[0]
		optLen := int(options[1]) * 8
		if optLen == 0 || optLen > len(options) {
			return nil, false
		}
		if optType == t {
			return options[2:optLen], true
		}
		options = options[optLen:]
	}
	return nil, false
}

// PrefixOption is a parsed NDP Prefix Information option (type 3)
// used by SLAAC (spec.md §4.9): prefix length, on-link/autonomous
// flags, valid/preferred lifetimes, and the prefix itself.
type PrefixOption struct {
	PrefixLen         uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            net.IP
}

// ParsePrefixOptions extracts every Prefix Information option from a
// sequence of NDP options.
func ParsePrefixOptions(options []byte) []PrefixOption {
	var out []PrefixOption
	for len(options) >= 8 {
		optType := options[0]
		optLen := int(options[1]) * 8
		if optLen == 0 || optLen > len(options) {
			break
		}
		if optType == ndpOptPrefixInfo && optLen >= 32 {
			flags := options[3]
			out = append(out, PrefixOption{
				PrefixLen:         options[2],
				OnLink:            flags&0x80 != 0,
				Autonomous:        flags&0x40 != 0,
				ValidLifetime:     binary.BigEndian.Uint32(options[4:8]),
				PreferredLifetime: binary.BigEndian.Uint32(options[8:12]),
				Prefix:            net.IP(append([]byte(nil), options[16:32]...)),
			})
		}
		options = options[optLen:]
	}
	return out
}
