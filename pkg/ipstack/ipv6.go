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

package ipstack

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/neighbour"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

const ipv6HeaderLen = 40

var (
	v6mu     sync.RWMutex
	v6addrs  = map[*netdev.Device][]Addr{}
	v6Routes = newRouteTable()
)

// AddAddressV6 registers an IPv6 address on d, statically (config) or
// as the result of SLAAC.
func AddAddressV6(d *netdev.Device, ip net.IP, prefixLen int) {
	mask := net.CIDRMask(prefixLen, 128)
	v6mu.Lock()
	v6addrs[d] = append(v6addrs[d], Addr{IP: ip.To16(), Mask: mask})
	v6mu.Unlock()
	v6Routes.Add(Route{Dest: ip.Mask(mask), Mask: mask, Source: ip.To16(), Dev: d})
}

// DeviceAddressV6 returns the first IPv6 address registered on d.
func DeviceAddressV6(d *netdev.Device) net.IP {
	v6mu.RLock()
	defer v6mu.RUnlock()
	addrs := v6addrs[d]
	if len(addrs) == 0 {
		return nil
	}
	return addrs[0].IP
}

// AddressesV6 returns every IPv6 address registered on d.
func AddressesV6(d *netdev.Device) []Addr {
	v6mu.RLock()
	defer v6mu.RUnlock()
	out := make([]Addr, len(v6addrs[d]))
	copy(out, v6addrs[d])
	return out
}

// RoutesV6 returns every registered IPv6 route.
func RoutesV6() []Route { return v6Routes.All() }

func isLocalV6(ip net.IP) bool {
	v6mu.RLock()
	defer v6mu.RUnlock()
	for _, addrs := range v6addrs {
		for _, a := range addrs {
			if a.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// InterfaceIdentifier derives a stable EUI-64-style interface
// identifier from a link-layer address (spec.md §4.9 SLAAC).
func InterfaceIdentifier(llAddr []byte) []byte {
	id := make([]byte, 8)
	if len(llAddr) == 6 {
		copy(id[0:3], llAddr[0:3])
		id[3] = 0xff
		id[4] = 0xfe
		copy(id[5:8], llAddr[3:6])
		id[0] ^= 0x02 // flip universal/local bit
	} else {
		n := len(llAddr)
		if n > 8 {
			n = 8
		}
		copy(id[8-n:], llAddr[:n])
	}
	return id
}

func init() {
	neighbour.NdpTx = func(d *netdev.Device, dst net.IP, icmpv6Payload []byte) error {
		return txV6(d, DeviceAddressV6(d), dst, ProtoICMPv6, icmpv6Payload)
	}
}

// txV6 builds and sends an IPv6 datagram (no fragmentation: spec.md
// §4.9 notes fragmentation is "v4 only").
func txV6(d *netdev.Device, src, dst net.IP, nextHeader byte, payload []byte) error {
	if src == nil {
		src = net.IPv6unspecified
	}
	p := pkb.Alloc(ipv6HeaderLen + len(payload))
	buf, err := p.Put(ipv6HeaderLen + len(payload))
	if err != nil {
		return err
	}
	buf[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf[6] = nextHeader
	buf[7] = 255 // hop limit
	copy(buf[8:24], src.To16())
	copy(buf[24:40], dst.To16())
	copy(buf[40:], payload)

	nextHop := dst
	var ok bool
	if dst.IsMulticast() {
		return neighbourlessMulticastTx(p, d, dst)
	}
	route, rerr := v6Routes.Lookup(dst)
	if rerr == nil {
		if route.Gateway != nil {
			nextHop = route.Gateway
		}
		ok = true
	}
	_ = ok
	return neighbour.Tx(p, d, neighbour.ProtoNDP, nextHop.To16(), link.ProtoIPv6)
}

// neighbourlessMulticastTx sends directly to the Ethernet multicast
// address derived from an IPv6 multicast destination (RFC 2464),
// bypassing neighbour resolution — multicast never needs NDP.
func neighbourlessMulticastTx(p *pkb.PKB, d *netdev.Device, dst net.IP) error {
	mac := []byte{0x33, 0x33, dst[12], dst[13], dst[14], dst[15]}
	return link.NetTx(p, d, link.ProtoIPv6, mac)
}

// TxV6 is the public IPv6 transmit entry point for upper layers (UDP/
// TCP/ICMPv6), spec.md §4.9.
func TxV6(d *netdev.Device, dst net.IP, nextHeader byte, payload []byte) error {
	return txV6(d, DeviceAddressV6(d), dst, nextHeader, payload)
}

// RxV6 parses a received IPv6 datagram and dispatches by next header.
func RxV6(d *netdev.Device, p *pkb.PKB) error {
	buf := p.Bytes()
	if len(buf) < ipv6HeaderLen {
		return errno.New(errno.Protocol, "ipv6: short header")
	}
	payloadLen := int(binary.BigEndian.Uint16(buf[4:6]))
	nextHeader := buf[6]
	src := net.IP(append([]byte(nil), buf[8:24]...))
	dst := net.IP(append([]byte(nil), buf[24:40]...))
	end := ipv6HeaderLen + payloadLen
	if end > len(buf) {
		end = len(buf)
	}
	payload := buf[ipv6HeaderLen:end]

	if nextHeader == ProtoICMPv6 {
		return neighbour.HandleNDP(d, src, payload, isLocalV6, handleRA(d))
	}
	return dispatch(d, nextHeader, src, dst, payload)
}

// handleRA returns an onRA callback that performs SLAAC (spec.md
// §4.9): for each Prefix Information option with on-link+autonomous
// set and a non-zero valid lifetime, synthesise an address from the
// prefix plus a stable interface identifier, and if the RA's router
// lifetime is non-zero, install a default route via its source plus a
// subnet route for the prefix.
func handleRA(d *netdev.Device) func(src net.IP, options []byte, routerLifetime uint16) {
	return func(src net.IP, options []byte, routerLifetime uint16) {
		for _, opt := range neighbour.ParsePrefixOptions(options) {
			if opt.OnLink {
				v6Routes.Add(Route{Dest: opt.Prefix.Mask(net.CIDRMask(int(opt.PrefixLen), 128)), Mask: net.CIDRMask(int(opt.PrefixLen), 128), Dev: d})
			}
			if opt.Autonomous && opt.ValidLifetime > 0 {
				id := InterfaceIdentifier(d.LLAddr)
				addr := append([]byte(nil), opt.Prefix.To16()...)
				copy(addr[8:16], id)
				AddAddressV6(d, addr, int(opt.PrefixLen))
			}
		}
		if routerLifetime > 0 {
			v6Routes.Add(Route{Dest: net.IPv6unspecified, Mask: net.CIDRMask(0, 128), Gateway: src, Dev: d})
		}
	}
}
