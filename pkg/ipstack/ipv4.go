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
	"sync/atomic"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/neighbour"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/netip"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

const ipv4HeaderLen = 20

var (
	v4mu    sync.RWMutex
	v4addrs = map[*netdev.Device][]Addr{}

	v4Routes = newRouteTable()
	v4Reasm  = newReassemblyQueue(timer.NewWallClock())
	v4idCtr  uint32
)

// AddAddressV4 registers ip/mask on d and installs the matching
// directly-connected route (spec.md §4.9's per-NIC address table).
func AddAddressV4(d *netdev.Device, ip net.IP, mask net.IPMask) {
	v4mu.Lock()
	v4addrs[d] = append(v4addrs[d], Addr{IP: ip.To4(), Mask: mask})
	v4mu.Unlock()
	v4Routes.Add(Route{Dest: ip.Mask(mask), Mask: mask, Source: ip.To4(), Dev: d})
}

// AddDefaultRouteV4 installs a default route via gateway on d.
func AddDefaultRouteV4(d *netdev.Device, gateway net.IP) {
	v4Routes.Add(Route{Dest: net.IPv4zero, Mask: net.CIDRMask(0, 32), Gateway: gateway.To4(), Dev: d})
}

// DeviceAddressV4 returns the first IPv4 address registered on d, or
// nil. Wired into neighbour.ArpSrcAddr at package init.
func DeviceAddressV4(d *netdev.Device) net.IP {
	v4mu.RLock()
	defer v4mu.RUnlock()
	addrs := v4addrs[d]
	if len(addrs) == 0 {
		return nil
	}
	return addrs[0].IP
}

// AddressesV4 returns every IPv4 address registered on d, for the
// `ifconf`/`show` CLI commands.
func AddressesV4(d *netdev.Device) []Addr {
	v4mu.RLock()
	defer v4mu.RUnlock()
	out := make([]Addr, len(v4addrs[d]))
	copy(out, v4addrs[d])
	return out
}

// RoutesV4 returns every registered IPv4 route, for the `route` CLI
// command (spec.md §6).
func RoutesV4() []Route { return v4Routes.All() }

func isLocalV4(ip net.IP) bool {
	v4mu.RLock()
	defer v4mu.RUnlock()
	for _, addrs := range v4addrs {
		for _, a := range addrs {
			if a.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

func init() {
	neighbour.ArpSrcAddr = func(d *netdev.Device) net.IP { return DeviceAddressV4(d) }
}

// TxV4 is spec.md §4.9's IPv4 tx(pkb, dest_addr, ndev_hint): routes,
// fills source, fragments if needed, resolves the next-hop neighbour,
// and hands off to neighbour.Tx.
func TxV4(payload *pkb.PKB, protocol uint8, dst net.IP, devHint *netdev.Device) error {
	dst = dst.To4()
	if dst.Equal(net.IPv4bcast) {
		return txV4Broadcast(payload, protocol, devHint)
	}
	route, err := v4Routes.Lookup(dst)
	if err != nil {
		return err
	}
	d := route.Dev
	if devHint != nil {
		d = devHint
	}
	src := route.Source
	if src == nil {
		src = DeviceAddressV4(d)
	}
	nextHop := dst
	if route.Gateway != nil {
		nextHop = route.Gateway
	}

	mtu := d.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	maxPayload := mtu - ipv4HeaderLen

	total := payload.Len()
	if total <= maxPayload {
		return sendV4Datagram(payload, protocol, src, dst, d, nextHop, 0, false)
	}

	id := uint16(atomic.AddUint32(&v4idCtr, 1))
	data := append([]byte(nil), payload.Bytes()...)
	fragSize := maxPayload &^ 7 // multiple of 8 bytes
	for off := 0; off < len(data); off += fragSize {
		end := off + fragSize
		more := true
		if end >= len(data) {
			end = len(data)
			more = false
		}
		frag := pkb.Alloc(end - off)
		buf, ferr := frag.Put(end - off)
		if ferr != nil {
			return ferr
		}
		copy(buf, data[off:end])
		if err := sendV4DatagramID(frag, protocol, src, dst, d, nextHop, id, off/8, more); err != nil {
			return err
		}
	}
	return nil
}

func sendV4Datagram(payload *pkb.PKB, protocol uint8, src, dst net.IP, d *netdev.Device, nextHop net.IP, fragOffset int, more bool) error {
	id := uint16(atomic.AddUint32(&v4idCtr, 1))
	return sendV4DatagramID(payload, protocol, src, dst, d, nextHop, id, fragOffset, more)
}

// txV4Broadcast sends a limited-broadcast datagram straight to the
// link-layer broadcast address, bypassing routing and neighbour
// resolution — the DHCP DISCOVER path, which runs before the device
// has any address or route at all.
func txV4Broadcast(payload *pkb.PKB, protocol uint8, d *netdev.Device) error {
	if d == nil {
		return errno.New(errno.NetUnreachable, "ipv4: broadcast transmit needs a device")
	}
	src := DeviceAddressV4(d)
	if src == nil {
		src = net.IPv4zero.To4()
	}
	if err := pushV4Header(payload, protocol, src, net.IPv4bcast, 0, 0, false); err != nil {
		return err
	}
	proto, ok := link.Get(d.LLProtocol)
	if !ok {
		return errno.New(errno.NotSupported, "ipv4: unknown link protocol "+d.LLProtocol)
	}
	return link.NetTx(payload, d, link.ProtoIPv4, proto.Broadcast)
}

func sendV4DatagramID(payload *pkb.PKB, protocol uint8, src, dst net.IP, d *netdev.Device, nextHop net.IP, id uint16, fragOffset int, more bool) error {
	if err := pushV4Header(payload, protocol, src, dst, id, fragOffset, more); err != nil {
		return err
	}
	return neighbour.Tx(payload, d, neighbour.ProtoARP, nextHop.To4(), link.ProtoIPv4)
}

func pushV4Header(payload *pkb.PKB, protocol uint8, src, dst net.IP, id uint16, fragOffset int, more bool) error {
	hdr, err := payload.Push(ipv4HeaderLen)
	if err != nil {
		return err
	}
	length := uint16(payload.Len())
	hdr[0] = 0x45 // version 4, IHL 5
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], length)
	binary.BigEndian.PutUint16(hdr[4:6], id)
	flagsFrag := uint16(fragOffset & 0x1fff)
	if more {
		flagsFrag |= 0x2000
	}
	binary.BigEndian.PutUint16(hdr[6:8], flagsFrag)
	hdr[8] = 64 // TTL
	hdr[9] = protocol
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	copy(hdr[12:16], src.To4())
	copy(hdr[16:20], dst.To4())
	sum := netip.ComputeChecksum(hdr[:20])
	binary.BigEndian.PutUint16(hdr[10:12], sum)
	return nil
}

// RxV4 parses a received IPv4 datagram, reassembles fragments,
// verifies the header checksum, and dispatches the payload to the
// registered transport handler.
func RxV4(d *netdev.Device, p *pkb.PKB) error {
	buf := p.Bytes()
	if len(buf) < ipv4HeaderLen {
		return errno.New(errno.Protocol, "ipv4: short header")
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || ihl > len(buf) {
		return errno.New(errno.Protocol, "ipv4: bad IHL")
	}
	if netip.ComputeChecksum(buf[:ihl]) != 0 {
		return errno.New(errno.Protocol, "ipv4: bad checksum")
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	id := binary.BigEndian.Uint16(buf[4:6])
	flagsFrag := binary.BigEndian.Uint16(buf[6:8])
	more := flagsFrag&0x2000 != 0
	fragOffset := int(flagsFrag&0x1fff) * 8
	protocol := buf[9]
	src := net.IP(append([]byte(nil), buf[12:16]...))
	dst := net.IP(append([]byte(nil), buf[16:20]...))
	if totalLen > len(buf) {
		totalLen = len(buf)
	}
	payload := buf[ihl:totalLen]

	if more || fragOffset > 0 {
		full, ok := v4Reasm.Add(src, dst, id, protocol, fragOffset, append([]byte(nil), payload...), more)
		if !ok {
			return nil
		}
		payload = full
	}

	return dispatch(d, protocol, src, dst, payload)
}
