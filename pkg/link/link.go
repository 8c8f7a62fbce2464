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

// Package link implements the link-layer protocols of spec.md §4.7:
// Ethernet and IPoIB, each exposing push/pull framing plus address
// formatting, registered in a table keyed by protocol name so
// pkg/netdev devices can be wired to whichever one they use.
package link

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

// NetProto identifies the network-layer protocol carried in a link
// header (spec.md's net_proto), e.g. 0x0800 for IPv4, 0x0806 for ARP,
// 0x86DD for IPv6 — the Ethernet EtherType values, reused verbatim by
// IPoIB's equivalent field.
type NetProto uint16

const (
	ProtoIPv4 NetProto = 0x0800
	ProtoARP  NetProto = 0x0806
	ProtoIPv6 NetProto = 0x86DD
	ProtoAoE  NetProto = 0x88A2
)

// Protocol is the link-layer protocol vtable of spec.md §4.7.
type Protocol struct {
	Name       string
	AddrLen    int
	Push       func(p *pkb.PKB, llDest, llSrc []byte, netProto NetProto) error
	Pull       func(p *pkb.PKB) (llDest, llSrc []byte, netProto NetProto, err error)
	NToA       func(addr []byte) string
	Broadcast  []byte
}

var (
	mu        sync.RWMutex
	protocols = map[string]*Protocol{}
)

// Register installs protocol under its own Name.
func Register(p *Protocol) {
	mu.Lock()
	defer mu.Unlock()
	protocols[p.Name] = p
}

// Get resolves a registered Protocol by name.
func Get(name string) (*Protocol, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := protocols[name]
	return p, ok
}

// ethernetHeaderLen is dest(6) + src(6) + ethertype(2).
const ethernetHeaderLen = 14

// Ethernet is the Ethernet II link protocol (spec.md §6: "Ethernet II,
// 802.1Q tags optional" — tagged frames are not produced; if pulled,
// the 4-byte tag is treated as part of an unsupported protocol and
// rejected, since nothing in spec.md's scope needs VLAN tagging).
var Ethernet = &Protocol{
	Name:      "ethernet",
	AddrLen:   6,
	Broadcast: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	Push: func(p *pkb.PKB, llDest, llSrc []byte, netProto NetProto) error {
		if len(llDest) != 6 || len(llSrc) != 6 {
			return errno.New(errno.InvalidArgument, "ethernet: address must be 6 bytes")
		}
		hdr, err := p.Push(ethernetHeaderLen)
		if err != nil {
			return err
		}
		copy(hdr[0:6], llDest)
		copy(hdr[6:12], llSrc)
		binary.BigEndian.PutUint16(hdr[12:14], uint16(netProto))
		return nil
	},
	Pull: func(p *pkb.PKB) ([]byte, []byte, NetProto, error) {
		hdr, err := p.Pull(ethernetHeaderLen)
		if err != nil {
			return nil, nil, 0, err
		}
		dest := append([]byte(nil), hdr[0:6]...)
		src := append([]byte(nil), hdr[6:12]...)
		proto := NetProto(binary.BigEndian.Uint16(hdr[12:14]))
		return dest, src, proto, nil
	},
	NToA: func(addr []byte) string {
		if len(addr) != 6 {
			return ""
		}
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	},
}

// ipoibHeaderLen is the 24-byte IPoIB encapsulation header this package
// emits (2-byte net_proto + 2 reserved bytes + 20-byte peer address), reduced here to the
// fields the spec actually dispatches on: net_proto plus an opaque
// address blob the neighbour cache treats as a flat byte string.
const ipoibHeaderLen = 24

// IPoIB is the InfiniBand link protocol named in spec.md §2 (C8).
var IPoIB = &Protocol{
	Name:    "ipoib",
	AddrLen: 20,
	Push: func(p *pkb.PKB, llDest, llSrc []byte, netProto NetProto) error {
		if len(llDest) != 20 || len(llSrc) != 20 {
			return errno.New(errno.InvalidArgument, "ipoib: address must be 20 bytes")
		}
		hdr, err := p.Push(ipoibHeaderLen)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(hdr[0:2], uint16(netProto))
		copy(hdr[4:24], llDest)
		return nil
	},
	Pull: func(p *pkb.PKB) ([]byte, []byte, NetProto, error) {
		hdr, err := p.Pull(ipoibHeaderLen)
		if err != nil {
			return nil, nil, 0, err
		}
		proto := NetProto(binary.BigEndian.Uint16(hdr[0:2]))
		dest := append([]byte(nil), hdr[4:24]...)
		return dest, nil, proto, nil
	},
	NToA: func(addr []byte) string {
		return fmt.Sprintf("%x", addr)
	},
}

func init() {
	Register(Ethernet)
	Register(IPoIB)
}
