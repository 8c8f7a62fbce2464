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
	"log/slog"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/neighbour"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

// Wire attaches the link+net-layer receive pipeline to d: strip the
// link header, then dispatch by net_proto (spec.md §4.7's receive
// path: "runs ll_protocol->pull ... and dispatches via a registered
// net-protocol table").
func Wire(d *netdev.Device, llProtocol string) {
	d.LLProtocol = llProtocol
	d.RxDeliver = RxFrame
}

var (
	extraMu sync.RWMutex
	extraRx = map[link.NetProto]func(d *netdev.Device, p *pkb.PKB, llSrc []byte){}
)

// RegisterNetProto wires a net_proto that rides straight on the link
// layer with no IP header of its own (AoE is the one shaper.ipxecore
// ships: spec.md §4.12 names it alongside iSCSI as a SAN transport,
// and real AoE is defined to run directly under EtherType 0x88A2,
// never encapsulated in IP). RxFrame consults this table for anything
// it does not itself know how to route, passing the link-layer source
// address through since some such protocols (AoE's config-command
// discovery) identify a peer by where its reply came from rather than
// by anything carried at the net layer.
func RegisterNetProto(proto link.NetProto, handler func(d *netdev.Device, p *pkb.PKB, llSrc []byte)) {
	extraMu.Lock()
	defer extraMu.Unlock()
	extraRx[proto] = handler
}

// Poll performs the network layer's periodic housekeeping — dropping
// partial reassemblies older than ReassemblyTimeout. Registered as a
// scheduler process next to neighbour.Poll.
func Poll() {
	v4Reasm.Sweep()
}

// RxFrame is the per-device receive entry point the scheduler drives
// through netdev.Device.Poll.
func RxFrame(d *netdev.Device, p *pkb.PKB) {
	_, llSrc, netProto, err := link.Pull(d, p)
	if err != nil {
		slog.Default().Debug("ipstack: link pull failed", "device", d.Name, "err", err)
		return
	}
	switch netProto {
	case link.ProtoIPv4:
		if err := RxV4(d, p); err != nil {
			slog.Default().Debug("ipstack: ipv4 rx failed", "device", d.Name, "err", err)
		}
	case link.ProtoIPv6:
		if err := RxV6(d, p); err != nil {
			slog.Default().Debug("ipstack: ipv6 rx failed", "device", d.Name, "err", err)
		}
	case link.ProtoARP:
		if err := neighbour.HandleARP(d, p, isLocalV4); err != nil {
			slog.Default().Debug("ipstack: arp rx failed", "device", d.Name, "err", err)
		}
	default:
		extraMu.RLock()
		handler, ok := extraRx[netProto]
		extraMu.RUnlock()
		if !ok {
			slog.Default().Debug("ipstack: unknown net_proto", "device", d.Name, "proto", netProto)
			return
		}
		handler(d, p, llSrc)
	}
}
