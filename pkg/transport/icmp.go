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

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/netip"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

const (
	icmpEchoRequest = 8
	icmpEchoReply   = 0
	icmpDestUnreach = 3
)

// rxICMP answers echo requests and otherwise drops (spec.md §6:
// "ICMP echo / destination-unreachable").
func rxICMP(d *netdev.Device, src, dst net.IP, payload []byte) error {
	if len(payload) < 8 {
		return errno.New(errno.Protocol, "icmp: short message")
	}
	if payload[0] != icmpEchoRequest {
		return nil
	}
	reply := append([]byte(nil), payload...)
	reply[0] = icmpEchoReply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	sum := netip.ComputeChecksum(reply)
	binary.BigEndian.PutUint16(reply[2:4], sum)

	p := pkb.Alloc(len(reply))
	out, err := p.Put(len(reply))
	if err != nil {
		return err
	}
	copy(out, reply)
	return ipstack.TxV4(p, ipstack.ProtoICMP, src, d)
}

func init() {
	ipstack.RegisterTransport(ipstack.ProtoICMP, rxICMP)
}
