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

package link

import (
	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
)

// NetTx is spec.md §4.7's net_tx(pkb, ndev, net_proto, ll_dest): it
// pushes a link header via the device's registered link Protocol and
// enqueues the frame on the device TX queue. The device's own Poll
// reaps completions and drains the queue; NetTx does not block.
func NetTx(p *pkb.PKB, d *netdev.Device, netProto NetProto, llDest []byte) error {
	proto, ok := Get(d.LLProtocol)
	if !ok {
		return errno.New(errno.NotSupported, "link: unknown link protocol "+d.LLProtocol)
	}
	if err := proto.Push(p, llDest, d.LLAddr, netProto); err != nil {
		return err
	}
	return d.EnqueueTX(p)
}

// Pull strips and identifies the link header of a received frame
// using the device's registered link Protocol.
func Pull(d *netdev.Device, p *pkb.PKB) (llDest, llSrc []byte, netProto NetProto, err error) {
	proto, ok := Get(d.LLProtocol)
	if !ok {
		return nil, nil, 0, errno.New(errno.NotSupported, "link: unknown link protocol "+d.LLProtocol)
	}
	return proto.Pull(p)
}
