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
	"net"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/netdev"
)

// Protocol numbers dispatched by the tcpip_protocol table (spec.md
// §4.9's "dispatches by next-header/protocol to the transport layer
// via a table of tcpip_protocol entries").
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// TransportHandler receives a demultiplexed transport-layer payload.
type TransportHandler func(d *netdev.Device, src, dst net.IP, payload []byte) error

var (
	handlersMu sync.RWMutex
	handlers   = map[uint8]TransportHandler{}
)

// RegisterTransport installs the handler for an IP protocol number.
func RegisterTransport(proto uint8, h TransportHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[proto] = h
}

func dispatch(d *netdev.Device, proto uint8, src, dst net.IP, payload []byte) error {
	handlersMu.RLock()
	h, ok := handlers[proto]
	handlersMu.RUnlock()
	if !ok {
		return nil // no registered consumer; silently drop, as real ipxe does
	}
	return h(d, src, dst, payload)
}
