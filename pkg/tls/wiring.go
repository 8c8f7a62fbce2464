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

package tls

import (
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/proto/dns"
	proto_http "github.com/netboot-go/ipxecore/pkg/proto/http"
)

var sharedCache = NewSessionCache()

// dialHTTPS adapts Dial to pkg/proto/http's TLSDialer signature,
// registered below so an "https://" URI transparently layers TLS
// under the HTTP client without pkg/proto/http importing pkg/tls's
// full handshake machinery. host is resolved through the device's
// configured nameserver (spec.md §4.12) but kept as the ClientHello
// SNI / certificate-validation name regardless of the resolved
// address, matching scenario 2 of spec.md §8.
func dialHTTPS(dev *netdev.Device, host string, port uint16, deliver func([]byte), maxSteps int, poll func()) (proto_http.Stream, error) {
	ip, err := dns.ResolveViaDevice(dev, host, maxSteps, poll)
	if err != nil {
		return nil, err
	}
	c := Dial(dev, ip, port, host, InsecureValidator{}, sharedCache)
	c.AttachConsumer(deliver, nil)
	if err := c.Wait(maxSteps, poll); err != nil {
		return nil, err
	}
	return c, nil
}

func init() {
	proto_http.RegisterTLSDialer(dialHTTPS)
}
