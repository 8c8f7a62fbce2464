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

// Package ipstack implements the IPv4/IPv6 network layer of spec.md
// §4.9: per-NIC address tables, route tables with longest-prefix
// match, fragmentation/reassembly, and demux into the transport layer
// via a tcpip_protocol table.
package ipstack

import (
	"net"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/netdev"
)

// Addr is one address registered on a device's per-NIC address table
// (spec.md §4.9).
type Addr struct {
	IP   net.IP
	Mask net.IPMask
}

// Route is one entry of a route table (spec.md §4.9).
type Route struct {
	Dest    net.IP
	Mask    net.IPMask
	Gateway net.IP
	Source  net.IP
	Dev     *netdev.Device
}

// routeTable holds routes for one IP version, consulted by
// longest-prefix match.
type routeTable struct {
	mu     sync.RWMutex
	routes []Route
}

func newRouteTable() *routeTable { return &routeTable{} }

// Add installs r, replacing nothing (multiple routes to the same
// prefix are permitted; Lookup returns the first longest match).
func (t *routeTable) Add(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
}

// Remove deletes every route through dev (used when a device is closed).
func (t *routeTable) Remove(dev *netdev.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.routes[:0]
	for _, r := range t.routes {
		if r.Dev != dev {
			out = append(out, r)
		}
	}
	t.routes = out
}

// Lookup finds the longest-prefix-matching route for dest. Returns
// NetUnreachable if none matches (spec.md §4.9).
func (t *routeTable) Lookup(dest net.IP) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := -1
	var bestRoute Route
	for _, r := range t.routes {
		if !r.Dest.Mask(r.Mask).Equal(dest.Mask(r.Mask)) {
			continue
		}
		ones, _ := r.Mask.Size()
		if ones > best {
			best = ones
			bestRoute = r
		}
	}
	if best < 0 {
		return Route{}, errno.New(errno.NetUnreachable, "ipstack: no route to "+dest.String())
	}
	return bestRoute, nil
}

// All returns every registered route, for `route` CLI output.
func (t *routeTable) All() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
