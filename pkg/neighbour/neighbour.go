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

// Package neighbour implements the shared neighbour cache of spec.md
// §3/§4.8: ARP (IPv4) and NDP (IPv6) both resolve through one cache
// indexed by (netdev, net_protocol, net_addr), each entry carrying a
// retransmit timer and a deferred-transmission queue.
package neighbour

import (
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/link"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/timer"
)

// MaxCacheEntries bounds the cache; eviction prefers the oldest
// resolved entry with no pending packets (spec.md §4.8).
const MaxCacheEntries = 256

// ArpMinTimeout / ArpMaxTimeout are ARP's backoff bounds (spec.md
// §4.8: "min 125 ms, max 3 s").
const (
	ArpMinTimeout = timer.TicksPerSec / 8 // 125ms
	ArpMaxTimeout = timer.TicksPerSec * 3
)

// Resolver is implemented once per network protocol (ARP for IPv4,
// NDP for IPv6): it knows how to emit a solicitation for netAddr on
// d, and how many retries / what backoff bounds to use.
type Resolver interface {
	ProtoName() string
	Solicit(d *netdev.Device, netAddr []byte) error
	MinTimeout() timer.Tick
	MaxTimeout() timer.Tick
}

type entryKey struct {
	dev      *netdev.Device
	protocol string
	addr     string
}

// Entry is a neighbour cache entry (spec.md §3).
type Entry struct {
	Dev      *netdev.Device
	Protocol string
	NetAddr  []byte
	LLAddr   []byte
	Resolved bool

	timer   *timer.RetryTimer
	pending []*pkb.PKB
	age     int64
}

var (
	mu      sync.Mutex
	cache   = map[entryKey]*Entry{}
	clock   timer.Clock = timer.NewWallClock()
	ageCtr  int64
	resolvers = map[string]Resolver{}
)

// SetClock overrides the clock entries' retry timers use (tests).
func SetClock(c timer.Clock) { clock = c }

// RegisterResolver installs r under r.ProtoName().
func RegisterResolver(r Resolver) {
	mu.Lock()
	defer mu.Unlock()
	resolvers[r.ProtoName()] = r
}

func keyFor(d *netdev.Device, protocol string, addr []byte) entryKey {
	return entryKey{dev: d, protocol: protocol, addr: string(addr)}
}

// Tx is spec.md §4.8's `tx(pkb, ndev, net_protocol, net_addr)`: if the
// entry is resolved the link-layer transmit happens immediately;
// otherwise the packet is queued and, if this is a new entry, a
// resolution is kicked off.
func Tx(p *pkb.PKB, d *netdev.Device, protocol string, netAddr []byte, netProto link.NetProto) error {
	mu.Lock()
	k := keyFor(d, protocol, netAddr)
	e, ok := cache[k]
	if !ok {
		evictIfFull()
		r, ok := resolvers[protocol]
		if !ok {
			mu.Unlock()
			return errno.New(errno.NotSupported, "neighbour: no resolver for protocol "+protocol)
		}
		e = &Entry{Dev: d, Protocol: protocol, NetAddr: append([]byte(nil), netAddr...), age: nextAge()}
		e.timer = timer.New(clock, r.MinTimeout(), r.MaxTimeout())
		e.timer.Expired = func(t *timer.RetryTimer, failed bool) {
			onExpire(k, failed)
		}
		cache[k] = e
		mu.Unlock()
		if err := r.Solicit(d, netAddr); err != nil {
			return err
		}
		e.timer.Start()
		mu.Lock()
	}

	if e.Resolved {
		llDest := append([]byte(nil), e.LLAddr...)
		mu.Unlock()
		return link.NetTx(p, d, netProto, llDest)
	}
	e.pending = append(e.pending, p)
	mu.Unlock()
	return nil
}

// Poll steps every entry's retry timer; call once per scheduler pass.
func Poll() {
	mu.Lock()
	entries := make([]*Entry, 0, len(cache))
	for _, e := range cache {
		entries = append(entries, e)
	}
	mu.Unlock()
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Poll()
		}
	}
}

func onExpire(k entryKey, failed bool) {
	mu.Lock()
	e, ok := cache[k]
	if !ok {
		mu.Unlock()
		return
	}
	if failed {
		pending := e.pending
		e.pending = nil
		delete(cache, k)
		mu.Unlock()
		for _, p := range pending {
			_ = p // dropped; caller retains no reference after Tx handoff
		}
		return
	}
	r := resolvers[e.Protocol]
	d, addr := e.Dev, e.NetAddr
	mu.Unlock()
	if r != nil {
		_ = r.Solicit(d, addr)
	}
	e.timer.Start()
}

// Resolve is called by a protocol's reply handler (ARP reply, NDP
// neighbour advertisement) once it has learned an address mapping. It
// marks the entry resolved, stops the retry timer, and flushes the
// deferred queue in FIFO order.
func Resolve(d *netdev.Device, protocol string, netAddr, llAddr []byte, netProto link.NetProto) {
	k := keyFor(d, protocol, netAddr)
	mu.Lock()
	e, ok := cache[k]
	if !ok {
		e = &Entry{Dev: d, Protocol: protocol, NetAddr: append([]byte(nil), netAddr...), age: nextAge()}
		cache[k] = e
	}
	e.LLAddr = append([]byte(nil), llAddr...)
	e.Resolved = true
	if e.timer != nil {
		e.timer.Stop()
	}
	pending := e.pending
	e.pending = nil
	mu.Unlock()

	for _, p := range pending {
		_ = link.NetTx(p, d, netProto, llAddr)
	}
}

func nextAge() int64 {
	ageCtr++
	return ageCtr
}

// evictIfFull makes room once the cache is at capacity: preferring the
// oldest resolved entry with no pending packets, falling back to the
// oldest pending entry, whose queued packets are dropped and whose
// retry timer is stopped (spec.md §4.8, scenario 5 in §8). Caller must
// hold mu.
func evictIfFull() {
	if len(cache) < MaxCacheEntries {
		return
	}
	var oldestKey entryKey
	var oldestAge int64 = -1
	for k, e := range cache {
		if e.Resolved && len(e.pending) == 0 {
			if oldestAge == -1 || e.age < oldestAge {
				oldestAge = e.age
				oldestKey = k
			}
		}
	}
	if oldestAge == -1 {
		for k, e := range cache {
			if oldestAge == -1 || e.age < oldestAge {
				oldestAge = e.age
				oldestKey = k
			}
		}
	}
	if oldestAge != -1 {
		if e := cache[oldestKey]; e.timer != nil {
			e.timer.Stop()
		}
		delete(cache, oldestKey)
	}
}

// Lookup returns the cached entry, for tests and diagnostics.
func Lookup(d *netdev.Device, protocol string, netAddr []byte) (*Entry, bool) {
	mu.Lock()
	defer mu.Unlock()
	e, ok := cache[keyFor(d, protocol, netAddr)]
	return e, ok
}

// Reset clears the cache (tests only).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cache = map[entryKey]*Entry{}
}
