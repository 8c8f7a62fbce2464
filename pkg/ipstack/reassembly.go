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

	"github.com/netboot-go/ipxecore/pkg/timer"
)

// ReassemblyTimeout bounds how long a partial datagram is held before
// being dropped (spec.md §4.9: "bounded reassembly buffer with timeout").
const ReassemblyTimeout = timer.TicksPerSec * 30

type fragKey struct {
	src, dst string
	id       uint16
	proto    uint8
}

type fragment struct {
	offset int
	data   []byte
	last   bool
}

type reassembly struct {
	frags   []fragment
	started timer.Tick
}

// reassemblyQueue reassembles IPv4 fragments (spec.md §4.9's IPv4-only
// fragmentation). Bounded by ReassemblyTimeout; entries not completed
// before then are dropped on the next Sweep.
type reassemblyQueue struct {
	mu    sync.Mutex
	clock timer.Clock
	queue map[fragKey]*reassembly
}

func newReassemblyQueue(clock timer.Clock) *reassemblyQueue {
	return &reassemblyQueue{clock: clock, queue: map[fragKey]*reassembly{}}
}

// Add inserts a fragment and returns the reassembled payload once the
// last fragment (offset 0..N contiguous, MF=0 terminal) has arrived.
func (q *reassemblyQueue) Add(src, dst net.IP, id uint16, proto uint8, offset int, data []byte, moreFragments bool) ([]byte, bool) {
	k := fragKey{src: src.String(), dst: dst.String(), id: id, proto: proto}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.queue[k]
	if !ok {
		r = &reassembly{started: q.clock.Now()}
		q.queue[k] = r
	}
	r.frags = append(r.frags, fragment{offset: offset, data: data, last: !moreFragments})

	if !q.complete(r) {
		return nil, false
	}
	out := q.assemble(r)
	delete(q.queue, k)
	return out, true
}

func (q *reassemblyQueue) complete(r *reassembly) bool {
	haveLast := false
	total := 0
	for _, f := range r.frags {
		if f.last {
			haveLast = true
			total = f.offset + len(f.data)
		}
	}
	if !haveLast {
		return false
	}
	covered := make([]bool, total)
	for _, f := range r.frags {
		for i := 0; i < len(f.data) && f.offset+i < total; i++ {
			covered[f.offset+i] = true
		}
	}
	for _, c := range covered {
		if !c {
			return false
		}
	}
	return true
}

func (q *reassemblyQueue) assemble(r *reassembly) []byte {
	total := 0
	for _, f := range r.frags {
		if f.last {
			total = f.offset + len(f.data)
		}
	}
	out := make([]byte, total)
	for _, f := range r.frags {
		copy(out[f.offset:], f.data)
	}
	return out
}

// Sweep drops any partial reassembly older than ReassemblyTimeout.
func (q *reassemblyQueue) Sweep() {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, r := range q.queue {
		if now-r.started > ReassemblyTimeout {
			delete(q.queue, k)
		}
	}
}
