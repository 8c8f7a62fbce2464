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

// Package pkb implements the packet buffer (pkb) of spec.md §3/§4.3:
// a contiguous byte region with head ≤ data ≤ tail ≤ end offsets that
// every layer of the stack grows or shrinks in place, never copying.
package pkb

import "github.com/netboot-go/ipxecore/pkg/errno"

// DefaultHeadroom is the minimum headroom reserved on Alloc. It covers
// the headers the stack pushes in front of a payload: a link-layer
// header plus an IPv4 header. Transport headers and the IPv6 header are
// written into the payload itself, not pushed into headroom.
const DefaultHeadroom = 64

// PKB is a packet buffer. head/data/tail/end are byte offsets into
// buf, and the invariant head <= data <= tail <= end must hold after
// every operation (spec.md §8's testable property).
type PKB struct {
	buf  []byte
	head int
	data int
	tail int
	end  int
}

// Alloc allocates a buffer of size bytes of payload plus at least
// DefaultHeadroom bytes of reserved headroom.
func Alloc(size int) *PKB {
	return AllocHeadroom(size, DefaultHeadroom)
}

// AllocHeadroom allocates a buffer with an explicit headroom size.
func AllocHeadroom(size, headroom int) *PKB {
	buf := make([]byte, headroom+size)
	return &PKB{
		buf:  buf,
		head: 0,
		data: headroom,
		tail: headroom,
		end:  len(buf),
	}
}

// Len returns the current payload length (tail - data).
func (p *PKB) Len() int { return p.tail - p.data }

// Headroom returns the free space before data (data - head).
func (p *PKB) Headroom() int { return p.data - p.head }

// Tailroom returns the free space after tail (end - tail).
func (p *PKB) Tailroom() int { return p.end - p.tail }

// Bytes returns the current payload [data:tail). The returned slice
// aliases the buffer; callers must not retain it past the next
// mutating call.
func (p *PKB) Bytes() []byte { return p.buf[p.data:p.tail] }

// Push grows the data region by n bytes into headroom, moving data
// backwards — used to prepend a header. Returns NoMemory rather than
// violating head <= data.
func (p *PKB) Push(n int) ([]byte, error) {
	if n < 0 || p.data-n < p.head {
		return nil, errno.New(errno.NoMemory, "pkb: push exceeds headroom")
	}
	p.data -= n
	return p.buf[p.data : p.data+n], nil
}

// Pull advances data forward by n bytes, consuming a header that has
// already been parsed.
func (p *PKB) Pull(n int) ([]byte, error) {
	if n < 0 || p.data+n > p.tail {
		return nil, errno.New(errno.InvalidArgument, "pkb: pull exceeds payload")
	}
	out := p.buf[p.data : p.data+n]
	p.data += n
	return out, nil
}

// Put extends tail by n bytes into tailroom, appending payload.
func (p *PKB) Put(n int) ([]byte, error) {
	if n < 0 || p.tail+n > p.end {
		return nil, errno.New(errno.NoMemory, "pkb: put exceeds tailroom")
	}
	out := p.buf[p.tail : p.tail+n]
	p.tail += n
	return out, nil
}

// Unput retracts tail by n bytes, discarding trailing payload.
func (p *PKB) Unput(n int) error {
	if n < 0 || p.tail-n < p.data {
		return errno.New(errno.InvalidArgument, "pkb: unput exceeds payload")
	}
	p.tail -= n
	return nil
}

// Reserve grows headroom to at least n bytes by reallocating; end
// grows to accommodate, data's offset from the new head is preserved
// per spec.md §4.3 ("Reallocation grows end only").
func (p *PKB) Reserve(n int) {
	if p.Headroom() >= n {
		return
	}
	grow := n - p.Headroom()
	newBuf := make([]byte, len(p.buf)+grow)
	copy(newBuf[grow:], p.buf)
	p.buf = newBuf
	p.data += grow
	p.tail += grow
	p.end += grow
}

// Invariant reports whether head <= data <= tail <= end still holds;
// exposed for tests that exercise the testable property in spec.md §8.
func (p *PKB) Invariant() bool {
	return p.head <= p.data && p.data <= p.tail && p.tail <= p.end
}

// Clone returns a deep copy, used when a layer needs to retain a copy
// of a packet (e.g. ARP's deferred-transmission queue logs do not need
// this, but TCP retransmission queues do).
func (p *PKB) Clone() *PKB {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &PKB{buf: buf, head: p.head, data: p.data, tail: p.tail, end: p.end}
}
