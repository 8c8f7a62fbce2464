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

// Package kernel implements the reference-counted object (rc-obj) of
// spec.md §3/§4.1: every long-lived object in the stack embeds a Ref,
// whose Free callback runs exactly once, when the strong count drops
// to zero.
package kernel

import "sync/atomic"

// Ref is the reference-counting primitive every rc-obj embeds. The
// zero value is not usable; construct with NewRef.
type Ref struct {
	count int32
	free  func()
	freed bool
}

// NewRef constructs a Ref with strong count 1 and the given destructor.
// free must release all resources owned by the object before returning.
func NewRef(free func()) *Ref {
	return &Ref{count: 1, free: free}
}

// Get increments the strong count. Every successful Get must be
// matched by exactly one Put (the testable property in spec.md §8).
func (r *Ref) Get() {
	atomic.AddInt32(&r.count, 1)
}

// Put decrements the strong count and invokes free exactly once, the
// instant the count reaches zero.
func (r *Ref) Put() {
	if atomic.AddInt32(&r.count, -1) == 0 {
		if r.freed {
			panic("kernel: rc-obj freed twice")
		}
		r.freed = true
		if r.free != nil {
			r.free()
		}
	}
}

// Count returns the current strong count, for tests and diagnostics
// only — production code must never branch on it.
func (r *Ref) Count() int32 {
	return atomic.LoadInt32(&r.count)
}

// Freed reports whether this Ref's destructor has already run.
func (r *Ref) Freed() bool {
	return r.freed
}
