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

// Package intf implements the typed bidirectional interface (intf) of
// spec.md §3/§4.1: a plug-point on an rc-obj, dispatching operations
// to whatever it is currently plugged to. It replaces the C vtable
// with a small operation-keyed map per Descriptor, which is the
// idiomatic Go substitute spec.md §9 calls for ("so long as dispatch
// remains O(1) and does not allocate" — a map lookup on a pre-built,
// never-mutated table satisfies that in practice).
package intf

import "github.com/netboot-go/ipxecore/pkg/kernel"

// OpID identifies an operation a Descriptor may implement.
type OpID int

const (
	OpClose OpID = iota
	OpDeliver
	OpWindow
	OpSeek
)

// Descriptor is the table of operation implementations an owning
// rc-obj exposes on one of its interfaces, plus a reference to the
// owner so plug/unplug can take/release the owner's Ref.
type Descriptor struct {
	Owner *kernel.Ref
	Ops   map[OpID]any
}

// NewDescriptor builds a Descriptor for owner with the given
// operation table.
func NewDescriptor(owner *kernel.Ref, ops map[OpID]any) *Descriptor {
	if ops == nil {
		ops = map[OpID]any{}
	}
	return &Descriptor{Owner: owner, Ops: ops}
}

// Interface is a single plug-point: it knows its own Descriptor (what
// operations it answers to when addressed) and its Dest (the
// interface it currently forwards calls to). The null interface has
// Dest == itself.
type Interface struct {
	Descriptor *Descriptor
	Dest       *Interface

	// guard prevents re-entrant Shutdown calls on short cycles (two
	// interfaces of the same pair of objects plugged to each other)
	// from looping, per the cyclic-graph note in spec.md §9.
	guard bool
}

// New constructs a null interface (plugged to itself) for the given
// Descriptor.
func New(d *Descriptor) *Interface {
	i := &Interface{Descriptor: d}
	i.Dest = i
	return i
}

// IsNull reports whether the interface is unplugged (points to itself).
func (i *Interface) IsNull() bool {
	return i.Dest == i
}

// Plug connects a and b: each becomes the other's Dest, and each
// owner's Ref is incremented once — the interface model's only
// allocation-free way to keep an object alive while referenced.
func Plug(a, b *Interface) {
	if !a.IsNull() {
		Unplug(a)
	}
	if !b.IsNull() {
		Unplug(b)
	}
	a.Dest = b
	b.Dest = a
	if b.Descriptor != nil && b.Descriptor.Owner != nil {
		b.Descriptor.Owner.Get()
	}
	if a.Descriptor != nil && a.Descriptor.Owner != nil {
		a.Descriptor.Owner.Get()
	}
}

// Unplug disconnects i from its current Dest, restoring both to the
// null interface and releasing the reference Plug took.
func Unplug(i *Interface) {
	dest := i.Dest
	if dest == i {
		return
	}
	i.Dest = i
	dest.Dest = dest
	if dest.Descriptor != nil && dest.Descriptor.Owner != nil {
		dest.Descriptor.Owner.Put()
	}
	if i.Descriptor != nil && i.Descriptor.Owner != nil {
		i.Descriptor.Owner.Put()
	}
}

// Call dispatches op on i.Dest's Descriptor, invoking fn with impl
// cast to T. If the destination has no implementation for op, Call
// returns false and fn is not invoked — callers supply a typed
// default (e.g. Close forwards upward when absent).
func Call[T any](i *Interface, op OpID, fn func(T)) bool {
	if i == nil {
		return false
	}
	d := i.Dest.Descriptor
	if d == nil {
		return false
	}
	impl, ok := d.Ops[op]
	if !ok {
		return false
	}
	typed, ok := impl.(T)
	if !ok {
		return false
	}
	fn(typed)
	return true
}

// CloseFunc is the operation signature for OpClose: close(reason).
type CloseFunc func(reason error)

// DeliverFunc is the operation signature for OpDeliver: in-order
// payload handed up a data interface (the deliver_iob of spec.md
// §4.11).
type DeliverFunc func(payload []byte)

// WindowFunc is the operation signature for OpWindow: the receive
// window the consumer is currently willing to accept (the xfer_window
// of spec.md §4.11).
type WindowFunc func() uint32

// Shutdown sends close(reason) along i and unplugs it. It is
// idempotent: a re-entrant Shutdown arriving on the other leg of a
// short cycle (the guard flag) becomes a no-op, per spec.md §9.
func Shutdown(i *Interface, reason error) {
	if i == nil || i.IsNull() || i.guard {
		return
	}
	i.guard = true
	defer func() { i.guard = false }()

	dest := i.Dest
	Call[CloseFunc](i, OpClose, func(closeFn CloseFunc) {
		closeFn(reason)
	})
	Unplug(i)
	_ = dest
}
