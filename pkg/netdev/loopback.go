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

package netdev

import "github.com/netboot-go/ipxecore/pkg/pkb"

// NewLoopback constructs a device whose Transmit immediately
// re-enqueues the packet on its own RX queue — the harness the
// end-to-end scenarios in spec.md §8 exercise the stack against
// without real hardware, as called out in SPEC_FULL.md §C.
func NewLoopback(name string, llAddr []byte) *Device {
	ops := Ops{
		Open:  func(d *Device) error { return nil },
		Close: func(d *Device, reason error) {},
		Transmit: func(d *Device, p *pkb.PKB) error {
			d.EnqueueRX(p)
			return nil
		},
		Poll: func(d *Device) {},
	}
	return New(name, ops, llAddr, 1500)
}

// NewLoopbackPair constructs two loopback-style devices wired so that
// a-side transmits deliver to b-side's RX queue and vice versa,
// simulating a veth pair for two-host integration tests.
func NewLoopbackPair(aName, bName string, aAddr, bAddr []byte) (*Device, *Device) {
	var a, b *Device
	aOps := Ops{
		Open:  func(d *Device) error { return nil },
		Close: func(d *Device, reason error) {},
		Transmit: func(d *Device, p *pkb.PKB) error {
			b.EnqueueRX(p)
			return nil
		},
		Poll: func(d *Device) {},
	}
	bOps := Ops{
		Open:  func(d *Device) error { return nil },
		Close: func(d *Device, reason error) {},
		Transmit: func(d *Device, p *pkb.PKB) error {
			a.EnqueueRX(p)
			return nil
		},
		Poll: func(d *Device) {},
	}
	a = New(aName, aOps, aAddr, 1500)
	b = New(bName, bOps, bAddr, 1500)
	return a, b
}
