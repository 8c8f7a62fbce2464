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

// Package netdev implements the network-device registry and Device
// type of spec.md §3/§4.7: link-layer address, hardware address, MTU,
// link state, TX/RX queues, an operations vtable, and a per-device
// settings block.
package netdev

import (
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/metrics"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/netboot-go/ipxecore/pkg/settings"
)

// Ops is the operations vtable a driver implements (spec.md §4.7's
// "{open, close, transmit, poll, irq}").
type Ops struct {
	Open      func(d *Device) error
	Close     func(d *Device, reason error)
	Transmit  func(d *Device, p *pkb.PKB) error
	Poll      func(d *Device)
	IRQEnable func(d *Device, enable bool)
}

// Device is a network device (spec.md §3 "Net device").
type Device struct {
	Name        string
	LLAddr      []byte // hardware (link-layer) address
	MTU         int
	LinkUp      bool
	LinkReason  error // nil if up, the reason code otherwise
	Settings    *settings.Block
	LLProtocol  string // registered link.Protocol name, e.g. "ethernet"

	ops Ops

	mu      sync.Mutex
	txQueue []*pkb.PKB
	rxQueue []*pkb.PKB

	// RxDeliver is invoked once per packet pulled from the RX queue
	// during Poll, with the raw frame (link-layer header still in
	// place; the receiver does the link-layer pull); it is set by whatever
	// wires this device into the stack (pkg/ipstack's registration
	// point).
	RxDeliver func(d *Device, p *pkb.PKB)
}

var (
	registryMu sync.RWMutex
	registry   []*Device
)

// New constructs and registers a device. It does not call Open —
// callers (the CLI's `ifopen`, or a test harness) open it explicitly.
func New(name string, ops Ops, llAddr []byte, mtu int) *Device {
	d := &Device{
		Name:     name,
		LLAddr:   llAddr,
		MTU:      mtu,
		ops:      ops,
		Settings: settings.NewBlock(name),
	}
	settings.RegisterSettings(d.Settings, nil)
	registryMu.Lock()
	registry = append(registry, d)
	registryMu.Unlock()
	return d
}

// All returns every registered device, in registration order.
func All() []*Device {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Device, len(registry))
	copy(out, registry)
	return out
}

// ByName finds a registered device by name.
func ByName(name string) (*Device, bool) {
	for _, d := range All() {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Open brings the device up (spec.md's `ifopen`).
func (d *Device) Open() error {
	if d.ops.Open == nil {
		d.LinkUp = true
		return nil
	}
	if err := d.ops.Open(d); err != nil {
		d.LinkUp = false
		d.LinkReason = err
		return err
	}
	d.LinkUp = true
	d.LinkReason = nil
	return nil
}

// Close tears the device down (spec.md's `ifclose`), cascading reason
// to any owner that cares.
func (d *Device) Close(reason error) {
	d.LinkUp = false
	d.LinkReason = reason
	if d.ops.Close != nil {
		d.ops.Close(d, reason)
	}
	d.mu.Lock()
	for _, p := range d.txQueue {
		_ = p
	}
	d.txQueue = nil
	d.rxQueue = nil
	d.mu.Unlock()
}

// EnqueueTX appends p to the device's TX queue (spec.md §4.7's
// transmit path: "enqueues on the device TX queue; the device op
// drains the queue").
func (d *Device) EnqueueTX(p *pkb.PKB) error {
	if !d.LinkUp {
		return errno.New(errno.NetUnreachable, "netdev: device not open: "+d.Name)
	}
	d.mu.Lock()
	d.txQueue = append(d.txQueue, p)
	d.mu.Unlock()
	return nil
}

// EnqueueRX appends p to the device's RX queue; drivers call this
// from their interrupt/poll path when a frame arrives.
func (d *Device) EnqueueRX(p *pkb.PKB) {
	d.mu.Lock()
	d.rxQueue = append(d.rxQueue, p)
	d.mu.Unlock()
}

// Poll drains one queued TX packet (calling the driver's Transmit) and
// pulls at most one packet from the RX queue per pass, dispatching it
// to RxDeliver — "runs one packet through the RX pipeline per device
// per pass, giving drivers priority over downstream processing"
// (spec.md §4.4).
func (d *Device) Poll() {
	metrics.NetDevicePolls.WithLabelValues(d.Name).Inc()

	d.mu.Lock()
	var tx *pkb.PKB
	if len(d.txQueue) > 0 {
		tx = d.txQueue[0]
		d.txQueue = d.txQueue[1:]
	}
	d.mu.Unlock()
	if tx != nil && d.ops.Transmit != nil {
		if err := d.ops.Transmit(d, tx); err == nil {
			metrics.BytesTX.Add(float64(tx.Len()))
		}
	}

	if d.ops.Poll != nil {
		d.ops.Poll(d)
	}

	d.mu.Lock()
	var rx *pkb.PKB
	if len(d.rxQueue) > 0 {
		rx = d.rxQueue[0]
		d.rxQueue = d.rxQueue[1:]
	}
	d.mu.Unlock()
	if rx != nil {
		metrics.BytesRX.Add(float64(rx.Len()))
		if d.RxDeliver != nil {
			d.RxDeliver(d, rx)
		}
	}
}
