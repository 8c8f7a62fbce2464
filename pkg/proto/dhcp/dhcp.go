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

// Package dhcp implements the DHCPv4 client of spec.md §4.12: the
// standard DISCOVER/OFFER/REQUEST/ACK exchange, exponential-backoff
// retransmission, a ProxyDHCP merge window, and the PXE vendor
// options supplemented from original_source/ per SPEC_FULL.md §E.
package dhcp

import (
	"net"

	"github.com/google/uuid"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/netboot-go/ipxecore/pkg/transport"
)

const (
	ClientPort = 68
	ServerPort = 67

	opBootRequest = 1
	opBootReply   = 2
	htypeEther    = 1

	magicCookie = 0x63825363

	optPad          = 0
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optHostname     = 12
	optDomain       = 15
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMsgType      = 53
	optServerID     = 54
	optParamReqList = 55
	optClassID      = 60
	optClientID     = 61
	optUserClass    = 77
	optClientMID    = 97
	optPXEVendor    = 43
	optEnd          = 255
)

const (
	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6
)

// DeadlineTicks bounds the overall DHCP acquisition time absent any
// response (spec.md §8 scenario 6: "default 60s").
const DeadlineTicks = timer.TicksPerSec * 60

// Result is the outcome of a successful DHCP acquisition.
type Result struct {
	YourIP     net.IP
	ServerIP   net.IP
	Router     net.IP
	DNS        net.IP
	Options    map[uint8][]byte
	BootFile   string
}

// Client drives the DHCP state machine for one network device.
type Client struct {
	Dev   *netdev.Device
	conn  *transport.UDPConn
	xid   uint32
	clock timer.Clock

	retry  *timer.RetryTimer
	result chan *Result
	err    chan error
	state  string

	offerYourIP   net.IP
	offerServerID net.IP
	proxy         *settings.Block
}

// New constructs a Client bound to dev's broadcast-capable UDP socket.
func New(dev *netdev.Device) *Client {
	return NewWithClock(dev, timer.NewWallClock())
}

// NewWithClock constructs a Client with an injected tick source, so
// tests can advance the retransmit backoff deterministically.
func NewWithClock(dev *netdev.Device, clock timer.Clock) *Client {
	conn := transport.Open(dev, net.IPv4zero, ClientPort, false)
	c := &Client{Dev: dev, conn: conn, xid: randomXID(), clock: clock, result: make(chan *Result, 1), err: make(chan error, 1)}
	conn.AttachConsumer(c.onPacket, nil)
	c.retry = timer.New(c.clock, timer.TicksPerSec, timer.TicksPerSec*64)
	return c
}

var xidCtr uint32 = 0x1a2b3c4d

func randomXID() uint32 {
	xidCtr = xidCtr*1103515245 + 12345
	return xidCtr
}

// Start sends the initial DISCOVER. Callers drive the exchange
// forward by stepping the owning scheduler (the retry timer and
// the plugged packet consumer are both scheduler-driven); Poll must be called once
// per pass.
func (c *Client) Start() {
	c.state = "discover"
	c.sendDiscover()
	c.retry.Expired = func(t *timer.RetryTimer, failed bool) {
		if failed {
			c.err <- errno.New(errno.TimedOut, "dhcp: no response to DISCOVER")
			return
		}
		switch c.state {
		case "discover":
			c.sendDiscover()
		case "proxywait":
			// ProxyDHCP window closed; proceed with the recorded offer.
			c.sendRequest(c.offerYourIP, c.offerServerID)
		case "request":
			c.sendRequest(c.offerYourIP, c.offerServerID)
		}
		t.Start()
	}
	c.retry.Start()
}

// Poll steps the retry timer; call once per scheduler pass.
func (c *Client) Poll() { c.retry.Poll() }

// Close releases the client's UDP binding, shutting down its side of
// the interface graph.
func (c *Client) Close() { c.conn.Close() }

// Wait blocks (via WaitFor-style polling) until the acquisition
// completes or fails. poll is called once per attempt.
func (c *Client) Wait(maxSteps int, poll func()) (*Result, error) {
	for i := 0; i < maxSteps; i++ {
		select {
		case r := <-c.result:
			return r, nil
		case e := <-c.err:
			return nil, e
		default:
		}
		poll()
	}
	select {
	case r := <-c.result:
		return r, nil
	case e := <-c.err:
		return nil, e
	default:
		return nil, errno.New(errno.TimedOut, "dhcp: deadline exceeded")
	}
}

func (c *Client) buildOptions(msgType byte, extra func(opts *optWriter)) []byte {
	w := &optWriter{}
	w.put(optMsgType, []byte{msgType})
	w.put(optParamReqList, []byte{optSubnetMask, optRouter, optDNS, optHostname, optDomain})
	w.put(optClassID, []byte("PXEClient:Arch:00000:UNDI:003016"))
	u := machineUUID()
	w.put(optClientMID, append([]byte{0}, u[:]...))
	if extra != nil {
		extra(w)
	}
	w.put(optEnd, nil)
	return w.Bytes()
}

var cachedUUID uuid.UUID

func machineUUID() uuid.UUID {
	if cachedUUID == uuid.Nil {
		cachedUUID = uuid.New()
	}
	return cachedUUID
}

func (c *Client) sendDiscover() {
	opts := c.buildOptions(msgDiscover, nil)
	pkt := buildPacket(c.xid, net.IPv4zero, net.IPv4zero, c.Dev.LLAddr, opts)
	_ = c.conn.SendTo(net.IPv4bcast, ServerPort, pkt)
}

func (c *Client) sendRequest(yourIP, serverIP net.IP) {
	c.state = "request"
	opts := c.buildOptions(msgRequest, func(w *optWriter) {
		w.put(optRequestedIP, yourIP.To4())
		w.put(optServerID, serverIP.To4())
	})
	pkt := buildPacket(c.xid, net.IPv4zero, net.IPv4zero, c.Dev.LLAddr, opts)
	_ = c.conn.SendTo(net.IPv4bcast, ServerPort, pkt)
}

func (c *Client) onPacket(src net.IP, srcPort uint16, payload []byte) {
	pkt, err := Parse(payload)
	if err != nil || pkt.Xid != c.xid {
		return
	}
	msgType, opts := pkt.MsgType(), pkt.Options
	switch msgType {
	case msgOffer:
		switch c.state {
		case "discover":
			if isZeroIP(pkt.YourIP) {
				c.mergeProxy(opts)
				return
			}
			c.offerYourIP = pkt.YourIP
			c.offerServerID = net.IP(opts[optServerID])
			// Hold the offer for up to the minimum retry interval (1s)
			// so a ProxyDHCP offer can still arrive and be merged.
			c.state = "proxywait"
			c.retry.Stop()
			c.retry.Start()
		case "proxywait":
			if isZeroIP(pkt.YourIP) {
				c.mergeProxy(opts)
			}
		}
	case msgAck:
		if c.state != "request" {
			return
		}
		c.retry.Stop()
		result := &Result{YourIP: pkt.YourIP, ServerIP: net.IP(opts[optServerID]), Options: opts}
		if v, ok := opts[optRouter]; ok && len(v) >= 4 {
			result.Router = net.IP(v[:4])
		}
		if v, ok := opts[optDNS]; ok && len(v) >= 4 {
			result.DNS = net.IP(v[:4])
		}
		result.BootFile = pkt.File
		applyToSettings(c.Dev.Settings, result)
		c.result <- result
	case msgNak:
		if c.state == "request" {
			c.retry.Stop()
			c.err <- errno.New(errno.ConnectionReset, "dhcp: server sent NAK")
		}
	}
}

func isZeroIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero)
}

// mergeProxy stores a ProxyDHCP offer's options into a secondary
// settings block registered under the device's own block, keeping them
// distinct from the primary lease (spec.md §4.12).
func (c *Client) mergeProxy(opts map[uint8][]byte) {
	if c.proxy == nil {
		c.proxy = settings.NewBlock(c.Dev.Name + ".proxydhcp")
		settings.RegisterSettings(c.proxy, c.Dev.Settings)
	}
	for tag, value := range opts {
		settings.StoreRaw(c.proxy, settings.NumericTag(tag), value)
	}
}
