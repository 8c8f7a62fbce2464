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

package dhcp

import (
	"net"
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionCodecRoundTrip(t *testing.T) {
	w := &optWriter{}
	w.put(optMsgType, []byte{msgOffer})
	w.put(optSubnetMask, []byte{255, 255, 255, 0})
	w.put(optRouter, []byte{10, 0, 2, 2})
	w.put(optEnd, nil)

	out := map[uint8][]byte{}
	parseOptions(w.Bytes(), out)
	assert.Equal(t, []byte{msgOffer}, out[optMsgType])
	assert.Equal(t, []byte{255, 255, 255, 0}, out[optSubnetMask])
	assert.Equal(t, []byte{10, 0, 2, 2}, out[optRouter])
}

func TestOptionWriterSplitsOversizedValues(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	w := &optWriter{}
	w.put(optPXEVendor, long)

	// Split TLVs with the same tag concatenate back into one value.
	out := map[uint8][]byte{}
	parseOptions(w.Bytes(), out)
	assert.Equal(t, long, out[optPXEVendor])
}

func TestParseHandlesPadAndTerminator(t *testing.T) {
	stream := []byte{optPad, optPad, optMsgType, 1, msgAck, optEnd, optRouter, 4, 9, 9, 9, 9}
	out := map[uint8][]byte{}
	parseOptions(stream, out)
	assert.Equal(t, []byte{msgAck}, out[optMsgType])
	_, present := out[optRouter]
	assert.False(t, present, "options after the terminator must be ignored")
}

func TestParseRejectsBadMagicCookie(t *testing.T) {
	pkt := buildPacket(0x12345678, nil, nil, make([]byte, 6), nil)
	pkt[236] = 0
	_, err := Parse(pkt)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.Protocol))
}

func TestPacketRoundTripPreservesHeaderFields(t *testing.T) {
	opts := (&optWriter{})
	opts.put(optMsgType, []byte{msgRequest})
	opts.put(optEnd, nil)
	mac := []byte{2, 0, 0, 0, 0, 60}
	raw := buildPacket(0xcafe1234, net.IPv4(10, 0, 2, 15), nil, mac, opts.Bytes())

	pkt, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafe1234), pkt.Xid)
	assert.Equal(t, byte(msgRequest), pkt.MsgType())
}

func TestParseOverloadedFileFieldAsOptions(t *testing.T) {
	opts := (&optWriter{})
	opts.put(optMsgType, []byte{msgAck})
	opts.put(52, []byte{1}) // file field holds options
	opts.put(optEnd, nil)
	raw := buildPacket(0x1111, nil, nil, make([]byte, 6), opts.Bytes())

	// Place a TLV stream in the file field.
	fileOpts := (&optWriter{})
	fileOpts.put(optHostname, []byte("netboot"))
	fileOpts.put(optEnd, nil)
	copy(raw[108:236], fileOpts.Bytes())

	pkt, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("netboot"), pkt.Options[optHostname])
	assert.Empty(t, pkt.File)
}

func TestParseReadsBootFileName(t *testing.T) {
	raw := buildPacket(0x2222, nil, nil, make([]byte, 6), []byte{optEnd})
	copy(raw[108:], "http://boot.example.com/ipxe\x00")
	pkt, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://boot.example.com/ipxe", pkt.File)
}

// dhcpHarness builds a client on a wired loopback device with a fake
// clock driving its retransmit timer.
func dhcpHarness(t *testing.T, name string) (*Client, *timer.FakeClock) {
	t.Helper()
	dev := netdev.NewLoopback(name, []byte{2, 0, 0, 0, 0, 61})
	require.NoError(t, dev.Open())
	ipstack.Wire(dev, "ethernet")
	clock := &timer.FakeClock{}
	c := NewWithClock(dev, clock)
	t.Cleanup(func() { c.conn.Close() })
	return c, clock
}

// serverReply builds a BOOTREPLY carrying the given message type and
// extra options, addressed to the client's transaction.
func serverReply(xid uint32, msgType byte, yourIP net.IP, extra func(w *optWriter)) []byte {
	w := &optWriter{}
	w.put(optMsgType, []byte{msgType})
	if extra != nil {
		extra(w)
	}
	w.put(optEnd, nil)
	pkt := buildPacket(xid, nil, yourIP, make([]byte, 6), w.Bytes())
	pkt[0] = opBootReply
	return pkt
}

func TestClientRunsDiscoverOfferRequestAck(t *testing.T) {
	c, clock := dhcpHarness(t, "dhcp-test-dora")
	c.Start()
	require.Equal(t, "discover", c.state)

	serverID := net.IPv4(10, 0, 2, 2).To4()
	c.onPacket(serverID, ServerPort, serverReply(c.xid, msgOffer, net.IPv4(10, 0, 2, 15), func(w *optWriter) {
		w.put(optServerID, serverID)
	}))
	require.Equal(t, "proxywait", c.state)

	// The ProxyDHCP window elapses with no proxy offer; REQUEST goes out.
	clock.Advance(timer.TicksPerSec + 1)
	c.Poll()
	require.Equal(t, "request", c.state)

	c.onPacket(serverID, ServerPort, serverReply(c.xid, msgAck, net.IPv4(10, 0, 2, 15), func(w *optWriter) {
		w.put(optServerID, serverID)
		w.put(optRouter, []byte{10, 0, 2, 2})
		w.put(optDNS, []byte{10, 0, 2, 3})
		w.put(optSubnetMask, []byte{255, 255, 255, 0})
	}))

	result, err := c.Wait(1, func() {})
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(10, 0, 2, 15).To4(), result.YourIP.To4())
	assert.Equal(t, net.IPv4(10, 0, 2, 2).To4(), result.Router.To4())
	assert.Equal(t, net.IPv4(10, 0, 2, 3).To4(), result.DNS.To4())

	// All options land in the NIC's settings block, and yiaddr is
	// fetchable under the synthetic "ip" tag.
	raw, ok := settings.FetchRaw(c.Dev.Settings, settings.NumericTag(optRouter))
	require.True(t, ok)
	assert.Equal(t, []byte{10, 0, 2, 2}, raw)
	raw, ok = settings.FetchRaw(c.Dev.Settings, settings.EncapsulatedTag(175, 0x40))
	require.True(t, ok)
	assert.Equal(t, net.IPv4(10, 0, 2, 15).To4(), net.IP(raw))
}

func TestClientMergesProxyDHCPOfferIntoSecondaryBlock(t *testing.T) {
	c, clock := dhcpHarness(t, "dhcp-test-proxy")
	c.Start()

	serverID := net.IPv4(10, 0, 2, 2).To4()
	c.onPacket(serverID, ServerPort, serverReply(c.xid, msgOffer, net.IPv4(10, 0, 2, 15), func(w *optWriter) {
		w.put(optServerID, serverID)
	}))
	require.Equal(t, "proxywait", c.state)

	// A ProxyDHCP offer (yiaddr zero) arrives within the window.
	c.onPacket(net.IPv4(10, 0, 2, 4), ServerPort, serverReply(c.xid, msgOffer, net.IPv4zero, func(w *optWriter) {
		w.put(optPXEVendor, []byte{6, 1, 8}) // discovery control
	}))

	require.NotNil(t, c.proxy)
	raw, ok := settings.FetchRaw(c.proxy, settings.NumericTag(optPXEVendor))
	require.True(t, ok)
	assert.Equal(t, []byte{6, 1, 8}, raw)

	// The primary lease block is untouched by the proxy options.
	_, ok = settings.FetchRaw(c.Dev.Settings, settings.NumericTag(optPXEVendor))
	assert.False(t, ok)

	clock.Advance(timer.TicksPerSec + 1)
	c.Poll()
	assert.Equal(t, "request", c.state)
}

func TestClientDropsMismatchedTransactionID(t *testing.T) {
	c, _ := dhcpHarness(t, "dhcp-test-xid")
	c.Start()

	serverID := net.IPv4(10, 0, 2, 2).To4()
	c.onPacket(serverID, ServerPort, serverReply(c.xid+1, msgOffer, net.IPv4(10, 0, 2, 15), func(w *optWriter) {
		w.put(optServerID, serverID)
	}))
	assert.Equal(t, "discover", c.state)
}

func TestClientTimesOutAfterRetryCeiling(t *testing.T) {
	c, clock := dhcpHarness(t, "dhcp-test-timeout")
	c.Start()

	// No server: DISCOVER retransmits back off 1s, 2s, 4s ... 64s until
	// the ceiling; the error surfaces as timed-out.
	var lastErr error
	for i := 0; i < timer.MaxRetries+2 && lastErr == nil; i++ {
		clock.Advance(timer.TicksPerSec * 64)
		c.Poll()
		select {
		case lastErr = <-c.err:
		default:
		}
	}
	require.Error(t, lastErr)
	assert.True(t, errno.IsTimedOut(lastErr))
}

func TestClientNakSurfacesConnectionReset(t *testing.T) {
	c, clock := dhcpHarness(t, "dhcp-test-nak")
	c.Start()

	serverID := net.IPv4(10, 0, 2, 2).To4()
	c.onPacket(serverID, ServerPort, serverReply(c.xid, msgOffer, net.IPv4(10, 0, 2, 15), func(w *optWriter) {
		w.put(optServerID, serverID)
	}))
	clock.Advance(timer.TicksPerSec + 1)
	c.Poll()
	require.Equal(t, "request", c.state)

	c.onPacket(serverID, ServerPort, serverReply(c.xid, msgNak, nil, nil))
	_, err := c.Wait(1, func() {})
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.ConnectionReset))
}

func TestTransactionIDsDifferPerClient(t *testing.T) {
	a, _ := dhcpHarness(t, "dhcp-test-xid-a")
	b, _ := dhcpHarness(t, "dhcp-test-xid-b")
	assert.NotEqual(t, a.xid, b.xid)
}
