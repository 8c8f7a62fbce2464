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

package transport

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAssignsDistinctEphemeralPorts(t *testing.T) {
	dev := netdev.NewLoopback("udp-test-ports", []byte{2, 0, 0, 0, 0, 50})
	a := Open(dev, nil, 0, false)
	b := Open(dev, nil, 0, false)
	defer a.Close()
	defer b.Close()
	assert.NotZero(t, a.LocalPort)
	assert.NotZero(t, b.LocalPort)
	assert.NotEqual(t, a.LocalPort, b.LocalPort)
}

func TestSendToRejectsNilDestination(t *testing.T) {
	dev := netdev.NewLoopback("udp-test-nildst", []byte{2, 0, 0, 0, 0, 51})
	c := Open(dev, nil, 0, false)
	defer c.Close()
	err := c.SendTo(nil, 53, []byte("query"))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.InvalidArgument))
}

func TestRxUDPDemultiplexesOnDestinationPort(t *testing.T) {
	dev := netdev.NewLoopback("udp-test-demux", []byte{2, 0, 0, 0, 0, 52})
	c := Open(dev, nil, 4011, false)
	defer c.Close()

	var gotPayload []byte
	var gotSrc net.IP
	var gotSrcPort uint16
	c.AttachConsumer(func(src net.IP, srcPort uint16, payload []byte) {
		gotSrc, gotSrcPort = src, srcPort
		gotPayload = append([]byte(nil), payload...)
	}, nil)

	datagram := make([]byte, udpHeaderLen+5)
	binary.BigEndian.PutUint16(datagram[0:2], 9999)
	binary.BigEndian.PutUint16(datagram[2:4], 4011)
	binary.BigEndian.PutUint16(datagram[4:6], uint16(len(datagram)))
	copy(datagram[udpHeaderLen:], "hello")

	src := net.IPv4(10, 52, 0, 9)
	require.NoError(t, rxUDP(dev, src, net.IPv4(10, 52, 0, 1), datagram))
	assert.Equal(t, []byte("hello"), gotPayload)
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, uint16(9999), gotSrcPort)

	// A datagram for an unbound port is silently dropped.
	binary.BigEndian.PutUint16(datagram[2:4], 4012)
	assert.NoError(t, rxUDP(dev, src, net.IPv4(10, 52, 0, 1), datagram))
}

func TestUDPSelfDeliveryOverLoopback(t *testing.T) {
	dev := netdev.NewLoopback("udp-test-e2e", []byte{2, 0, 0, 0, 0, 53})
	require.NoError(t, dev.Open())
	ipstack.Wire(dev, "ethernet")
	self := net.IPv4(10, 53, 0, 1)
	ipstack.AddAddressV4(dev, self, net.CIDRMask(24, 32))

	rx := Open(dev, self, 6969, false)
	defer rx.Close()
	var got []byte
	rx.AttachConsumer(func(src net.IP, srcPort uint16, payload []byte) {
		got = append([]byte(nil), payload...)
	}, nil)

	tx := Open(dev, self, 0, false)
	defer tx.Close()
	require.NoError(t, tx.SendTo(self, 6969, []byte("boot me")))

	// ARP request/reply round trip, then the datagram itself.
	for i := 0; i < 10 && got == nil; i++ {
		dev.Poll()
	}
	assert.Equal(t, []byte("boot me"), got)
}

func TestUDPCloseUnbindsAndCascadesToConsumer(t *testing.T) {
	dev := netdev.NewLoopback("udp-test-close", []byte{2, 0, 0, 0, 0, 54})
	c := Open(dev, nil, 7070, false)

	var closed bool
	consumer := c.AttachConsumer(func(net.IP, uint16, []byte) {}, func(error) { closed = true })

	c.Close()
	assert.True(t, closed)
	assert.True(t, consumer.IsNull())
	assert.True(t, c.Ref.Freed())

	udpMu.RLock()
	_, stillBound := udpConns[uint16(7070)]
	udpMu.RUnlock()
	assert.False(t, stillBound)

	c.Close() // idempotent
}
