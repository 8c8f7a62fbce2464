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

import (
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPKB(t *testing.T, payload []byte) *pkb.PKB {
	t.Helper()
	p := pkb.Alloc(len(payload))
	buf, err := p.Put(len(payload))
	require.NoError(t, err)
	copy(buf, payload)
	return p
}

func TestEnqueueTXFailsWhileLinkDown(t *testing.T) {
	d := New("netdev-test-down", Ops{}, []byte{2, 0, 0, 0, 0, 9}, 1500)
	err := d.EnqueueTX(testPKB(t, []byte("x")))
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NetUnreachable))

	require.NoError(t, d.Open())
	assert.NoError(t, d.EnqueueTX(testPKB(t, []byte("x"))))
}

func TestPollDrainsOneTXAndOneRXPerPass(t *testing.T) {
	var transmitted [][]byte
	ops := Ops{
		Transmit: func(d *Device, p *pkb.PKB) error {
			transmitted = append(transmitted, append([]byte(nil), p.Bytes()...))
			return nil
		},
	}
	d := New("netdev-test-pass", ops, []byte{2, 0, 0, 0, 0, 10}, 1500)
	require.NoError(t, d.Open())

	require.NoError(t, d.EnqueueTX(testPKB(t, []byte("one"))))
	require.NoError(t, d.EnqueueTX(testPKB(t, []byte("two"))))

	var received [][]byte
	d.RxDeliver = func(dev *Device, p *pkb.PKB) {
		received = append(received, append([]byte(nil), p.Bytes()...))
	}
	d.EnqueueRX(testPKB(t, []byte("rx-a")))
	d.EnqueueRX(testPKB(t, []byte("rx-b")))

	d.Poll()
	assert.Equal(t, [][]byte{[]byte("one")}, transmitted)
	assert.Equal(t, [][]byte{[]byte("rx-a")}, received)

	d.Poll()
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, transmitted)
	assert.Equal(t, [][]byte{[]byte("rx-a"), []byte("rx-b")}, received)
}

func TestCloseFlushesQueuesAndRecordsReason(t *testing.T) {
	d := NewLoopback("netdev-test-close", []byte{2, 0, 0, 0, 0, 11})
	require.NoError(t, d.Open())
	require.NoError(t, d.EnqueueTX(testPKB(t, []byte("pending"))))

	reason := errno.New(errno.Canceled, "ifclose")
	d.Close(reason)
	assert.False(t, d.LinkUp)
	assert.Equal(t, reason, d.LinkReason)

	// No queued frame survives the close.
	var polled bool
	d.RxDeliver = func(dev *Device, p *pkb.PKB) { polled = true }
	d.Poll()
	assert.False(t, polled)
}

func TestLoopbackTransmitArrivesOnOwnRXQueue(t *testing.T) {
	d := NewLoopback("netdev-test-lo", []byte{2, 0, 0, 0, 0, 12})
	require.NoError(t, d.Open())

	var got []byte
	d.RxDeliver = func(dev *Device, p *pkb.PKB) { got = append([]byte(nil), p.Bytes()...) }

	require.NoError(t, d.EnqueueTX(testPKB(t, []byte("echo"))))
	d.Poll() // transmit -> RX queue
	d.Poll() // RX queue -> RxDeliver
	assert.Equal(t, []byte("echo"), got)
}

func TestLoopbackPairCrossDelivers(t *testing.T) {
	a, b := NewLoopbackPair("netdev-test-pair-a", "netdev-test-pair-b",
		[]byte{2, 0, 0, 0, 0, 13}, []byte{2, 0, 0, 0, 0, 14})
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	var got []byte
	b.RxDeliver = func(dev *Device, p *pkb.PKB) { got = append([]byte(nil), p.Bytes()...) }

	require.NoError(t, a.EnqueueTX(testPKB(t, []byte("a-to-b"))))
	a.Poll()
	b.Poll()
	assert.Equal(t, []byte("a-to-b"), got)
}

func TestByNameFindsRegisteredDevice(t *testing.T) {
	d := NewLoopback("netdev-test-byname", []byte{2, 0, 0, 0, 0, 15})
	found, ok := ByName("netdev-test-byname")
	require.True(t, ok)
	assert.Same(t, d, found)

	_, ok = ByName("netdev-test-missing")
	assert.False(t, ok)
}
