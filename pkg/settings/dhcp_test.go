//go:build unit

package settings_test

import (
	"net"
	"testing"

	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVRoundTrip(t *testing.T) {
	opts := []settings.RawOption{
		{Number: 1, Value: []byte{10, 0, 2, 15}},
		{Number: 3, Value: []byte{10, 0, 2, 2}},
		{Number: 67, Value: []byte("pxelinux.0")},
	}

	encoded := settings.EncodeTLV(opts)
	decoded, err := settings.DecodeTLV(encoded)
	require.NoError(t, err)
	assert.Equal(t, opts, decoded)
}

func TestDecodeTLVSkipsPadAndStopsAtEnd(t *testing.T) {
	data := []byte{0, 0, 53, 1, 5, 255, 67, 1, 9} // trailing bytes after 255 are ignored
	decoded, err := settings.DecodeTLV(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, uint8(53), decoded[0].Number)
	assert.Equal(t, []byte{5}, decoded[0].Value)
}

func TestDecodeTLVConcatenatesRepeatedTag(t *testing.T) {
	data := []byte{252, 3, 'a', 'b', 'c', 252, 2, 'd', 'e', 255}
	decoded, err := settings.DecodeTLV(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, []byte("abcde"), decoded[0].Value)
}

func TestDecodeTLVTruncatedLengthErrors(t *testing.T) {
	_, err := settings.DecodeTLV([]byte{53})
	require.Error(t, err)
}

func TestDecodeTLVValueOverrunErrors(t *testing.T) {
	_, err := settings.DecodeTLV([]byte{53, 10, 1, 2})
	require.Error(t, err)
}

func TestDecodeIntoBlockHandlesEncapsulatedOptions(t *testing.T) {
	nested := settings.EncodeTLV([]settings.RawOption{
		{Number: 0xb0, Value: []byte{1}},
	})
	stream := settings.EncodeTLV([]settings.RawOption{
		{Number: 1, Value: []byte{10, 0, 2, 15}},
		{Number: 175, Value: nested[:len(nested)-1]}, // drop inner terminator before re-wrapping
	})

	b := settings.NewBlock("nic0")
	require.NoError(t, settings.DecodeIntoBlock(b, stream))

	v, err := settings.Fetch(b, settings.NumericTag(1), settings.TypeIPv4)
	require.NoError(t, err)
	assert.NotNil(t, v)

	priority, err := settings.Fetch(b, settings.EncapsulatedTag(175, 0xb0), settings.TypeUint8)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), priority)
}

func TestEncodeFromBlockRoundTripsThroughDecodeIntoBlock(t *testing.T) {
	b := settings.NewBlock("nic0")
	require.NoError(t, settings.Store(b, settings.NumericTag(1), settings.TypeIPv4, mustIP("10.0.2.15")))
	require.NoError(t, settings.Store(b, settings.EncapsulatedTag(175, 0xb0), settings.TypeUint8, uint8(3)))

	wire := settings.EncodeFromBlock(b)

	b2 := settings.NewBlock("nic0-replay")
	require.NoError(t, settings.DecodeIntoBlock(b2, wire))

	v, err := settings.Fetch(b2, settings.NumericTag(1), settings.TypeIPv4)
	require.NoError(t, err)
	assert.True(t, mustIP("10.0.2.15").Equal(v.(net.IP)))

	priority, err := settings.Fetch(b2, settings.EncapsulatedTag(175, 0xb0), settings.TypeUint8)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), priority)
}

func mustIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad test IP literal: " + s)
	}
	return ip
}
