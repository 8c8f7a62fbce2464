//go:build unit

package pkb_test

import (
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/pkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPullPutUnput(t *testing.T) {
	p := pkb.Alloc(128)
	require.True(t, p.Invariant())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, pkb.DefaultHeadroom, p.Headroom())

	body, err := p.Put(4)
	require.NoError(t, err)
	copy(body, []byte{1, 2, 3, 4})
	assert.Equal(t, 4, p.Len())

	hdr, err := p.Push(2)
	require.NoError(t, err)
	copy(hdr, []byte{0xAA, 0xBB})
	assert.Equal(t, 6, p.Len())
	assert.Equal(t, []byte{0xAA, 0xBB, 1, 2, 3, 4}, p.Bytes())

	pulled, err := p.Pull(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, pulled)
	assert.Equal(t, 4, p.Len())

	require.NoError(t, p.Unput(1))
	assert.Equal(t, 3, p.Len())
	assert.True(t, p.Invariant())
}

func TestPushBeyondHeadroomFailsWithoutCorruption(t *testing.T) {
	p := pkb.AllocHeadroom(16, 4)
	_, err := p.Push(5)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoMemory))
	assert.True(t, p.Invariant())
}

func TestReservePreservesDataOffsetFromNewHead(t *testing.T) {
	p := pkb.AllocHeadroom(16, 4)
	_, err := p.Put(8)
	require.NoError(t, err)
	p.Reserve(20)
	assert.GreaterOrEqual(t, p.Headroom(), 20)
	assert.Equal(t, 8, p.Len())
	assert.True(t, p.Invariant())
}

func TestCloneIsIndependent(t *testing.T) {
	p := pkb.Alloc(4)
	b, _ := p.Put(4)
	copy(b, []byte{1, 2, 3, 4})

	c := p.Clone()
	cb, _ := c.Pull(0)
	_ = cb
	copy(c.Bytes(), []byte{9, 9, 9, 9})
	assert.Equal(t, []byte{1, 2, 3, 4}, p.Bytes())
}
