//go:build unit

package intf_test

import (
	"errors"
	"testing"

	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOwner(freed *bool) (*kernel.Ref, *intf.Descriptor) {
	ref := kernel.NewRef(func() { *freed = true })
	desc := intf.NewDescriptor(ref, nil)
	return ref, desc
}

func TestPlugUnplugRefcounting(t *testing.T) {
	var aFreed, bFreed bool
	aRef, aDesc := newOwner(&aFreed)
	bRef, bDesc := newOwner(&bFreed)
	defer aRef.Put()
	defer bRef.Put()

	a := intf.New(aDesc)
	b := intf.New(bDesc)
	require.True(t, a.IsNull())
	require.True(t, b.IsNull())

	intf.Plug(a, b)
	assert.False(t, a.IsNull())
	assert.False(t, b.IsNull())
	assert.Equal(t, int32(2), aRef.Count())
	assert.Equal(t, int32(2), bRef.Count())

	intf.Unplug(a)
	assert.True(t, a.IsNull())
	assert.True(t, b.IsNull())
	assert.Equal(t, int32(1), aRef.Count())
	assert.Equal(t, int32(1), bRef.Count())
}

func TestCallDispatchesPresentOpAndMissesAbsentOp(t *testing.T) {
	var freed bool
	ref, desc := newOwner(&freed)
	defer ref.Put()

	var delivered []byte
	desc.Ops[intf.OpDeliver] = func(data []byte) { delivered = data }

	i := intf.New(desc)
	ok := intf.Call(i, intf.OpDeliver, func(fn func([]byte)) {
		fn([]byte{1, 2, 3})
	})
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, delivered)

	ok = intf.Call[intf.CloseFunc](i, intf.OpClose, func(fn intf.CloseFunc) {
		t.Fatal("OpClose must not be invoked when absent from the op table")
	})
	assert.False(t, ok)
}

func TestShutdownIsIdempotentOnShortCycle(t *testing.T) {
	var aFreed, bFreed bool
	aRef, aDesc := newOwner(&aFreed)
	bRef, bDesc := newOwner(&bFreed)

	var a, b *intf.Interface
	closes := 0
	aDesc.Ops[intf.OpClose] = intf.CloseFunc(func(reason error) {
		closes++
		// Each side acknowledges by shutting down its own leg, which
		// re-enters the other leg's Shutdown before either Unplug runs.
		intf.Shutdown(a, reason)
	})
	bDesc.Ops[intf.OpClose] = intf.CloseFunc(func(reason error) {
		closes++
		intf.Shutdown(b, reason)
	})

	a = intf.New(aDesc)
	b = intf.New(bDesc)
	intf.Plug(a, b)

	reason := errors.New("boom")
	intf.Shutdown(a, reason)

	assert.True(t, a.IsNull())
	assert.True(t, b.IsNull())
	assert.Equal(t, 2, closes, "both sides' close handlers fire exactly once; the guard blocks the re-entrant loop")

	aRef.Put()
	bRef.Put()
	assert.True(t, aFreed)
	assert.True(t, bFreed)
}
