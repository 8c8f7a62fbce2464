//go:build unit

package kernel_test

import (
	"testing"

	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/stretchr/testify/assert"
)

func TestRefFreesExactlyOnce(t *testing.T) {
	freed := 0
	r := kernel.NewRef(func() { freed++ })

	r.Get() // count=2
	r.Get() // count=3
	assert.EqualValues(t, 3, r.Count())

	r.Put() // count=2
	r.Put() // count=1
	assert.Equal(t, 0, freed)

	r.Put() // count=0 -> free
	assert.Equal(t, 1, freed)
	assert.True(t, r.Freed())
}

func TestRefDoubleFreePanics(t *testing.T) {
	r := kernel.NewRef(func() {})
	r.Put()
	assert.Panics(t, func() {
		r.Get()
		r.Put()
		r.Put()
	})
}
