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

package uri

import (
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector builds an upstream interface that records OpDeliver
// payloads and the OpClose reason, the consumer half every Opener
// plugs its source against.
func collector() (*intf.Interface, *[]byte, *error) {
	var body []byte
	var reason error
	i := intf.New(intf.NewDescriptor(kernel.NewRef(nil), map[intf.OpID]any{
		intf.OpDeliver: intf.DeliverFunc(func(b []byte) { body = append(body, b...) }),
		intf.OpClose:   intf.CloseFunc(func(err error) { reason = err }),
	}))
	return i, &body, &reason
}

func TestOpenDispatchesThroughRegisteredOpener(t *testing.T) {
	Register("fake-scheme", func(req *OpenRequest, upstream *intf.Interface) (*intf.Interface, error) {
		src := intf.New(intf.NewDescriptor(kernel.NewRef(nil), nil))
		intf.Plug(src, upstream)
		intf.Call[intf.DeliverFunc](src, intf.OpDeliver, func(fn intf.DeliverFunc) {
			fn([]byte("payload for " + req.URI.Path))
		})
		intf.Shutdown(src, nil)
		return src, nil
	})

	upstream, body, reason := collector()
	src, err := Open(&OpenRequest{URI: Parse("fake-scheme://host/boot.img")}, upstream)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload for /boot.img"), *body)
	assert.Nil(t, *reason)
	// The opener shut the pair down before returning.
	assert.True(t, src.IsNull())
	assert.True(t, upstream.IsNull())
}

func TestOpenUnknownSchemeFailsNotSupported(t *testing.T) {
	upstream, _, _ := collector()
	_, err := Open(&OpenRequest{URI: Parse("gopher://example.com/x")}, upstream)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NotSupported))
}

func TestOpenSchemeLookupIsCaseInsensitive(t *testing.T) {
	Register("mixed", func(req *OpenRequest, upstream *intf.Interface) (*intf.Interface, error) {
		src := intf.New(intf.NewDescriptor(kernel.NewRef(nil), nil))
		intf.Plug(src, upstream)
		intf.Shutdown(src, nil)
		return src, nil
	})
	upstream, _, _ := collector()
	_, err := Open(&OpenRequest{URI: Parse("MIXED://h/p")}, upstream)
	assert.NoError(t, err)
	assert.True(t, Registered("Mixed"))
}