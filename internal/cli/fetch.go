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

package cli

import (
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/kernel"
	"github.com/netboot-go/ipxecore/pkg/uri"

	// Each scheme's Opener registers itself at init time; the blank
	// imports link those registrations (and pkg/tls's HTTPS dialer)
	// into any binary that fetches.
	_ "github.com/netboot-go/ipxecore/pkg/proto/ftp"
	_ "github.com/netboot-go/ipxecore/pkg/proto/http"
	_ "github.com/netboot-go/ipxecore/pkg/proto/tftp"
	_ "github.com/netboot-go/ipxecore/pkg/tls"
)

// Fetch retrieves the body named by u through the scheme-keyed opener
// registry (spec.md §4.6): it builds the upstream data interface,
// hands it to uri.Open, and collects what the opener's plugged source
// delivers as OpDeliver, with the transfer's outcome arriving as
// OpClose. Unknown schemes fail with NotSupported at the registry.
func Fetch(ctx *Context, u *uri.URI) ([]byte, error) {
	var body []byte
	var closeReason error
	upstream := intf.New(intf.NewDescriptor(kernel.NewRef(nil), map[intf.OpID]any{
		intf.OpDeliver: intf.DeliverFunc(func(b []byte) { body = append(body, b...) }),
		intf.OpClose:   intf.CloseFunc(func(reason error) { closeReason = reason }),
	}))

	req := &uri.OpenRequest{URI: u, Dev: ctx.Device, MaxSteps: ctx.MaxSteps, Poll: ctx.Poll}
	if _, err := uri.Open(req, upstream); err != nil {
		return nil, err
	}
	if closeReason != nil {
		return nil, closeReason
	}
	return body, nil
}
