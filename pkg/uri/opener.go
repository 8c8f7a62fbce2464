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
	"strings"
	"sync"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/intf"
	"github.com/netboot-go/ipxecore/pkg/netdev"
)

// OpenRequest carries what an Opener needs to reach the network: the
// URI itself, the device to open it over, and the maxSteps/poll pair
// that drives the owning scheduler while the opener's protocol client
// runs — the same idiom every blocking call in this stack uses.
type OpenRequest struct {
	URI      *URI
	Dev      *netdev.Device
	MaxSteps int
	Poll     func()
}

// Opener opens a data source for req.URI, plugging the resulting
// object's data interface to upstream and returning it. Retrieved
// bytes are dispatched to upstream as OpDeliver and the transfer's
// outcome as OpClose. Schemes register one Opener each (spec.md §4.6:
// "opener registry keyed by scheme").
type Opener func(req *OpenRequest, upstream *intf.Interface) (*intf.Interface, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register installs the opener for scheme, overwriting any previous
// registration — image types and settings types are fully static per
// spec.md §9, but openers (like net devices) are genuinely dynamic.
func Register(scheme string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[strings.ToLower(scheme)] = o
}

// Open resolves req.URI's scheme in the registry and invokes its
// Opener. Unknown schemes fail with NotSupported, per spec.md §4.6.
func Open(req *OpenRequest, upstream *intf.Interface) (*intf.Interface, error) {
	openersMu.RLock()
	o, ok := openers[strings.ToLower(req.URI.Scheme)]
	openersMu.RUnlock()
	if !ok {
		return nil, errno.New(errno.NotSupported, "uri: no opener registered for scheme "+req.URI.Scheme)
	}
	return o(req, upstream)
}

// Registered reports whether scheme has a registered opener, used by
// the CLI to validate a `chain`/`imgfetch` argument before dispatch.
func Registered(scheme string) bool {
	openersMu.RLock()
	defer openersMu.RUnlock()
	_, ok := openers[strings.ToLower(scheme)]
	return ok
}
