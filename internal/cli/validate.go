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
	"fmt"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

// fetchVerbs are the commands whose first argument is fetched through
// the opener registry, so validation can reject a scheme no opener
// serves before the script ever runs (spec.md §4.6: "Unknown schemes
// fail at resolve time with ENOTSUP").
var fetchVerbs = map[string]bool{
	"chain": true, "imgfetch": true, "kernel": true, "initrd": true,
}

// ValidateScript checks script for syntax a running interpreter would
// reject outright — malformed quoting and unknown command verbs —
// without executing a single line, so `ipxed script validate` can
// catch a typo'd boot script before it ever touches a network device.
func ValidateScript(script string) error {
	scratch := settings.NewBlock("validate")
	for lineNo, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, seg := range splitChain(line) {
			if seg.line == "" {
				continue
			}
			argv, err := tokenizeExpand(scratch, seg.line)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			if len(argv) == 0 {
				continue
			}
			if _, ok := registry[argv[0]]; !ok {
				return fmt.Errorf("line %d: %w", lineNo+1, errno.New(errno.NoSuchEntity, argv[0]+": command not found"))
			}
			if fetchVerbs[argv[0]] && len(argv) > 1 {
				if u := uri.Parse(argv[1]); u.IsAbsolute() && !uri.Registered(u.Scheme) {
					return fmt.Errorf("line %d: %w", lineNo+1, errno.New(errno.NotSupported, argv[0]+": no opener for scheme "+u.Scheme))
				}
			}
		}
	}
	return nil
}
