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

package image

import (
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

// scriptShebang is the marker an iPXE script starts with (spec.md §6:
// "a fetched image beginning with #!ipxe is interpreted as a script
// rather than executed"), mirroring script.c's image_is_script.
const scriptShebang = "#!ipxe"

// Executor runs a script image's text. internal/cli registers this at
// init time; image cannot import internal/cli directly (cli already
// imports image to imgload/imgexec a fetched script), so the hook is
// the same deferred-wiring pattern pkg/proto/http uses for
// RegisterTLSDialer and pkg/ipstack for RegisterNetProto.
var Executor func(script string) error

type scriptType struct{}

func (scriptType) Name() string { return "script" }

func (scriptType) Probe(img *Image) bool {
	return strings.HasPrefix(string(img.Data), scriptShebang)
}

// Load is a no-op: a script has no machine code to place in memory.
func (scriptType) Load(img *Image, mem *Memory) (uint32, error) {
	return 0, nil
}

// Exec hands the script text to the registered Executor. Without one
// registered (e.g. a test building pkg/image in isolation) this
// reports NotSupported rather than silently discarding the script.
func (scriptType) Exec(img *Image, mem *Memory, entry uint32) (ExecResult, error) {
	if Executor == nil {
		return ExecResult{}, errno.New(errno.NotSupported, "image: no script executor registered")
	}
	if err := Executor(string(img.Data)); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{}, nil
}
