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
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netboot-go/ipxecore/pkg/errno"
)

func TestSplitChainLinearSegments(t *testing.T) {
	segs := splitChain("dhcp && chain http://x/y || echo failed")
	require.Len(t, segs, 3)
	assert.Equal(t, segment{op: "", line: "dhcp"}, segs[0])
	assert.Equal(t, segment{op: "&&", line: "chain http://x/y"}, segs[1])
	assert.Equal(t, segment{op: "||", line: "echo failed"}, segs[2])
}

func TestExecLineAndOrFlowControl(t *testing.T) {
	ctx := newTestContext(t, "flow-test-dev")
	out := &bytes.Buffer{}
	ctx.Stdout = out

	// isset on an unset name fails, so && is skipped and || runs; the
	// || catching the failure means the line as a whole succeeds.
	require.NoError(t, ctx.ExecLine("isset nosuch && echo yes || echo no"))
	assert.Contains(t, out.String(), "\nno\n")
	assert.NotContains(t, out.String(), "yes")
	assert.Equal(t, 0, ctx.Status)
}

func TestFailedCommandPrintsErrorLineAndMapsStatus(t *testing.T) {
	ctx := newTestContext(t, "status-test-dev")
	out := &bytes.Buffer{}
	ctx.Stdout = out

	err := ctx.ExecLine("isset nosuch")
	require.Error(t, err)
	// "<cmd>: <message> (<hex code>)" per the interpreter's error
	// reporting contract, and $? carries the errno magnitude.
	assert.Contains(t, out.String(), "isset:")
	assert.Contains(t, out.String(), "(0x")
	assert.Equal(t, 2, ctx.Status) // ENOENT magnitude
}

func TestStatusOfMapsErrnoMagnitude(t *testing.T) {
	assert.Equal(t, 110, statusOf(errno.New(errno.TimedOut, "x")))
	assert.Equal(t, 2, statusOf(errno.New(errno.NoSuchEntity, "x")))
	assert.Equal(t, 110, statusOf(fmt.Errorf("wrapped: %w", errno.New(errno.TimedOut, "x"))))
	assert.Equal(t, 1, statusOf(fmt.Errorf("plain")))
}

func TestCommentAndBlankLinesAreIgnored(t *testing.T) {
	ctx := newTestContext(t, "comment-test-dev")
	require.NoError(t, ctx.ExecLine("#!ipxe"))
	require.NoError(t, ctx.ExecLine("   "))
	assert.Equal(t, 0, ctx.Status)
}

func TestUnknownCommandFails(t *testing.T) {
	ctx := newTestContext(t, "unknown-test-dev")
	err := ctx.ExecLine("frobnicate")
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.NoSuchEntity))
}

func TestRunScriptStopsAtExit(t *testing.T) {
	ctx := newTestContext(t, "exit-test-dev")
	out := &bytes.Buffer{}
	ctx.Stdout = out
	require.NoError(t, ctx.RunScript("echo one\nexit\necho two\n"))
	assert.Contains(t, out.String(), "one")
	assert.NotContains(t, out.String(), "two")
}
