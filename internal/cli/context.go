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
	"io"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/image"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/san"
	"github.com/netboot-go/ipxecore/pkg/scheduler"
	"github.com/netboot-go/ipxecore/pkg/settings"
)

// Command is one registered verb (spec.md §6's command table). argv[0]
// is the command name itself.
type Command func(ctx *Context, argv []string) error

var registry = map[string]Command{}

// Register installs a command under name, overwriting any previous
// registration. Called from init() by the files in this package that
// implement individual commands, the same static-table idiom
// pkg/image's type registry and pkg/uri's opener registry use.
func Register(name string, cmd Command) {
	registry[name] = cmd
}

// Context is the interpreter's mutable state across one invocation: a
// scheduler to drive blocking operations to completion, the settings
// scope commands read/write, the chosen network device, any hooked
// SAN device, and loaded images keyed by name for `imgload`/`imgexec`.
type Context struct {
	Scheduler *scheduler.Scheduler
	Settings  *settings.Block
	Device    *netdev.Device
	Stdout    io.Writer

	MaxSteps int // bound on poll iterations a blocking command will wait

	San *san.Device

	images map[string]*image.Image
	memory *image.Memory

	// Status is the last command's exit status: 0 for success,
	// non-zero otherwise (spec.md §7's `$?`).
	Status int
	exit    bool
	exitErr error
}

// New constructs a Context ready to execute lines against scope, with
// sched driving blocking operations and dev as the current network
// device.
func New(sched *scheduler.Scheduler, scope *settings.Block, dev *netdev.Device) *Context {
	return &Context{
		Scheduler: sched,
		Settings:  scope,
		Device:    dev,
		MaxSteps:  10000,
		images:    map[string]*image.Image{},
	}
}

// Poll drives the scheduler once; commands waiting on a network
// operation pass this as their poll function.
func (ctx *Context) Poll() {
	if ctx.Scheduler != nil {
		ctx.Scheduler.Step()
	}
}

// Exit requests the interpreter stop running further lines, as the
// `exit` command does.
func (ctx *Context) Exit(err error) {
	ctx.exit = true
	ctx.exitErr = err
}

func (ctx *Context) println(a ...any) {
	if ctx.Stdout == nil {
		return
	}
	fmt.Fprintln(ctx.Stdout, a...)
}

// segment is one step of a `&&`/`||` chain: Op is empty for the first
// segment, "&&" or "||" for every following one.
type segment struct {
	op   string
	line string
}

// splitChain splits a line into forward-only `&&`/`||` segments
// (spec.md §7: evaluated strictly left to right, no operator
// precedence or grouping — the original interpreter has no parser for
// parenthesised boolean expressions, only a linear command sequence).
func splitChain(line string) []segment {
	var segs []segment
	rest := line
	op := ""
	for {
		andIdx := strings.Index(rest, "&&")
		orIdx := strings.Index(rest, "||")
		cut := -1
		nextOp := ""
		switch {
		case andIdx < 0 && orIdx < 0:
		case andIdx < 0:
			cut, nextOp = orIdx, "||"
		case orIdx < 0:
			cut, nextOp = andIdx, "&&"
		case andIdx < orIdx:
			cut, nextOp = andIdx, "&&"
		default:
			cut, nextOp = orIdx, "||"
		}
		if cut < 0 {
			segs = append(segs, segment{op: op, line: strings.TrimSpace(rest)})
			break
		}
		segs = append(segs, segment{op: op, line: strings.TrimSpace(rest[:cut])})
		rest = rest[cut+2:]
		op = nextOp
	}
	return segs
}

// ExecLine runs one line of script (possibly a `&&`/`||` chain),
// updating ctx.Status after each segment actually run and
// short-circuiting segments the previous segment's status excludes.
func (ctx *Context) ExecLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	var lastErr error
	run := true
	for _, seg := range splitChain(line) {
		switch seg.op {
		case "&&":
			run = ctx.Status == 0
		case "||":
			run = ctx.Status != 0
		}
		if !run || seg.line == "" {
			continue
		}
		lastErr = ctx.execOne(seg.line)
		if lastErr != nil {
			ctx.Status = statusOf(lastErr)
			ctx.println(errno.Format(commandName(seg.line), lastErr))
		} else {
			ctx.Status = 0
		}
		if ctx.exit {
			return ctx.exitErr
		}
	}
	return lastErr
}

// statusOf maps a failure into the unsigned exit status scripts see as
// `$?`: the errno magnitude truncated to a byte, 1 for anything that
// carries no numeric code.
func statusOf(err error) int {
	var e *errno.Errno
	for cur := err; cur != nil; {
		if as, ok := cur.(*errno.Errno); ok {
			e = as
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e == nil {
		return 1
	}
	if s := (-e.Code()) & 0xff; s != 0 {
		return s
	}
	return 1
}

// commandName extracts the leading word of a script line for the
// "<cmd>: <error> (<code>)" line spec.md §7 requires. It splits on
// whitespace only (no tokenizing or expansion), so a line that fails to
// tokenize is still named by its first word; a blank line is returned
// as is.
func commandName(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	return fields[0]
}

func (ctx *Context) execOne(line string) error {
	argv, err := tokenizeExpand(ctx.Settings, line)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return nil
	}
	cmd, ok := registry[argv[0]]
	if !ok {
		return errno.New(errno.NoSuchEntity, fmt.Sprintf("%s: command not found", argv[0]))
	}
	return cmd(ctx, argv)
}

// RunScript executes the lines of script in order through ExecLine.
// It returns at the first line whose error ExecLine does not absorb
// (no `||` catches it), or when a command calls ctx.Exit (e.g. `exit`);
// the lines after a failed command are not run.
func (ctx *Context) RunScript(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := ctx.ExecLine(line); err != nil {
			return err
		}
		if ctx.exit {
			return ctx.exitErr
		}
	}
	return nil
}

func init() {
	// Closes the loop pkg/image's script loader opens: a fetched
	// `#!ipxe` image defers to whatever internal/cli registers here.
	// The hook runs the script against a detached Context sharing no
	// state with the caller's; a real firmware build wires this to
	// the same Context that issued the imgexec/boot/chain command.
	image.Executor = func(script string) error {
		return defaultExecutor(script)
	}
}

// defaultExecutor is overridden by SetDefaultContext so a running
// firmware's single Context (holding its settings scope, scheduler,
// and device) is the one a script image actually executes against.
var defaultExecutor = func(script string) error {
	return errno.New(errno.NotSupported, "cli: no context installed for script execution")
}

// SetDefaultContext installs ctx as the target for script images
// loaded via pkg/image (the `chain`/`imgexec` path), avoiding the
// import cycle a direct pkg/image -> internal/cli dependency would
// create.
func SetDefaultContext(ctx *Context) {
	defaultExecutor = ctx.RunScript
}
