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
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/image"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

func init() {
	Register("echo", cmdEcho)
	Register("set", cmdSet)
	Register("clear", cmdClear)
	Register("show", cmdShow)
	Register("isset", cmdIsset)
	Register("exit", cmdExit)
	Register("sleep", cmdSleep)
	Register("imgfetch", cmdImgFetch)
	Register("imgload", cmdImgLoad)
	Register("imgexec", cmdImgExec)
	Register("chain", cmdChain)
	Register("boot", cmdImgExec)
	Register("kernel", cmdImgFetch)
	Register("initrd", cmdImgFetch)
	Register("sanboot", cmdSanboot)
	Register("sanhook", cmdSanhook)
	Register("sanunhook", cmdSanunhook)
}

func argError(name string) error {
	return errno.New(errno.InvalidArgument, name+": wrong number of arguments")
}

func cmdEcho(ctx *Context, argv []string) error {
	ctx.println(strings.Join(argv[1:], " "))
	return nil
}

func cmdSet(ctx *Context, argv []string) error {
	if len(argv) < 3 {
		return argError("set")
	}
	n, ok := settings.ResolveName(argv[1])
	if !ok {
		return errno.New(errno.NoSuchEntity, fmt.Sprintf("set: no such setting %q", argv[1]))
	}
	value := strings.Join(argv[2:], " ")
	typed, err := parseTyped(n.Type, value)
	if err != nil {
		return err
	}
	return settings.Store(ctx.Settings, n.Tag, n.Type, typed)
}

func cmdClear(ctx *Context, argv []string) error {
	if len(argv) != 2 {
		return argError("clear")
	}
	n, ok := settings.ResolveName(argv[1])
	if !ok {
		return errno.New(errno.NoSuchEntity, fmt.Sprintf("clear: no such setting %q", argv[1]))
	}
	settings.StoreRaw(ctx.Settings, n.Tag, nil)
	return nil
}

func cmdShow(ctx *Context, argv []string) error {
	if len(argv) != 2 {
		return argError("show")
	}
	v, err := settings.FetchNamed(ctx.Settings, argv[1])
	if err != nil {
		return err
	}
	ctx.println(fmt.Sprintf("%s = %v", argv[1], v))
	return nil
}

func cmdIsset(ctx *Context, argv []string) error {
	if len(argv) != 2 {
		return argError("isset")
	}
	if _, err := settings.FetchNamed(ctx.Settings, argv[1]); err != nil {
		return errno.New(errno.NoSuchEntity, argv[1]+" is not set")
	}
	return nil
}

func cmdExit(ctx *Context, argv []string) error {
	var err error
	if len(argv) > 1 {
		if code, perr := strconv.Atoi(argv[1]); perr == nil && code != 0 {
			err = errno.New(errno.Platform, "exit "+argv[1])
		}
	}
	ctx.Exit(err)
	return err
}

func cmdSleep(ctx *Context, argv []string) error {
	if len(argv) != 2 {
		return argError("sleep")
	}
	secs, err := strconv.Atoi(argv[1])
	if err != nil || secs < 0 {
		return errno.New(errno.InvalidArgument, "sleep: invalid duration")
	}
	time.Sleep(time.Duration(secs) * time.Second)
	return nil
}

// parseTyped converts a literal command-line argument into the Go
// value settings.Store expects for typ.
func parseTyped(typ settings.Type, s string) (any, error) {
	switch typ {
	case settings.TypeString:
		return s, nil
	case settings.TypeUint8:
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return nil, errno.Wrap(errno.InvalidArgument, err)
		}
		return uint8(n), nil
	case settings.TypeUint16:
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, errno.Wrap(errno.InvalidArgument, err)
		}
		return uint16(n), nil
	case settings.TypeUint32:
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, errno.Wrap(errno.InvalidArgument, err)
		}
		return uint32(n), nil
	case settings.TypeIPv4, settings.TypeIPv6:
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, errno.New(errno.InvalidArgument, "set: invalid IP address "+s)
		}
		return ip, nil
	default:
		return nil, errno.New(errno.NotSupported, "set: unsupported type for command-line assignment")
	}
}

// cmdImgFetch fetches argv[1] into a new named image (argv[2] if
// given, else the URI's last path element), without probing or
// loading it yet (spec.md's imgfetch/kernel/initrd).
func cmdImgFetch(ctx *Context, argv []string) error {
	if len(argv) < 2 {
		return argError("imgfetch")
	}
	u := uri.Parse(argv[1])
	data, err := Fetch(ctx, u)
	if err != nil {
		return err
	}
	name := imageNameFor(u, argv)
	ctx.images[name] = &image.Image{Name: name, URI: u, Data: data}
	return nil
}

// imageNameFor derives the registered image name: an explicit second
// argument wins, else the URI's last path element, else the raw URI.
func imageNameFor(u *uri.URI, argv []string) string {
	if len(argv) > 2 {
		return argv[2]
	}
	if u.Path != "" {
		if i := strings.LastIndexByte(u.Path, '/'); i >= 0 {
			return u.Path[i+1:]
		}
		return u.Path
	}
	return argv[1]
}

// cmdImgLoad probes and lays out a previously fetched image into a
// fresh simulated memory region.
func cmdImgLoad(ctx *Context, argv []string) error {
	if len(argv) != 2 {
		return argError("imgload")
	}
	img, ok := ctx.images[argv[1]]
	if !ok {
		return errno.New(errno.NoSuchEntity, "imgload: no such image "+argv[1])
	}
	mem := image.NewMemory(0x100000, 64<<20)
	if _, err := image.Load(img, mem); err != nil {
		return err
	}
	ctx.memory = mem
	return nil
}

// cmdImgExec executes the most recently loaded image (spec.md's
// imgexec/boot), loading argv[1] first if it names an image not yet
// loaded.
func cmdImgExec(ctx *Context, argv []string) error {
	var img *image.Image
	if len(argv) > 1 {
		var ok bool
		img, ok = ctx.images[argv[1]]
		if !ok {
			return errno.New(errno.NoSuchEntity, "imgexec: no such image "+argv[1])
		}
		if ctx.memory == nil {
			if err := cmdImgLoad(ctx, []string{"imgload", argv[1]}); err != nil {
				return err
			}
		}
	} else if len(ctx.images) == 1 {
		for _, v := range ctx.images {
			img = v
		}
	}
	if img == nil || ctx.memory == nil {
		return errno.New(errno.InvalidArgument, "imgexec: no image loaded")
	}
	_, err := image.Exec(img, ctx.memory)
	return err
}

// cmdChain fetches, loads, and executes a URI in one step (spec.md's
// `chain`).
func cmdChain(ctx *Context, argv []string) error {
	if len(argv) < 2 {
		return argError("chain")
	}
	if err := cmdImgFetch(ctx, argv); err != nil {
		return err
	}
	name := imageNameFor(uri.Parse(argv[1]), argv)
	if err := cmdImgLoad(ctx, []string{"imgload", name}); err != nil {
		return err
	}
	return cmdImgExec(ctx, []string{"imgexec", name})
}
