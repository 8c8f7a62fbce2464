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
	"net"
	"strconv"
	"strings"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/image"
	"github.com/netboot-go/ipxecore/pkg/proto/aoe"
	"github.com/netboot-go/ipxecore/pkg/proto/iscsi"
	"github.com/netboot-go/ipxecore/pkg/proto/srp"
	"github.com/netboot-go/ipxecore/pkg/san"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

// cmdSanboot hooks and opens a SAN device for argv[1] and, when the
// probe flagged it as a CD-ROM, reads the El Torito default boot entry
// into an image ready for execution. Raw boot-sector images that no
// loader probe recognizes are left registered but unexecuted: jumping
// into real-mode boot sectors is the platform glue spec.md §1 scopes
// out, while the fetch-and-load half is ours.
func cmdSanboot(ctx *Context, argv []string) error {
	if err := cmdSanhook(ctx, argv); err != nil {
		return err
	}
	if ctx.San == nil || !ctx.San.CDROM {
		return nil
	}
	data, err := san.ReadBootImage(ctx.San, ctx.MaxSteps, ctx.Poll)
	if err != nil {
		return err
	}
	img := &image.Image{Name: "sanboot", URI: uri.Parse(argv[1]), Data: data}
	ctx.images["sanboot"] = img
	mem := image.NewMemory(0x100000, 64<<20)
	if _, lerr := image.Load(img, mem); lerr == nil {
		ctx.memory = mem
	}
	return nil
}

// cmdSanhook translates argv[1]'s scheme (iscsi/aoe/srp) into a
// san.Ops adapter over the matching session type, starts the session,
// opens the resulting san.Device (capacity probe + ISO9660 detection),
// and stores it on ctx.San. Each Session's method set differs (iSCSI
// and AoE take an explicit per-call LUN or none at all, SRP bakes LUN
// into the session at construction), which is the reason san.Ops is a
// closure-based vtable rather than a shared Go interface every
// transport implements.
func cmdSanhook(ctx *Context, argv []string) error {
	if len(argv) < 2 {
		return argError("sanhook")
	}
	u := uri.Parse(argv[1])

	var ops san.Ops
	var start func()
	var wait func(maxSteps int, poll func()) error

	switch strings.ToLower(u.Scheme) {
	case "iscsi":
		sess, lun, err := newISCSISession(ctx, u)
		if err != nil {
			return err
		}
		ops = san.Ops{
			ReadCapacity: func(cb func(uint32, uint64, error)) { sess.ReadCapacity16(lun, cb) },
			Read: func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
				sess.Read16(lun, lba, count, blockLen, buf, done)
			},
			Poll: sess.Poll,
		}
		start = sess.Start
		wait = sess.Wait

	case "aoe":
		sess, err := newAoESession(ctx, u)
		if err != nil {
			return err
		}
		ops = san.Ops{
			ReadCapacity: func(cb func(uint32, uint64, error)) {
				cb(512, 0, errno.New(errno.NotSupported, "aoe: capacity reported via IDENTIFY, not wired"))
			},
			Read: func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
				sess.ReadSectors(lba, uint16(count), buf, done)
			},
			Write: func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
				sess.WriteSectors(lba, uint16(count), buf, done)
			},
			Poll: sess.Poll,
		}
		start = sess.Start
		wait = sess.Wait

	case "srp":
		sess, err := newSRPSession(ctx, u)
		if err != nil {
			return err
		}
		ops = san.Ops{
			ReadCapacity: sess.ReadCapacity16,
			Read: func(lba uint64, count uint32, blockLen uint32, buf []byte, done func(error)) {
				sess.Read16(lba, count, blockLen, buf, done)
			},
			Poll: sess.Poll,
		}
		start = sess.Start
		wait = sess.Wait

	default:
		return errno.New(errno.NotSupported, "sanhook: unsupported scheme "+u.Scheme)
	}

	start()
	if err := wait(ctx.MaxSteps, ctx.Poll); err != nil {
		return err
	}

	dev := san.NewDevice(ops, u, timer.NewWallClock())
	if err := dev.Open(ctx.MaxSteps, ctx.Poll); err != nil {
		return err
	}
	ctx.San = dev
	return nil
}

// cmdSanunhook releases the currently hooked SAN device (spec.md's
// `sanunhook`).
func cmdSanunhook(ctx *Context, argv []string) error {
	ctx.San = nil
	return nil
}

// newISCSISession accepts both the URI form iscsi://host[:port]/iqn
// and the RFC 4173 root-path form
// iscsi:<server>:<protocol>:<port>:<LUN>:<targetname>, the shape DHCP
// root-path options carry.
func newISCSISession(ctx *Context, u *uri.URI) (*iscsi.Session, uint64, error) {
	host, portStr, lunStr, targetIQN := u.Host, u.Port, "", strings.TrimPrefix(u.Path, "/")
	if host == "" && u.Opaque != "" {
		parts := strings.SplitN(u.Opaque, ":", 5)
		if len(parts) != 5 {
			return nil, 0, errno.New(errno.InvalidArgument, "sanhook: malformed iscsi root path")
		}
		host, portStr, lunStr, targetIQN = parts[0], parts[2], parts[3], parts[4]
	}
	target := net.ParseIP(host)
	if target == nil {
		return nil, 0, errno.New(errno.InvalidArgument, "sanhook: iscsi target is not a literal IP")
	}
	port := uint16(0)
	if portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = uint16(p)
		}
	}
	lun := uint64(0)
	if lunStr != "" {
		l, err := strconv.ParseUint(lunStr, 10, 64)
		if err != nil {
			return nil, 0, errno.New(errno.InvalidArgument, "sanhook: invalid iscsi LUN "+lunStr)
		}
		lun = l
	}
	initiatorIQN := initiatorIQNOf(ctx)
	return iscsi.NewSession(ctx.Device, target, port, targetIQN, initiatorIQN), lun, nil
}

func newAoESession(ctx *Context, u *uri.URI) (*aoe.Session, error) {
	spec := u.Host
	if spec == "" {
		spec = u.Opaque
	}
	spec = strings.TrimPrefix(spec, "e")
	majorStr, minorStr, ok := strings.Cut(spec, ".")
	if !ok {
		return nil, errno.New(errno.InvalidArgument, "sanhook: aoe target must be e<major>.<minor>")
	}
	major, err1 := strconv.ParseUint(majorStr, 10, 16)
	minor, err2 := strconv.ParseUint(minorStr, 10, 8)
	if err1 != nil || err2 != nil {
		return nil, errno.New(errno.InvalidArgument, "sanhook: malformed aoe target "+spec)
	}
	return aoe.NewSession(ctx.Device, uint16(major), uint8(minor), timer.NewWallClock()), nil
}

func newSRPSession(ctx *Context, u *uri.URI) (*srp.Session, error) {
	target := net.ParseIP(u.Host)
	if target == nil {
		return nil, errno.New(errno.InvalidArgument, "sanhook: srp target is not a literal IP")
	}
	port := uint16(0)
	if u.Port != "" {
		if p, err := strconv.Atoi(u.Port); err == nil {
			port = uint16(p)
		}
	}
	lun, err := lunFromPath(u.Path)
	if err != nil {
		return nil, err
	}
	var initiatorPortID, targetPortID [16]byte
	return srp.NewSession(ctx.Device, target, port, lun, initiatorPortID, targetPortID), nil
}

func lunFromPath(path string) (uint64, error) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return 0, nil
	}
	_, lunPart, ok := strings.Cut(path, ":")
	if !ok {
		lunPart = path
	}
	lun, err := strconv.ParseUint(lunPart, 10, 64)
	if err != nil {
		return 0, errno.New(errno.InvalidArgument, "sanhook: invalid LUN in "+path)
	}
	return lun, nil
}

func initiatorIQNOf(ctx *Context) string {
	v, err := settings.FetchNamed(ctx.Settings, "initiator-iqn")
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
