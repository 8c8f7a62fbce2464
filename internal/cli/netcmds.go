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

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/proto/dhcp"
	"github.com/netboot-go/ipxecore/pkg/settings"
	"github.com/netboot-go/ipxecore/pkg/uri"
)

func init() {
	Register("ifopen", cmdIfopen)
	Register("ifclose", cmdIfclose)
	Register("ifconf", cmdIfconf)
	Register("route", cmdRoute)
	Register("dhcp", cmdDhcp)
	Register("login", cmdLogin)
	Register("autoboot", cmdAutoboot)
}

// resolveDevice looks argv[1] up via netdev.ByName if given, otherwise
// falls back to ctx.Device (the interpreter's current network
// device), the same default every netdev-scoped command in spec.md
// §6 uses when no name is given.
func resolveDevice(ctx *Context, argv []string) (*netdev.Device, error) {
	if len(argv) > 1 {
		dev, ok := netdev.ByName(argv[1])
		if !ok {
			return nil, errno.New(errno.NoSuchEntity, argv[0]+": no such device "+argv[1])
		}
		return dev, nil
	}
	if ctx.Device == nil {
		return nil, errno.New(errno.NoSuchEntity, argv[0]+": no device")
	}
	return ctx.Device, nil
}

// cmdIfopen opens a device and wires it into the network stack's
// Ethernet RX pipeline (spec.md §6: "ifopen brings a network device
// up"), making it the interpreter's current device.
func cmdIfopen(ctx *Context, argv []string) error {
	dev, err := resolveDevice(ctx, argv)
	if err != nil {
		return err
	}
	if !dev.LinkUp {
		if err := dev.Open(); err != nil {
			return err
		}
	}
	ipstack.Wire(dev, "ethernet")
	ctx.Device = dev
	return nil
}

// cmdIfclose brings a device down (spec.md §6's `ifclose`).
func cmdIfclose(ctx *Context, argv []string) error {
	dev, err := resolveDevice(ctx, argv)
	if err != nil {
		return err
	}
	dev.Close(errno.New(errno.Canceled, "ifclose"))
	return nil
}

// cmdIfconf prints a device's link state and configured addresses
// (spec.md §6's `ifconf`).
func cmdIfconf(ctx *Context, argv []string) error {
	dev, err := resolveDevice(ctx, argv)
	if err != nil {
		return err
	}
	state := "down"
	if dev.LinkUp {
		state = "up"
	}
	ctx.println(fmt.Sprintf("%s: link %s, mac %s", dev.Name, state, net.HardwareAddr(dev.LLAddr)))
	for _, a := range ipstack.AddressesV4(dev) {
		ctx.println(fmt.Sprintf("  ip %s netmask %s", a.IP, net.IP(a.Mask)))
	}
	for _, a := range ipstack.AddressesV6(dev) {
		ctx.println(fmt.Sprintf("  ip6 %s/%s", a.IP, a.Mask))
	}
	return nil
}

// cmdRoute lists the IPv4/IPv6 route tables (spec.md §6's `route`,
// which with no arguments just displays the current tables).
func cmdRoute(ctx *Context, argv []string) error {
	for _, r := range ipstack.RoutesV4() {
		ctx.println(formatRoute(r))
	}
	for _, r := range ipstack.RoutesV6() {
		ctx.println(formatRoute(r))
	}
	return nil
}

func formatRoute(r ipstack.Route) string {
	devName := "?"
	if r.Dev != nil {
		devName = r.Dev.Name
	}
	if r.Gateway != nil {
		return fmt.Sprintf("%s/%s via %s dev %s", r.Dest, r.Mask, r.Gateway, devName)
	}
	return fmt.Sprintf("%s/%s dev %s src %s", r.Dest, r.Mask, devName, r.Source)
}

// cmdDhcp drives a full DHCPv4 acquisition against argv[1] (or the
// current device), then installs the leased address and, when the lease
// names a router, a default route into the stack, as spec.md §4.12
// describes ("On ACK ... the leased address and gateway are installed
// into the interface's routing configuration"). No nameserver is
// installed.
func cmdDhcp(ctx *Context, argv []string) error {
	dev, err := resolveDevice(ctx, argv)
	if err != nil {
		return err
	}
	if !dev.LinkUp {
		if err := dev.Open(); err != nil {
			return err
		}
	}
	ipstack.Wire(dev, "ethernet")
	ctx.Device = dev

	client := dhcp.New(dev)
	defer client.Close()
	client.Start()
	result, err := client.Wait(ctx.MaxSteps, ctx.Poll)
	if err != nil {
		return err
	}

	mask := net.IPMask(net.IPv4(255, 255, 255, 0).To4())
	if raw, ok := result.Options[1]; ok && len(raw) == 4 {
		mask = net.IPMask(raw)
	}
	ipstack.AddAddressV4(dev, result.YourIP, mask)
	if result.Router != nil {
		ipstack.AddDefaultRouteV4(dev, result.Router)
	}
	return nil
}

// cmdLogin stores SAN/iSCSI credentials (spec.md §6's `login`):
// `login <username> <password>` or, with no arguments, the settings
// named "username"/"password" are expected to already be set (e.g. by
// DHCP vendor options) and login simply validates they're present.
func cmdLogin(ctx *Context, argv []string) error {
	switch len(argv) {
	case 1:
		if _, err := settings.FetchNamed(ctx.Settings, "username"); err != nil {
			return errno.New(errno.NoSuchEntity, "login: no username set")
		}
		if _, err := settings.FetchNamed(ctx.Settings, "password"); err != nil {
			return errno.New(errno.NoSuchEntity, "login: no password set")
		}
		return nil
	case 3:
		if err := settings.StoreNamed(ctx.Settings, "username", argv[1]); err != nil {
			return err
		}
		return settings.StoreNamed(ctx.Settings, "password", argv[2])
	default:
		return argError("login")
	}
}

// cmdAutoboot implements spec.md §6/§8 scenario 1's default boot
// path: bring up the first available device, DHCP it, then chain to
// the server-supplied boot filename (relative to the DHCP "next-server"
// if the filename isn't itself a full URI).
func cmdAutoboot(ctx *Context, argv []string) error {
	devs := netdev.All()
	if len(devs) == 0 {
		return errno.New(errno.NoSuchEntity, "autoboot: no network devices")
	}
	dev := devs[0]
	if len(argv) > 1 {
		d, ok := netdev.ByName(argv[1])
		if !ok {
			return errno.New(errno.NoSuchEntity, "autoboot: no such device "+argv[1])
		}
		dev = d
	}

	if err := cmdDhcp(ctx, []string{"dhcp", dev.Name}); err != nil {
		return err
	}

	filename, ferr := settings.FetchNamed(ctx.Settings, "filename")
	if ferr != nil {
		return errno.New(errno.NoSuchEntity, "autoboot: no boot filename offered")
	}
	name, ok := filename.(string)
	if !ok || name == "" {
		return errno.New(errno.NoSuchEntity, "autoboot: no boot filename offered")
	}

	u := uri.Parse(name)
	if !u.IsAbsolute() {
		server, serr := settings.FetchNamed(ctx.Settings, "next-server")
		if serr != nil {
			return errno.New(errno.InvalidArgument, "autoboot: relative filename with no next-server")
		}
		ip, ok := server.(net.IP)
		if !ok {
			return errno.New(errno.InvalidArgument, "autoboot: invalid next-server")
		}
		u = uri.Parse(fmt.Sprintf("tftp://%s/%s", ip, name))
	}

	return cmdChain(ctx, []string{"chain", u.String()})
}
