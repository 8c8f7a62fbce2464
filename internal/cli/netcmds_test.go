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
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/scheduler"
	"github.com/netboot-go/ipxecore/pkg/settings"
)

func newTestContext(t *testing.T, devName string) *Context {
	t.Helper()
	dev := netdev.NewLoopback(devName, []byte{0x02, 0x00, 0x00, 0x00, 0x00, byte(len(devName) + 1)})
	require.NoError(t, dev.Open())
	sched := scheduler.New()
	sched.AddPollable(dev)
	ctx := New(sched, settings.NewBlock(devName), dev)
	ctx.Stdout = &bytes.Buffer{}
	return ctx
}

func TestIfopenWiresDeviceIntoStack(t *testing.T) {
	ctx := newTestContext(t, "ifopen-test-dev")
	require.NoError(t, cmdIfopen(ctx, []string{"ifopen", "ifopen-test-dev"}))
	require.True(t, ctx.Device.LinkUp)
}

func TestIfcloseBringsLinkDown(t *testing.T) {
	ctx := newTestContext(t, "ifclose-test-dev")
	require.NoError(t, cmdIfopen(ctx, []string{"ifopen", "ifclose-test-dev"}))
	require.NoError(t, cmdIfclose(ctx, []string{"ifclose", "ifclose-test-dev"}))
	require.False(t, ctx.Device.LinkUp)
}

func TestIfconfListsConfiguredAddresses(t *testing.T) {
	ctx := newTestContext(t, "ifconf-test-dev")
	require.NoError(t, cmdIfopen(ctx, []string{"ifopen", "ifconf-test-dev"}))
	ipstack.AddAddressV4(ctx.Device, net.IPv4(10, 0, 2, 15), net.CIDRMask(24, 32))

	out := &bytes.Buffer{}
	ctx.Stdout = out
	require.NoError(t, cmdIfconf(ctx, []string{"ifconf", "ifconf-test-dev"}))
	require.Contains(t, out.String(), "10.0.2.15")
}

func TestRouteListsInstalledRoutes(t *testing.T) {
	ctx := newTestContext(t, "route-test-dev")
	require.NoError(t, cmdIfopen(ctx, []string{"ifopen", "route-test-dev"}))
	ipstack.AddAddressV4(ctx.Device, net.IPv4(10, 0, 2, 15), net.CIDRMask(24, 32))
	ipstack.AddDefaultRouteV4(ctx.Device, net.IPv4(10, 0, 2, 1))

	out := &bytes.Buffer{}
	ctx.Stdout = out
	require.NoError(t, cmdRoute(ctx, []string{"route"}))
	require.Contains(t, out.String(), "10.0.2.1")
}

func TestLoginStoresCredentials(t *testing.T) {
	ctx := newTestContext(t, "login-test-dev")
	require.NoError(t, cmdLogin(ctx, []string{"login", "alice", "s3cret"}))

	v, err := settings.FetchNamed(ctx.Settings, "username")
	require.NoError(t, err)
	require.Equal(t, "alice", v)

	require.Error(t, newTestContext(t, "login-test-dev-2").execOne("login"))
}

func TestResolveDeviceFallsBackToContextDevice(t *testing.T) {
	ctx := newTestContext(t, "resolve-test-dev")
	dev, err := resolveDevice(ctx, []string{"ifconf"})
	require.NoError(t, err)
	require.Equal(t, ctx.Device, dev)

	_, err = resolveDevice(ctx, []string{"ifconf", "no-such-device"})
	require.Error(t, err)
}
