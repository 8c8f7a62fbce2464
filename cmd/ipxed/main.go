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

// Command ipxed runs the firmware core against a simulated network
// device, executing a boot script the way a real iPXE build would run
// its embedded one — the harness scenario 1..N of spec.md §8 describe.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/netboot-go/ipxecore/internal/cli"
	"github.com/netboot-go/ipxecore/internal/util/gracefulshutdown"
	"github.com/netboot-go/ipxecore/internal/util/httputil"
	"github.com/netboot-go/ipxecore/internal/util/logging"
	"github.com/netboot-go/ipxecore/pkg/ipstack"
	"github.com/netboot-go/ipxecore/pkg/netdev"
	"github.com/netboot-go/ipxecore/pkg/neighbour"
	"github.com/netboot-go/ipxecore/pkg/scheduler"
	"github.com/netboot-go/ipxecore/pkg/settings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the build version, overridden with -ldflags at release
// build time; unset in a dev build.
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ipxed",
		Short: "Run the ipxecore network-boot firmware core",
		Long: `ipxed drives the ipxecore firmware core: a cooperatively scheduled
network stack and script interpreter implementing iPXE's boot-time
behavior (DHCP, DNS, HTTP/TFTP/FTP download, SAN boot, chainloading)
against a simulated network device.

Use 'ipxed run' to execute a boot script. Use 'ipxed script validate'
to check a script's syntax without running it.`,
	}
	// Accept underscore-spelled flags (--metrics_addr) as their dashed
	// forms, since the env-var names these flags default from use
	// underscores.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(newRunCommand(), newScriptCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ipxed version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

func newScriptCommand() *cobra.Command {
	scriptCmd := &cobra.Command{
		Use:   "script",
		Short: "Inspect a boot script without running the firmware",
	}
	scriptCmd.AddCommand(newScriptValidateCommand())
	return scriptCmd
}

func newScriptValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a boot script's syntax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := cli.ValidateScript(string(body)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		scriptPath  string
		metricsAddr string
		deviceName  string
		devMode     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the firmware core against a simulated network device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFirmware(scriptPath, metricsAddr, deviceName, devMode)
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", getEnv("IPXED_SCRIPT", ""), "boot script to execute (default: built-in dhcp && autoboot)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", getEnv("IPXED_METRICS_ADDR", ":9100"), "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().StringVar(&deviceName, "device", getEnv("IPXED_DEVICE", "net0"), "name of the simulated network device to bring up")
	cmd.Flags().BoolVar(&devMode, "dev", getEnvBool("IPXED_DEV", false), "use human-readable development logging")
	return cmd
}

// getEnv and getEnvBool mirror cmd/ipxed-tftpd's own helpers: every
// ipxed binary's flags default from an environment variable, keeping
// container deployment config-file-free.
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	return v == "true" || v == "1" || v == "yes"
}

// defaultScript matches spec.md §8 scenario 1: acquire a lease, then
// chain to whatever the lease's boot filename names.
const defaultScript = "dhcp net0\nautoboot net0\n"

func runFirmware(scriptPath, metricsAddr, deviceName string, devMode bool) error {
	opts := logging.DefaultOptions()
	opts.Development = devMode
	log := logging.Setup(opts)
	log.Info("starting ipxed", "version", Version, "device", deviceName)

	gs := gracefulshutdown.New("ipxed")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go httputil.Serve(map[string]*http.Server{
			"metrics": {Addr: metricsAddr, Handler: mux},
		}, gs)
		log.Info("serving metrics", "addr", metricsAddr)
	}
	gs.Ready()

	// A stuck boot script (a retry timer waiting out a dead server, say)
	// blocks inside ctx.RunScript below, not inside anything watching
	// gs.Context(); without this, SIGINT/SIGTERM would be ignored until
	// the script's own deadline expired.
	go func() {
		<-gs.Context().Done()
		log.Info("shutdown signal received, stopping")
		os.Exit(130)
	}()

	sched := scheduler.New()
	sched.AddProcess(neighbour.Poll)
	sched.AddProcess(ipstack.Poll)

	dev := netdev.NewLoopback(deviceName, []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	if err := dev.Open(); err != nil {
		return err
	}
	sched.AddPollable(dev)

	root := settings.NewBlock("global")
	ctx := cli.New(sched, root, dev)
	ctx.Stdout = os.Stdout
	cli.SetDefaultContext(ctx)

	script := defaultScript
	if scriptPath != "" {
		body, err := os.ReadFile(scriptPath)
		if err != nil {
			return err
		}
		script = string(body)
	}

	if err := ctx.RunScript(script); err != nil {
		log.Error(err, "boot script failed")
		return err
	}
	log.Info("boot script completed", "status", ctx.Status)
	return nil
}
