// Command rdmavmm runs a VMM exposing virtio-rdma devices over virtio-mmio
// and an HTTP control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vrdma/internal/api"
	"github.com/tinyrange/vrdma/internal/debug"
	"github.com/tinyrange/vrdma/internal/vmm"
	"github.com/tinyrange/vrdma/internal/vmmconfig"
)

const envPrefix = "RDMAVMM"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "rdmavmm",
		Short: "Run a VMM with virtio-rdma devices",
		Long: `rdmavmm maps guest memory, attaches virtio-rdma devices to a virtio-mmio
bus and serves the control-plane API.

Every flag can also be set through the environment, for example
RDMAVMM_API_ADDR or RDMAVMM_CONFIG_FILE.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return setupLogging(v.GetString("log-level"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), options{
				apiAddr:    v.GetString("api-addr"),
				configFile: v.GetString("config-file"),
				memSizeMib: v.GetUint64("mem-size-mib"),
				traceFile:  v.GetString("trace-file"),
			})
		},
	}

	flags := cmd.Flags()
	flags.String("api-addr", "/run/rdmavmm.socket", "API listen address; a path is a unix socket")
	flags.String("config-file", "", "boot immediately from this VM config (YAML or JSON)")
	flags.Uint64("mem-size-mib", 0, "guest memory size in MiB, overrides the config file")
	flags.String("trace-file", "", "write the binary trace log to this file")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(newTraceCmd())
	return cmd
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

type options struct {
	apiAddr    string
	configFile string
	memSizeMib uint64
	traceFile  string
}

func run(ctx context.Context, opts options) error {
	if opts.traceFile != "" {
		if err := debug.OpenFile(opts.traceFile); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer debug.Close()
	}

	var cfg vmmconfig.VMConfig
	if opts.configFile != "" {
		var err error
		if cfg, err = vmmconfig.LoadVMConfig(opts.configFile); err != nil {
			return err
		}
	}
	if opts.memSizeMib != 0 {
		cfg.MachineConfig.MemSizeMib = opts.memSizeMib
	}

	v, err := vmm.New(cfg.MachineConfig)
	if err != nil {
		return err
	}
	defer v.Close()

	if opts.configFile != "" {
		if err := bootFromConfig(v, cfg); err != nil {
			return err
		}
	}

	l, err := listen(opts.apiAddr)
	if err != nil {
		return err
	}
	slog.Info("api: listening", "addr", opts.apiAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(v.Controller()).Serve(ctx, l)
	})
	g.Go(func() error {
		return v.Run(ctx)
	})
	return g.Wait()
}

// bootFromConfig runs before the event loop starts, so it may call the VMM
// directly.
func bootFromConfig(v *vmm.Vmm, cfg vmmconfig.VMConfig) error {
	for _, dev := range cfg.RdmaDevices {
		if _, err := v.HandleAction(vmm.InsertRdmaDevice{Config: dev}); err != nil {
			return fmt.Errorf("rdma device %q: %w", dev.ID, err)
		}
	}
	if _, err := v.HandleAction(vmm.StartInstance{}); err != nil {
		return err
	}
	if cmdline := v.KernelCmdline(); cmdline != "" {
		slog.Info("vmm: kernel parameters", "cmdline", cmdline)
	}
	return nil
}

func listen(addr string) (net.Listener, error) {
	if !strings.Contains(addr, "/") {
		return net.Listen("tcp", addr)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	return net.Listen("unix", addr)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rdmavmm: %v\n", err)
		stop()
		os.Exit(1)
	}
}
