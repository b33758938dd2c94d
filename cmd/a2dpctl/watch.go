package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"

	"github.com/srg/a2dpd/internal/bluez"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/service"
)

type watchOptions struct {
	connect    bool
	duration   time.Duration
	selectable []string
	format     string
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <address>...",
		Short: "Track A2DP sinks through BlueZ",
		Long: `Track one or more A2DP sinks through BlueZ over the system D-Bus.

The listed devices are marked as allowed; connection and audio changes
reported by BlueZ are printed as they happen. With --connect an outgoing
connection is started for every device. On exit (Ctrl+C or --duration)
the final state of every tracked device is printed.`,
		Example: `  a2dpctl watch AA:BB:CC:DD:EE:FF
  a2dpctl watch AA:BB:CC:DD:EE:FF --connect --selectable SBC,AAC --duration 30s`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.connect, "connect", false, "Start an outgoing connection to every device")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 for indefinite)")
	cmd.Flags().StringSliceVar(&opts.selectable, "selectable", []string{"SBC"}, "Codecs the sinks can be switched to")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Final report format (text, json)")
	return cmd
}

// parseWatchArgs validates addresses and codec names before anything touches the bus.
func parseWatchArgs(args []string, opts *watchOptions) ([]ble.Addr, []codec.Config, error) {
	if opts.format != "text" && opts.format != "json" {
		return nil, nil, fmt.Errorf("invalid format '%s': must be one of [text json]", opts.format)
	}
	devices := make([]ble.Addr, 0, len(args))
	for _, arg := range args {
		if len(arg) != 17 {
			return nil, nil, fmt.Errorf("invalid device address %q (expected AA:BB:CC:DD:EE:FF)", arg)
		}
		devices = append(devices, ble.NewAddr(arg))
	}
	cfgs := make([]codec.Config, 0, len(opts.selectable))
	for _, name := range opts.selectable {
		t, err := codec.ParseType(name)
		if err != nil {
			return nil, nil, err
		}
		cfgs = append(cfgs, codec.DefaultConfig(t))
	}
	return devices, cfgs, nil
}

func runWatch(cmd *cobra.Command, args []string, opts *watchOptions) error {
	devices, selectable, err := parseWatchArgs(args, opts)
	if err != nil {
		return err
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	drv, err := bluez.Dial(cfg.BluezOptions(), logger)
	if err != nil {
		return err
	}
	defer drv.Close()

	svc := service.New(drv, cfg.ServiceOptions(), logger)
	drv.Attach(svc)

	noColor, _ := cmd.Flags().GetBool("no-color")
	out := cmd.OutOrStdout()
	svc.Subscribe(newNotificationPrinter(out, !noColor))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := drv.Start(ctx); err != nil {
		svc.Close()
		return err
	}

	for _, device := range devices {
		svc.SetConnectionPolicy(device, service.PolicyAllowed)
		drv.SetSelectable(device, selectable)
		if opts.connect {
			if err := svc.Connect(device); err != nil {
				logger.WithError(err).WithField("device", device.String()).Warn("Connect failed")
				fmt.Fprintf(cmd.ErrOrStderr(), "connect %s: %s\n", device, FormatUserError(err))
			}
		}
	}

	fmt.Fprintf(out, "Watching %d device(s) on %s, press Ctrl+C to stop\n", len(devices), cfg.Adapter)
	<-ctx.Done()

	// Stop machines before printing so the report is final.
	if err := svc.Close(); err != nil {
		return err
	}
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(svc.Devices())
	}
	return svc.Dump(out)
}
