package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	a2dpd "github.com/srg/a2dpd"
	"github.com/srg/a2dpd/internal/scenario"
	"github.com/srg/a2dpd/internal/simdriver"
	"github.com/srg/a2dpd/pkg/config"
)

type simulateOptions struct {
	list    bool
	all     bool
	format  string
	latency time.Duration
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate [scenario...]",
		Short: "Replay scenarios against the simulated link driver",
		Long: `Replay one or more scenarios against a profile service backed by the
simulated link driver, printing every connection and audio notification.

A scenario is either a path to a YAML file or the name of a built-in
scenario (see --list). With --all every built-in scenario is run.`,
		Example: `  a2dpctl simulate outgoing-connect
  a2dpctl simulate ./my-scenario.yaml --format json
  a2dpctl simulate --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.list, "list", "l", false, "List built-in scenarios")
	cmd.Flags().BoolVarP(&opts.all, "all", "a", false, "Run every built-in scenario")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Report format (text, json)")
	cmd.Flags().DurationVar(&opts.latency, "latency", 10*time.Millisecond, "Simulated driver latency per event")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string, opts *simulateOptions) error {
	out := cmd.OutOrStdout()
	if opts.list {
		return listScenarios(out)
	}
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", opts.format)
	}
	if opts.all {
		names, err := builtinScenarios()
		if err != nil {
			return err
		}
		args = append(args, names...)
	}
	if len(args) == 0 {
		return errors.New("no scenario given (pass a file, a built-in name, or --all)")
	}

	scenarios := make([]*scenario.Scenario, 0, len(args))
	for _, arg := range args {
		sc, err := resolveScenario(arg)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, sc)
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	noColor, _ := cmd.Flags().GetBool("no-color")
	reports := make([]scenario.Report, 0, len(scenarios))
	failed := 0
	for _, sc := range scenarios {
		report, err := simulateOne(ctx, cmd, sc, cfg, opts, !noColor && opts.format == "text", logger)
		reports = append(reports, report)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			failed++
			logger.WithError(err).WithField("scenario", sc.Name).Debug("Scenario failed")
		}
		if opts.format == "text" {
			printReport(out, report, err, !noColor)
		}
	}

	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrScenarioFailed, failed, len(scenarios))
	}
	return nil
}

func simulateOne(ctx context.Context, cmd *cobra.Command, sc *scenario.Scenario, cfg *config.Config, opts *simulateOptions, colored bool, logger *logrus.Logger) (scenario.Report, error) {
	out := cmd.OutOrStdout()
	var listener *notificationPrinter
	if opts.format == "text" {
		fmt.Fprintf(out, "=== %s\n", sc.Name)
		if sc.Description != "" {
			fmt.Fprintf(out, "    %s\n", sc.Description)
		}
		listener = newNotificationPrinter(out, colored)
	}

	svcOpts := cfg.ServiceOptions()
	simOpts := simdriver.Options{Latency: opts.latency}
	if listener == nil {
		return scenario.Simulate(ctx, sc, svcOpts, simOpts, scenario.Options{}, nil, logger)
	}
	return scenario.Simulate(ctx, sc, svcOpts, simOpts, scenario.Options{}, listener, logger)
}

func printReport(w io.Writer, report scenario.Report, err error, colored bool) {
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	if !colored {
		pass.DisableColor()
		fail.DisableColor()
	} else {
		pass.EnableColor()
		fail.EnableColor()
	}

	if err == nil {
		fmt.Fprintf(w, "%s %s (%d steps)\n", pass.Sprint("PASS"), report.Name, len(report.Steps))
		return
	}
	fmt.Fprintf(w, "%s %s: %v\n", fail.Sprint("FAIL"), report.Name, err)
}

// resolveScenario loads arg as a file when it exists, otherwise as a built-in name.
func resolveScenario(arg string) (*scenario.Scenario, error) {
	if _, err := os.Stat(arg); err == nil {
		return scenario.Load(arg)
	}
	name := strings.TrimSuffix(path.Base(arg), ".yaml")
	names, err := builtinScenarioFiles()
	if err != nil {
		return nil, err
	}
	for _, file := range names {
		sc, err := scenario.LoadFS(a2dpd.DefaultScenarios, file)
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(path.Base(file), ".yaml")
		if sc.Name == name || base == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, arg)
}

func builtinScenarioFiles() ([]string, error) {
	return fs.Glob(a2dpd.DefaultScenarios, "scenarios/*.yaml")
}

// builtinScenarios returns the names of the embedded scenarios.
func builtinScenarios() ([]string, error) {
	files, err := builtinScenarioFiles()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, file := range files {
		sc, err := scenario.LoadFS(a2dpd.DefaultScenarios, file)
		if err != nil {
			return nil, err
		}
		names = append(names, sc.Name)
	}
	return names, nil
}

func listScenarios(w io.Writer) error {
	files, err := builtinScenarioFiles()
	if err != nil {
		return err
	}
	for _, file := range files {
		sc, err := scenario.LoadFS(a2dpd.DefaultScenarios, file)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-28s %s\n", sc.Name, sc.Description)
	}
	return nil
}
