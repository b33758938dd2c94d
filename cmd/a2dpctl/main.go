package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree; tests build a fresh tree per run.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "a2dpctl",
		Short: "A2DP source connection manager",
		Long: `A2DP source profile connection manager that provides:

- Per-device connection state machines with connect/disconnect timeouts
- Codec negotiation bookkeeping (optional codecs, low latency audio)
- Connection policy: per-device allow/forbid, maximum connected sinks
- Scenario replay against a simulated link driver
- Live tracking of sinks through BlueZ over D-Bus`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	root.AddCommand(newSimulateCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newVersionCmd())

	// Global flags
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging (same as --log-level debug)")
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	// Add -v as a short flag for --version
	root.Flags().BoolP("version", "v", false, "Show version information")
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "a2dpctl %s (commit %s, built %s)\n", formatVersion(version), commit, date)
		},
	}
}
