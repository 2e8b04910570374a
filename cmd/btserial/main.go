package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/btserial/pkg/config"
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

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "btserial",
		Short: "Bluetooth serial (RFCOMM/SPP) command-line tool",
		Long: `Bluetooth Classic serial port (RFCOMM/SPP) command-line tool that provides:

- List devices paired with the local adapter
- Exchange text lines with a paired device, scripted or interactively
- Bridge a paired device to a PTY for serial-port applications

Connections are text-line oriented: lines end at "\n", "\r" or "\r\n" and are
sent terminated by "\n" in the selected text encoding.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),

		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	config.AddFlags(rootCmd)

	rootCmd.AddCommand(newPairedCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newBridgeCmd())

	return rootCmd
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
