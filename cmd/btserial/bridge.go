package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/btserial/bridge"
)

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Create a PTY bridge to a paired device",
		Long: `Creates a bidirectional PTY (pseudoterminal) bridge to a paired device,
allowing applications that expect a serial port to talk to it.

Every line received from the device is written to the PTY terminated by "\n";
every line typed into the PTY is sent to the device. The bridge runs until
Ctrl+C is pressed or the device disconnects.

Example:
  btserial bridge AA:BB:CC:DD:EE:FF
  btserial bridge AA:BB:CC:DD:EE:FF --symlink /tmp/rfcomm-sensor
  screen /tmp/rfcomm-sensor`,
		Args: cobra.ExactArgs(1),
		RunE: runBridge,
	}

	cmd.Flags().StringP("encoding", "e", "", "Text encoding of the device (default utf-8)")
	cmd.Flags().String("symlink", "", "Create a symlink to the PTY device (e.g., /tmp/rfcomm-sensor)")
	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	symlink, _ := cmd.Flags().GetString("symlink")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	registry, cleanup, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	address := args[0]

	progress := NewProgressPrinter(progressWriter(out), fmt.Sprintf("Starting bridge for %s", address), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.Run(
		ctx,
		registry,
		&bridge.Options{
			Address:        address,
			Encoding:       cfg.Encoding,
			ConnectTimeout: cfg.ConnectTimeout,
			TTYSymlinkPath: symlink,
			Logger:         logger,
		},
		progress.Callback(),
		func(bctx context.Context, b bridge.Bridge) (struct{}, error) {
			fmt.Fprintf(out, "Bridge running: %s <-> %s\n", b.Connection().Address(), b.TTYName())
			if link := b.TTYSymlink(); link != "" {
				fmt.Fprintf(out, "Symlink: %s -> %s\n", link, b.TTYName())
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			<-bctx.Done()

			stats := b.Stats()
			fmt.Fprintf(out, "Bridge stopped: %d lines received, %d lines sent, %d bytes dropped\n",
				stats.Connection.LinesReceived, stats.Connection.LinesSent, stats.PTY.DroppedWriteCount)
			return struct{}{}, nil
		},
	)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
