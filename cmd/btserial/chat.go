package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btserial/internal/groutine"
	"github.com/srg/btserial/internal/linecodec"
	"github.com/srg/btserial/serial"
)

var (
	sentColor     = color.New(color.FgGreen)
	receivedColor = color.New(color.FgCyan)
	errorColor    = color.New(color.FgRed, color.Bold)
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <device-address>",
		Short: "Exchange text lines with a paired device",
		Long: `Opens a serial connection to a paired device and exchanges text lines.

With --send or --expect the exchange is scripted: every --send line is sent in
order, then --expect lines are read and printed, each waiting at most
--reply-timeout. Without them, lines typed on stdin are sent and received lines
are printed until stdin ends or Ctrl+C is pressed.

Example:
  btserial chat AA:BB:CC:DD:EE:FF
  btserial chat AA:BB:CC:DD:EE:FF --send "AT" --expect 1
  btserial chat AA-BB-CC-DD-EE-FF --encoding windows-1251`,
		Args: cobra.ExactArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("encoding", "e", "", "Text encoding of the device (default utf-8)")
	cmd.Flags().StringArrayP("send", "s", nil, "Line to send; may be repeated")
	cmd.Flags().IntP("expect", "n", 0, "Number of lines to read after sending")
	cmd.Flags().Duration("reply-timeout", 5*time.Second, "Maximum wait for each expected line")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	sendLines, _ := cmd.Flags().GetStringArray("send")
	expect, _ := cmd.Flags().GetInt("expect")
	replyTimeout, _ := cmd.Flags().GetDuration("reply-timeout")
	if expect < 0 {
		return fmt.Errorf("invalid --expect %d: must not be negative", expect)
	}

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

	conn, err := connect(ctx, cmd, registry, args[0], cfg.Encoding, cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	if len(sendLines) > 0 || expect > 0 {
		return runScriptedChat(ctx, cmd.OutOrStdout(), conn, sendLines, expect, replyTimeout)
	}
	return runInteractiveChat(ctx, cmd, conn, logger)
}

// connect opens address through the registry, bounded by timeout.
func connect(ctx context.Context, cmd *cobra.Command, registry *serial.Registry, address, encoding string, timeout time.Duration) (*serial.Connection, error) {
	progress := NewProgressPrinter(progressWriter(cmd.OutOrStdout()), fmt.Sprintf("Connecting to %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := registry.Open(openCtx, address, &serial.OpenOptions{Encoding: encoding})
	if err != nil {
		// Ctrl+C during connect is a clean exit
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func runScriptedChat(ctx context.Context, out io.Writer, conn *serial.Connection, sendLines []string, expect int, replyTimeout time.Duration) error {
	for _, line := range sendLines {
		if err := conn.Send(line); err != nil {
			return err
		}
		sentColor.Fprintf(out, "> %s\n", line)
	}

	for i := 0; i < expect; i++ {
		pending := groutine.Async(ctx, "chat-read-"+conn.Address(), func(context.Context) (string, error) {
			return conn.ReadLine()
		})

		waitCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		line, err := pending.Wait(waitCtx)
		cancel()

		switch {
		case err == nil:
			receivedColor.Fprintf(out, "< %s\n", line)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("timed out after %s waiting for line %d of %d", replyTimeout, i+1, expect)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("device closed the connection after %d of %d lines", i, expect)
		default:
			return err
		}
	}
	return nil
}

func runInteractiveChat(ctx context.Context, cmd *cobra.Command, conn *serial.Connection, logger *logrus.Logger) error {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	if isTerminal(in) {
		fmt.Fprintf(out, "Connected to %s (%s). Type lines to send, Ctrl+D to quit.\n", conn.Address(), conn.Encoding())
	}

	si := conn.SimpleInterface()
	si.SetListeners(
		func(line string) { receivedColor.Fprintf(out, "< %s\n", line) },
		nil,
		func(err error) { errorColor.Fprintf(out, "! %v\n", err) },
	)

	inputDone := make(chan error, 1)
	groutine.Go(ctx, "chat-stdin", func(context.Context) {
		input := linecodec.NewReader(in, nil)
		for {
			line, err := input.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				inputDone <- err
				return
			}
			si.SendMessage(line)
			if conn.IsClosed() {
				inputDone <- nil
				return
			}
		}
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-si.Done():
		return fmt.Errorf("device closed the connection after %d lines", conn.Stats().LinesReceived)
	case err := <-inputDone:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		stats := conn.Stats()
		logger.WithFields(logrus.Fields{
			"sent":     stats.LinesSent,
			"received": stats.LinesReceived,
		}).Debug("Chat finished")
		return nil
	}
}
