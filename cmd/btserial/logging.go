package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btserial/internal/device/bluez"
	"github.com/srg/btserial/internal/devicefactory"
	"github.com/srg/btserial/pkg/config"
	"github.com/srg/btserial/serial"
	"golang.org/x/term"
)

// configureLogger creates a logger with the appropriate log level.
// An explicit --log-level wins, then --verbose, then the loaded configuration.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	if cmd.Flags().Changed("log-level") {
		return logger
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// setup loads the configuration and a logger for cmd. Usage is silenced
// afterwards: from here on, errors are runtime errors.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	return cfg, configureLogger(cmd, cfg), nil
}

// openRegistry opens the configured adapter and a registry on it. The returned
// cleanup closes every connection and then the adapter.
func openRegistry(cfg *config.Config, logger *logrus.Logger) (*serial.Registry, func(), error) {
	adapter, err := devicefactory.AdapterFactory(&bluez.Options{
		Adapter: cfg.Adapter,
		Channel: cfg.RFCOMMChannel,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open Bluetooth adapter %s: %w", cfg.Adapter, err)
	}

	registry := serial.NewRegistry(adapter, logger)
	cleanup := func() {
		registry.CloseAll()
		if err := adapter.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close adapter")
		}
	}
	return registry, cleanup, nil
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// isTerminal reports whether v is an *os.File attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
