package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/groutine"
	"github.com/srg/btserial/internal/linecodec"
	"github.com/srg/btserial/internal/ptyio"
	"github.com/srg/btserial/serial"
)

// ErrDisconnected is returned by Run when the device side ends while the bridge is running.
var ErrDisconnected = errors.New("device disconnected")

// Bridge represents a running SPP-PTY bridge
type Bridge interface {
	TTYName() string                // TTY device name for display
	TTYSymlink() string             // Symlink path (empty if not created)
	Connection() *serial.Connection // Underlying serial connection
	Stats() Stats
}

// Stats combines the connection line counters with the PTY queue counters.
type Stats struct {
	Connection serial.Stats
	PTY        ptyio.Stats
}

// Options contains all the configuration for running a bridge
type Options struct {
	Address        string         // Device address
	Encoding       string         `default:"utf-8"` // Text encoding on the device side
	ConnectTimeout time.Duration  `default:"30s"`   // Connection timeout
	TTYSymlinkPath string         // Optional tty symlink path for PTY slave (e.g., /tmp/rfcomm-sensor)
	PtyWriteCap    int            `default:"8192"` // PTY outbound queue size in bytes
	Logger         *logrus.Logger // Logger instance
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running bridge. ctx is cancelled when the
// caller's context ends or the device disconnects.
type Callback[R any] func(ctx context.Context, b Bridge) (R, error)

type bridgeImpl struct {
	conn           *serial.Connection
	pty            *ptyio.PTY
	ttySymlinkPath string
}

func (b *bridgeImpl) TTYName() string {
	return b.pty.TTYName()
}

func (b *bridgeImpl) TTYSymlink() string {
	return b.ttySymlinkPath
}

func (b *bridgeImpl) Connection() *serial.Connection {
	return b.conn
}

func (b *bridgeImpl) Stats() Stats {
	return Stats{
		Connection: b.conn.Stats(),
		PTY:        b.pty.Stats(),
	}
}

// Run opens a connection through the registry, exposes it as a PTY and
// executes the callback with the bridge. Lines received from the device are
// written to the PTY terminated by "\n"; lines typed into the PTY are sent to
// the device. Run blocks until the callback returns. The connection is closed
// through the registry before Run returns.
func Run[R any](
	ctx context.Context,
	registry *serial.Registry,
	opts *Options,
	progressCallback ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if registry == nil {
		return zero, fmt.Errorf("failed to execute bridge: registry is required")
	}
	if opts == nil || opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}

	logger := opts.Logger
	o := *opts
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	progressCallback("Connecting")

	openCtx, cancelOpen := context.WithTimeout(ctx, o.ConnectTimeout)
	conn, err := registry.Open(openCtx, o.Address, &serial.OpenOptions{Encoding: o.Encoding})
	cancelOpen()
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}

	progressCallback("Connected")
	progressCallback("Setting up PTY")

	bridgeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		wg             sync.WaitGroup
		ttySymlinkPath string
		pty            *ptyio.PTY
	)

	// PTY input is re-assembled into lines by a pipe-fed decoder
	inputR, inputW := io.Pipe()

	defer func() {
		// Remove tty symlink before closing PTY (cleanup order matters)
		if ttySymlinkPath != "" {
			if err := os.Remove(ttySymlinkPath); err != nil {
				logger.WithError(err).WithField("ttySymlink", ttySymlinkPath).Warn("Failed to remove tty symlink")
			} else {
				logger.WithField("ttySymlink", ttySymlinkPath).Debug("Removed tty symlink")
			}
		}

		// Closing the connection first unblocks both forwarding goroutines
		registry.CloseConnection(conn)
		_ = inputR.Close()
		if pty != nil {
			_ = pty.Close()
		}
		_ = inputW.Close()
		wg.Wait()
	}()

	pty, err = ptyio.Open(&ptyio.Options{
		WriteCap: o.PtyWriteCap,
		Logger:   logger,
		OnData: func(data []byte) {
			_, _ = inputW.Write(data)
		},
		OnError: func(err error) {
			logger.WithError(err).Warn("PTY I/O failed")
		},
	})
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to create PTY: %w", err)
	}

	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	if o.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), o.TTYSymlinkPath); err != nil {
			progressCallback("Failed")
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", o.TTYSymlinkPath, pty.TTYName(), err)
		}
		ttySymlinkPath = o.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": ttySymlinkPath,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	wg.Add(2)
	groutine.Go(bridgeCtx, "bridge-rx-"+conn.Address(), func(context.Context) {
		defer wg.Done()
		forwardToPTY(conn, pty, logger)
		cancel(ErrDisconnected)
	})
	groutine.Go(bridgeCtx, "bridge-tx-"+conn.Address(), func(context.Context) {
		defer wg.Done()
		forwardToDevice(inputR, conn, logger)
	})

	progressCallback("Running")

	result, err := callback(bridgeCtx, &bridgeImpl{
		conn:           conn,
		pty:            pty,
		ttySymlinkPath: ttySymlinkPath,
	})
	if err == nil && ctx.Err() == nil && errors.Is(context.Cause(bridgeCtx), ErrDisconnected) {
		err = fmt.Errorf("%s: %w", conn.Address(), ErrDisconnected)
	}
	return result, err
}

// forwardToPTY copies received lines into the PTY until the connection ends.
func forwardToPTY(conn *serial.Connection, pty *ptyio.PTY, logger *logrus.Logger) {
	for line, err := range conn.Lines() {
		if err != nil {
			logger.WithError(err).WithField("address", conn.Address()).Warn("Bridge receive failed")
			return
		}
		if _, err := pty.Write([]byte(line + "\n")); err != nil {
			return
		}
	}
}

// forwardToDevice sends every complete line typed into the PTY.
func forwardToDevice(input io.Reader, conn *serial.Connection, logger *logrus.Logger) {
	lines := linecodec.NewReader(input, nil)
	for {
		line, err := lines.ReadLine()
		if err != nil {
			return
		}
		if err := conn.Send(line); err != nil {
			if !errors.Is(err, serial.ErrConnectionClosed) {
				logger.WithError(err).WithField("address", conn.Address()).Warn("Bridge send failed")
			}
			return
		}
	}
}
