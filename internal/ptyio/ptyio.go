// Package ptyio exposes a serial connection as a pseudo-terminal. It creates a
// PTY pair with github.com/creack/pty, puts the slave in raw mode and runs two
// loops on the master: one delivering bytes typed into the slave, one draining
// a ring-buffered write queue into it.
//
// Writes never block. When the queue is full the excess is dropped and
// counted in Stats; a terminal program that stops reading cannot stall the
// Bluetooth side.
//
//	p, err := ptyio.Open(&ptyio.Options{
//	    OnData: func(data []byte) { ... },
//	})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/btserial/internal/groutine"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Options configures a PTY.
type Options struct {
	// WriteCap is the capacity of the outbound queue in bytes.
	WriteCap int `default:"8192"`

	// PollTimeoutMs bounds each poll so the loops notice Close.
	PollTimeoutMs int `default:"50"`

	Logger *logrus.Logger

	// OnData receives bytes typed into the slave. Called from a background
	// goroutine; the slice is only valid for the duration of the call.
	OnData func(data []byte)

	// OnError is called at most once when a loop stops on an unexpected error.
	OnError func(err error)
}

// Stats provides runtime counters.
type Stats struct {
	WriteQueueLen     int
	WriteQueueCap     int
	DroppedWriteCount uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// PTY is the master side of a pseudo-terminal pair.
type PTY struct {
	master  *os.File
	slave   *os.File
	ttyName string

	queue *ringbuffer.RingBuffer
	wake  chan struct{}

	opts   Options
	logger *logrus.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	errorOnce sync.Once

	dropped    atomic.Uint64
	readBytes  atomic.Uint64
	writeBytes atomic.Uint64
}

var _ io.WriteCloser = (*PTY)(nil)

// Open creates a PTY pair and starts its I/O loops.
func Open(opts *Options) (*PTY, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	logger := o.Logger
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		master:  master,
		slave:   slave,
		ttyName: slave.Name(),
		queue:   ringbuffer.New(o.WriteCap),
		wake:    make(chan struct{}, 1),
		opts:    o,
		logger:  logger,
		cancel:  cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-"+p.ttyName, p.readLoop)
	groutine.Go(ctx, "pty-write-"+p.ttyName, p.writeLoop)

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// openRaw opens a pair, switches the slave to raw mode and the master to non-blocking.
func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s for %s: %w", step, slave.Name(), err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Write queues data for the slave and returns immediately. Bytes that do not
// fit in the queue are dropped and counted in Stats; data is always reported
// as consumed.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	// A partial write reports ErrTooMuchDataToWrite, a full ring ErrIsFull
	n, err := p.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.dropped.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{"tty": p.ttyName, "dropped": dropped}).Warn("PTY write queue full")
	}

	if n > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return len(data), nil
}

// Stats returns a snapshot of the counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.queue.Length(),
		WriteQueueCap:     p.queue.Capacity(),
		DroppedWriteCount: p.dropped.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// Close stops both loops and closes the pair.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	p.wg.Wait()

	return errors.Join(p.master.Close(), p.slave.Close())
}

func (p *PTY) fail(err error) {
	p.logger.WithError(err).WithField("tty", p.ttyName).Warn("PTY loop stopped")
	if p.opts.OnError != nil {
		p.errorOnce.Do(func() { p.opts.OnError(err) })
	}
}

func (p *PTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := unix.Poll(pollFd, p.opts.PollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.fail(fmt.Errorf("poll failed: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		n, err = p.master.Read(buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if p.opts.OnData != nil {
				p.opts.OnData(buf[:n])
			}
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO), errors.Is(err, os.ErrClosed):
			// Slave side hung up, or Close in progress
			if ctx.Err() == nil {
				p.logger.WithField("tty", p.ttyName).Debug("PTY reader finished")
			}
			return
		default:
			p.fail(fmt.Errorf("read failed: %w", err))
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		if p.queue.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
		}

		n, err := p.queue.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.fail(fmt.Errorf("queue read failed: %w", err))
			return
		}

		for offset := 0; offset < n; {
			if ctx.Err() != nil {
				return
			}

			written, err := p.master.Write(buf[offset:n])
			if written > 0 {
				offset += written
				p.writeBytes.Add(uint64(written))
			}

			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.opts.PollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.fail(fmt.Errorf("poll failed: %w", perr))
					return
				}
			default:
				p.fail(fmt.Errorf("write failed: %w", err))
				return
			}
		}
	}
}
