//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/srg/btserial/internal/device"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds each wait for a pending connect so ctx is re-checked
const pollTimeoutMs = 100

// channel is an RFCOMM stream that becomes usable once dial succeeds. The
// connected descriptor is non-blocking and owned by the runtime poller, so
// Close unblocks pending reads.
type channel struct {
	address string
	dial    func(ctx context.Context) (*os.File, error)
	release func() error

	mu     sync.Mutex
	file   *os.File
	closed bool
}

var _ device.Channel = (*channel)(nil)

func newChannel(address string, dial func(ctx context.Context) (*os.File, error), release func() error) *channel {
	return &channel{address: address, dial: dial, release: release}
}

func (c *channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%w: channel closed", device.ErrNotConnected)
	case c.file != nil:
		c.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	c.mu.Unlock()

	f, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address, NormalizeError(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = f.Close()
		return fmt.Errorf("%w: channel closed during connect", device.ErrNotConnected)
	}
	c.file = f
	return nil
}

func (c *channel) current() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil, device.ErrNotConnected
	}
	return c.file, nil
}

func (c *channel) Read(p []byte) (int, error) {
	f, err := c.current()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

func (c *channel) Write(p []byte) (int, error) {
	f, err := c.current()
	if err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if err != nil {
		return n, NormalizeError(err)
	}
	return n, nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	f := c.file
	c.mu.Unlock()

	var errs []error
	if f != nil {
		errs = append(errs, f.Close())
	} else if c.release != nil {
		errs = append(errs, c.release())
	}
	return errors.Join(errs...)
}

// newSocketChannel creates a non-blocking RFCOMM socket for a fixed channel.
// The descriptor is released by Close if Connect never succeeds.
func newSocketChannel(addr device.Address, rfcommChannel uint8) (*channel, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("failed to create RFCOMM socket: %w", device.NormalizeError(err))
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr.BDAddr(), Channel: rfcommChannel}
	sock := &rawSocket{fd: fd}

	dial := func(ctx context.Context) (*os.File, error) {
		if err := connectSocket(ctx, fd, sa); err != nil {
			return nil, err
		}
		connected, ok := sock.detach()
		if !ok {
			return nil, fmt.Errorf("%w: socket closed during connect", device.ErrNotConnected)
		}
		return os.NewFile(uintptr(connected), "rfcomm:"+addr.String()), nil
	}

	return newChannel(addr.String(), dial, sock.close), nil
}

// rawSocket owns a descriptor until it is handed to an *os.File.
type rawSocket struct {
	mu sync.Mutex
	fd int
}

func (s *rawSocket) detach() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.fd
	s.fd = -1
	return fd, fd >= 0
}

func (s *rawSocket) close() error {
	fd, ok := s.detach()
	if !ok {
		return nil
	}
	return unix.Close(fd)
}

// connectSocket starts a non-blocking connect and polls until it completes,
// fails, or ctx is done.
func connectSocket(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
	default:
		return err
	}

	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(pollFd, pollTimeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}
