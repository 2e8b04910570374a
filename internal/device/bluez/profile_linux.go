//go:build linux

package bluez

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// profileClient implements org.bluez.Profile1 for the client role. BlueZ calls
// NewConnection with the connected RFCOMM descriptor after ConnectProfile; the
// descriptor is handed to the goroutine waiting on that device path.
type profileClient struct {
	path   dbus.ObjectPath
	logger *logrus.Logger

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan *os.File
}

func newProfileClient(path dbus.ObjectPath, logger *logrus.Logger) *profileClient {
	return &profileClient{
		path:    path,
		logger:  logger,
		waiters: make(map[dbus.ObjectPath]chan *os.File),
	}
}

// expect registers interest in the next connection for dev. The returned cancel
// func must be called once the caller stops waiting.
func (p *profileClient) expect(dev dbus.ObjectPath) (<-chan *os.File, func()) {
	ch := make(chan *os.File, 1)

	p.mu.Lock()
	if prev, ok := p.waiters[dev]; ok {
		close(prev)
	}
	p.waiters[dev] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if p.waiters[dev] == ch {
			delete(p.waiters, dev)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// rejectAll wakes every waiter; used when the profile is unregistered.
func (p *profileClient) rejectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dev, ch := range p.waiters {
		close(ch)
		delete(p.waiters, dev)
	}
}

func (p *profileClient) Release() *dbus.Error {
	p.logger.WithField("path", p.path).Debug("Profile released by BlueZ")
	p.rejectAll()
	return nil
}

func (p *profileClient) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	if err := unix.SetNonblock(int(fd), true); err != nil {
		_ = unix.Close(int(fd))
		p.mu.Lock()
		if ch, ok := p.waiters[dev]; ok {
			delete(p.waiters, dev)
			close(ch)
		}
		p.mu.Unlock()
		return dbus.MakeFailedError(err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+string(dev))

	// Hand-off happens under the lock: once cancel returns, the file is either
	// buffered in the channel or never delivered
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
		ch <- f
	}
	p.mu.Unlock()

	if !ok {
		_ = f.Close()
		p.logger.WithField("device", dev).Warn("Rejected unsolicited RFCOMM connection")
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{"no pending connect"})
	}
	return nil
}

// await runs connect and waits for BlueZ to deliver the descriptor for dev.
// A descriptor that arrives after ctx is done is closed.
func (p *profileClient) await(ctx context.Context, dev dbus.ObjectPath, connect func(ctx context.Context) error) (*os.File, error) {
	files, cancel := p.expect(dev)
	defer cancel()

	if err := connect(ctx); err != nil {
		cancel()
		discard(files)
		return nil, err
	}

	select {
	case f, ok := <-files:
		if !ok {
			return nil, errors.New("profile released before connection was delivered")
		}
		return f, nil
	case <-ctx.Done():
		cancel()
		discard(files)
		return nil, ctx.Err()
	}
}

// discard closes a descriptor left in files after its waiter was cancelled.
func discard(files <-chan *os.File) {
	select {
	case f, ok := <-files:
		if ok && f != nil {
			_ = f.Close()
		}
	default:
	}
}

func (p *profileClient) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.logger.WithField("device", dev).Debug("BlueZ requested disconnection")
	return nil
}
