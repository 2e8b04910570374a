package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/srg/btserial/internal/device"
	"go.uber.org/atomic"
)

// FakeAdapter is an in-memory device.Adapter. Each successful Connect creates a
// net.Pipe; the local end backs the channel and the remote end is exposed as the
// device's peer so tests can play the role of the remote device.
type FakeAdapter struct {
	mu                 sync.Mutex
	devices            map[string]*FakeDevice
	bondedErr          error
	cancelDiscoveryErr error

	cancelDiscoveryCalls atomic.Int32
	closed               atomic.Bool
}

// FakeDevice is a remote device known to a FakeAdapter.
type FakeDevice struct {
	Info device.DeviceInfo

	mu         sync.Mutex
	connectErr error
	openErr    error
	closeErr   error
	readErr    error
	closeHook  func()
	gate       chan struct{}
	peers      []net.Conn
	peerReady  chan struct{}

	openCalls    atomic.Int32
	connectCalls atomic.Int32
	closeCalls   atomic.Int32
}

var _ device.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter creates an adapter with no devices.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{devices: make(map[string]*FakeDevice)}
}

// WithBondedDevice adds a paired device that advertises the Serial Port Profile.
func (a *FakeAdapter) WithBondedDevice(address, name string) *FakeAdapter {
	return a.WithDevice(device.DeviceInfo{
		Address: address,
		Name:    name,
		Paired:  true,
		UUIDs:   []string{device.SerialPortProfileUUID.String()},
	})
}

// WithDevice adds a device described by info. Unpaired devices can still be
// resolved and connected but are not listed as bonded.
func (a *FakeAdapter) WithDevice(info device.DeviceInfo) *FakeAdapter {
	addr, err := device.NormalizeAddress(info.Address)
	if err != nil {
		panic(fmt.Sprintf("WithDevice: %v", err))
	}
	info.Address = addr

	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[addr] = &FakeDevice{Info: info, peerReady: make(chan struct{}, 16)}
	return a
}

// FromJSON adds devices from a JSON document of the form
// {"devices": [{"address": "...", "name": "...", "paired": true}]}.
// Panics on invalid JSON as this is intended for test data setup.
func (a *FakeAdapter) FromJSON(jsonStrFmt string, args ...interface{}) *FakeAdapter {
	var data struct {
		Devices []device.DeviceInfo `json:"devices"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	for _, info := range data.Devices {
		a.WithDevice(info)
	}
	return a
}

// WithBondedDevicesError makes BondedDevices fail with err.
func (a *FakeAdapter) WithBondedDevicesError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bondedErr = err
	return a
}

// WithCancelDiscoveryError makes CancelDiscovery fail with err.
func (a *FakeAdapter) WithCancelDiscoveryError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelDiscoveryErr = err
	return a
}

// Device returns the fake device for address; it panics for unknown addresses.
func (a *FakeAdapter) Device(address string) *FakeDevice {
	addr, err := device.NormalizeAddress(address)
	if err != nil {
		panic(fmt.Sprintf("Device: %v", err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[addr]
	if !ok {
		panic(fmt.Sprintf("Device: no fake device %s", addr))
	}
	return d
}

// CancelDiscoveryCalls returns how many times discovery was cancelled.
func (a *FakeAdapter) CancelDiscoveryCalls() int {
	return int(a.cancelDiscoveryCalls.Load())
}

// IsClosed reports whether Close was called.
func (a *FakeAdapter) IsClosed() bool {
	return a.closed.Load()
}

func (a *FakeAdapter) BondedDevices(ctx context.Context) ([]device.DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bondedErr != nil {
		return nil, a.bondedErr
	}

	var out []device.DeviceInfo
	for _, d := range a.devices {
		if d.Info.Paired {
			out = append(out, d.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (a *FakeAdapter) RemoteDevice(ctx context.Context, address string) (device.RemoteDevice, error) {
	addr, err := device.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[addr]
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", IDs: []string{"fake0", addr}}
	}
	return d, nil
}

func (a *FakeAdapter) CancelDiscovery(ctx context.Context) error {
	a.cancelDiscoveryCalls.Inc()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelDiscoveryErr
}

func (a *FakeAdapter) Close() error {
	a.closed.Store(true)
	return nil
}

// FailConnect makes subsequent Connect calls fail with err.
func (d *FakeDevice) FailConnect(err error) *FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
	return d
}

// FailOpenChannel makes subsequent OpenChannel calls fail with err.
func (d *FakeDevice) FailOpenChannel(err error) *FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
	return d
}

// FailClose makes channel Close return err. The pipe is still closed.
func (d *FakeDevice) FailClose(err error) *FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeErr = err
	return d
}

// FailRead makes subsequent channel reads fail with err.
func (d *FakeDevice) FailRead(err error) *FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
	return d
}

// OnChannelClose runs fn whenever a channel of this device is being closed.
func (d *FakeDevice) OnChannelClose(fn func()) *FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeHook = fn
	return d
}

// BlockConnect makes Connect wait until the returned release func is called.
func (d *FakeDevice) BlockConnect() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// ConnectCalls returns how many times Connect was invoked on this device's channels.
func (d *FakeDevice) ConnectCalls() int {
	return int(d.connectCalls.Load())
}

// OpenChannelCalls returns how many channels were opened for this device.
func (d *FakeDevice) OpenChannelCalls() int {
	return int(d.openCalls.Load())
}

// CloseCalls returns how many times a channel of this device was closed.
func (d *FakeDevice) CloseCalls() int {
	return int(d.closeCalls.Load())
}

// Peer returns the remote end of the most recent connection, or nil.
func (d *FakeDevice) Peer() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.peers) == 0 {
		return nil
	}
	return d.peers[len(d.peers)-1]
}

// WaitPeer blocks until a connection is established or ctx is done.
func (d *FakeDevice) WaitPeer(ctx context.Context) (net.Conn, error) {
	select {
	case <-d.peerReady:
		return d.Peer(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *FakeDevice) Address() string {
	return d.Info.Address
}

func (d *FakeDevice) OpenChannel(ctx context.Context, service uuid.UUID) (device.Channel, error) {
	d.openCalls.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if service != device.SerialPortProfileUUID {
		return nil, fmt.Errorf("%w: service %s", device.ErrProfileUnavailable, service)
	}
	return &fakeChannel{dev: d}, nil
}

type fakeChannel struct {
	dev *FakeDevice

	mu     sync.Mutex
	local  net.Conn
	closed bool
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	c.dev.connectCalls.Inc()

	c.dev.mu.Lock()
	gate := c.dev.gate
	c.dev.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.dev.mu.Lock()
	connectErr := c.dev.connectErr
	c.dev.mu.Unlock()
	if connectErr != nil {
		return connectErr
	}

	local, remote := net.Pipe()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = local.Close()
		_ = remote.Close()
		return device.ErrNotConnected
	}
	c.local = local
	c.mu.Unlock()

	c.dev.mu.Lock()
	c.dev.peers = append(c.dev.peers, remote)
	c.dev.mu.Unlock()

	select {
	case c.dev.peerReady <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeChannel) conn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil, device.ErrNotConnected
	}
	return c.local, nil
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.dev.mu.Lock()
	readErr := c.dev.readErr
	c.dev.mu.Unlock()
	if readErr != nil {
		return 0, readErr
	}

	conn, err := c.conn()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	conn, err := c.conn()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (c *fakeChannel) Close() error {
	c.dev.closeCalls.Inc()

	c.dev.mu.Lock()
	hook := c.dev.closeHook
	c.dev.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	c.closed = true
	local := c.local
	c.mu.Unlock()

	if local != nil {
		_ = local.Close()
	}

	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	return c.dev.closeErr
}
