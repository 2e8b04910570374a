//go:build linux

package bluez

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
)

// Adapter is a BlueZ controller reached over a private system bus connection.
type Adapter struct {
	opts   Options
	bus    *dbus.Conn
	path   dbus.ObjectPath
	logger *logrus.Logger

	mu       sync.Mutex
	profiles map[uuid.UUID]*profileClient
	closed   bool
}

var _ device.Adapter = (*Adapter)(nil)

// NewAdapter connects to the system bus and verifies the configured controller
// exists. A nil opts selects hci0 with SDP channel resolution.
func NewAdapter(opts *Options, logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to system bus: %v", device.ErrAdapterUnavailable, err)
	}

	a := &Adapter{
		opts:     o,
		bus:      bus,
		path:     AdapterPath(o.Adapter),
		logger:   logger,
		profiles: make(map[uuid.UUID]*profileClient),
	}

	if _, err := bus.Object(bluezService, a.path).GetProperty(adapterIface + ".Address"); err != nil {
		_ = bus.Close()
		if name, ok := errorName(err); ok && (name == "org.freedesktop.DBus.Error.UnknownObject" || name == "org.freedesktop.DBus.Error.UnknownMethod") {
			return nil, fmt.Errorf("%w: %w", device.ErrAdapterUnavailable, &device.NotFoundError{Resource: "adapter", IDs: []string{o.Adapter}})
		}
		return nil, NormalizeError(err)
	}

	logger.WithFields(logrus.Fields{
		"adapter": o.Adapter,
		"channel": o.Channel,
	}).Debug("BlueZ adapter ready")

	return a, nil
}

// Name returns the controller name, e.g. hci0.
func (a *Adapter) Name() string {
	return a.opts.Adapter
}

// BondedDevices lists devices paired with this controller, sorted by address.
func (a *Adapter) BondedDevices(ctx context.Context) ([]device.DeviceInfo, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := a.bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("failed to list BlueZ objects: %w", NormalizeError(call.Err))
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("failed to decode BlueZ objects: %w", err)
	}

	out := make([]device.DeviceInfo, 0)
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if owner, _ := props["Adapter"].Value().(dbus.ObjectPath); owner != a.path {
			continue
		}
		info := deviceInfoFromProps(path, props)
		if !info.Paired {
			continue
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func deviceInfoFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) device.DeviceInfo {
	var info device.DeviceInfo

	if s, ok := props["Address"].Value().(string); ok {
		if normalized, err := device.NormalizeAddress(s); err == nil {
			info.Address = normalized
		}
	}
	if info.Address == "" {
		if addr, err := AddressFromPath(path); err == nil {
			info.Address = addr.String()
		}
	}
	info.Name, _ = props["Name"].Value().(string)
	info.Alias, _ = props["Alias"].Value().(string)
	info.Class, _ = props["Class"].Value().(uint32)
	info.Paired, _ = props["Paired"].Value().(bool)
	info.Connected, _ = props["Connected"].Value().(bool)
	info.UUIDs, _ = props["UUIDs"].Value().([]string)
	return info
}

// RemoteDevice resolves a device known to BlueZ on this controller.
func (a *Adapter) RemoteDevice(ctx context.Context, address string) (device.RemoteDevice, error) {
	addr, err := device.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	path := DevicePath(a.opts.Adapter, addr)
	call := a.bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Address")
	if call.Err != nil {
		if name, ok := errorName(call.Err); ok && (name == "org.freedesktop.DBus.Error.UnknownObject" || name == "org.freedesktop.DBus.Error.UnknownMethod") {
			return nil, &device.NotFoundError{Resource: "device", IDs: []string{a.opts.Adapter, addr.String()}}
		}
		return nil, NormalizeError(call.Err)
	}

	return &remoteDevice{adapter: a, addr: addr, path: path}, nil
}

// CancelDiscovery stops a running inquiry. No discovery in progress is not an error.
func (a *Adapter) CancelDiscovery(ctx context.Context) error {
	call := a.bus.Object(bluezService, a.path).CallWithContext(ctx, adapterIface+".StopDiscovery", 0)
	if call.Err != nil && !isNoDiscovery(call.Err) {
		return NormalizeError(call.Err)
	}
	return nil
}

// Close unregisters exported profiles and closes the bus connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	profiles := a.profiles
	a.profiles = nil
	a.mu.Unlock()

	manager := a.bus.Object(bluezService, bluezRoot)
	for service, p := range profiles {
		if err := manager.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err; err != nil {
			a.logger.WithError(err).WithField("uuid", service.String()).Debug("Failed to unregister profile")
		}
		_ = a.bus.Export(nil, p.path, profileIface)
		p.rejectAll()
	}
	return a.bus.Close()
}

// profileFor exports and registers a client profile for service on first use.
func (a *Adapter) profileFor(ctx context.Context, service uuid.UUID) (*profileClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", device.ErrAdapterUnavailable)
	}
	if p, ok := a.profiles[service]; ok {
		return p, nil
	}

	p := newProfileClient(profilePath(a.opts.Adapter, service.String()), a.logger)
	if err := a.bus.Export(p, p.path, profileIface); err != nil {
		return nil, fmt.Errorf("failed to export profile: %w", err)
	}

	options := map[string]dbus.Variant{
		"Role":        dbus.MakeVariant("client"),
		"AutoConnect": dbus.MakeVariant(false),
	}
	call := a.bus.Object(bluezService, bluezRoot).CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, p.path, service.String(), options)
	if call.Err != nil {
		_ = a.bus.Export(nil, p.path, profileIface)
		if name, ok := errorName(call.Err); ok && name == "org.bluez.Error.AlreadyExists" {
			return nil, fmt.Errorf("profile %s is registered by another process: %w", service, call.Err)
		}
		return nil, fmt.Errorf("failed to register profile: %w", NormalizeError(call.Err))
	}

	a.profiles[service] = p
	a.logger.WithFields(logrus.Fields{"uuid": service.String(), "path": p.path}).Debug("Registered client profile")
	return p, nil
}

type remoteDevice struct {
	adapter *Adapter
	addr    device.Address
	path    dbus.ObjectPath
}

func (d *remoteDevice) Address() string {
	return d.addr.String()
}

// OpenChannel prepares an RFCOMM channel for service. With a fixed channel
// configured a raw socket is created; otherwise the connection is requested
// from BlueZ through the client profile.
func (d *remoteDevice) OpenChannel(ctx context.Context, service uuid.UUID) (device.Channel, error) {
	if ch := d.adapter.opts.Channel; ch != 0 {
		return newSocketChannel(d.addr, ch)
	}

	p, err := d.adapter.profileFor(ctx, service)
	if err != nil {
		return nil, err
	}

	obj := d.adapter.bus.Object(bluezService, d.path)
	return newChannel(d.addr.String(), func(ctx context.Context) (*os.File, error) {
		return p.await(ctx, d.path, func(ctx context.Context) error {
			call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String())
			if call.Err != nil {
				return NormalizeError(call.Err)
			}
			return nil
		})
	}, nil), nil
}
