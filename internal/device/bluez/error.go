package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/btserial/internal/device"
)

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) (string, bool) {
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name, true
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name, true
	}
	return "", false
}

// NormalizeError maps BlueZ D-Bus errors to the device error taxonomy. Socket
// level errors fall through to device.NormalizeError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *device.ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	name, ok := errorName(err)
	if !ok {
		return device.NormalizeError(err)
	}

	msg := strings.ToLower(err.Error())
	switch name {
	case "org.bluez.Error.NotReady":
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case "org.bluez.Error.AlreadyConnected":
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case "org.bluez.Error.NotConnected":
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case "org.bluez.Error.NotAvailable", "org.bluez.Error.NotSupported":
		return fmt.Errorf("%w: %v", device.ErrProfileUnavailable, err)
	case "org.bluez.Error.DoesNotExist", "org.freedesktop.DBus.Error.UnknownObject":
		return fmt.Errorf("%w: %v", &device.NotFoundError{Resource: "device"}, err)
	case "org.freedesktop.DBus.Error.ServiceUnknown":
		return fmt.Errorf("%w: bluetoothd is not running: %v", device.ErrAdapterUnavailable, err)
	}

	// org.bluez.Error.Failed carries the kernel or BR/EDR reason in its message
	switch {
	case strings.Contains(msg, "page-timeout"), strings.Contains(msg, "br-connection-create-socket"):
		return fmt.Errorf("%w: %v", device.ErrUnreachable, err)
	case strings.Contains(msg, "profile-unavailable"), strings.Contains(msg, "protocol not available"):
		return fmt.Errorf("%w: %v", device.ErrProfileUnavailable, err)
	case strings.Contains(msg, "adapter-not-powered"), strings.Contains(msg, "not powered"):
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	}
	return device.NormalizeError(err)
}

// isNoDiscovery reports whether err is BlueZ refusing StopDiscovery because
// no discovery session is active.
func isNoDiscovery(err error) bool {
	name, ok := errorName(err)
	if !ok {
		return false
	}
	return name == "org.bluez.Error.Failed" && strings.Contains(strings.ToLower(err.Error()), "no discovery started")
}
