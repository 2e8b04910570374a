// Package bluez implements the Bluetooth capability on top of the Linux BlueZ
// stack. Bonded devices and discovery are reached over the system D-Bus;
// RFCOMM channels are either dialled directly on a fixed channel or obtained
// through an org.bluez.Profile1 client registration.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/btserial/internal/device"
)

// Options configures the BlueZ adapter.
type Options struct {
	// Adapter is the controller name as listed by `hciconfig` (hci0, hci1, ...).
	Adapter string `default:"hci0"`

	// Channel selects a fixed RFCOMM channel. Zero resolves the channel through
	// BlueZ's SDP lookup by registering a client profile for the service UUID.
	Channel uint8
}

const (
	bluezService        = "org.bluez"
	bluezRoot           = dbus.ObjectPath("/org/bluez")
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	// profileRoot prefixes the object paths of exported Profile1 clients
	profileRoot = "/org/btserial/profile"
)

// AdapterPath returns the object path of a controller, e.g. /org/bluez/hci0.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%s", bluezRoot, adapter))
}

// DevicePath returns the object path BlueZ uses for a remote device on adapter,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter string, addr device.Address) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(adapter), strings.ReplaceAll(addr.String(), ":", "_")))
}

// AddressFromPath extracts the device address from a device object path.
func AddressFromPath(path dbus.ObjectPath) (device.Address, error) {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return device.Address{}, fmt.Errorf("%w: %q is not a device path", device.ErrInvalidAddress, s)
	}
	return device.ParseAddress(strings.ReplaceAll(s[idx+len("/dev_"):], "_", ":"))
}

// profilePath returns the export path of the client profile for a service.
func profilePath(adapter string, service string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%s/p%s", profileRoot, adapter, strings.ReplaceAll(service, "-", "")))
}
