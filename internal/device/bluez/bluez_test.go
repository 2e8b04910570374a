package bluez

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/btserial/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	addr, err := device.ParseAddress("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), AdapterPath("hci0"))
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01"), DevicePath("hci1", addr))

	back, err := AddressFromPath(DevicePath("hci0", addr))
	require.NoError(t, err)
	assert.Equal(t, addr, back)

	_, err = AddressFromPath("/org/bluez/hci0")
	assert.ErrorIs(t, err, device.ErrInvalidAddress)

	assert.True(t, profilePath("hci0", device.SerialPortProfileUUID.String()).IsValid(), "profile path MUST be a valid D-Bus object path")
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state device.ConnectionState
	}{
		{name: "adapter not ready", err: dbus.Error{Name: "org.bluez.Error.NotReady", Body: []interface{}{"Resource Not Ready"}}, state: device.AdapterUnavailable},
		{name: "already connected", err: dbus.Error{Name: "org.bluez.Error.AlreadyConnected"}, state: device.AlreadyConnected},
		{name: "not connected pointer form", err: dbus.NewError("org.bluez.Error.NotConnected", nil), state: device.NotConnected},
		{name: "profile not available", err: dbus.Error{Name: "org.bluez.Error.NotAvailable", Body: []interface{}{"Operation currently not available"}}, state: device.ProfileUnavailable},
		{name: "page timeout", err: dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"br-connection-page-timeout"}}, state: device.Unreachable},
		{name: "host down", err: dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Host is down"}}, state: device.Unreachable},
		{name: "profile unavailable", err: dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"br-connection-profile-unavailable"}}, state: device.ProfileUnavailable},
		{name: "bluetoothd missing", err: dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}, state: device.AdapterUnavailable},
		{name: "wrapped errno", err: fmt.Errorf("connect: %w", syscall.EHOSTDOWN), state: device.Unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.True(t, device.IsConnectionState(got, tt.state), "got %v", got)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	t.Run("unknown object is not found", func(t *testing.T) {
		got := NormalizeError(dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"})
		var nf *device.NotFoundError
		assert.True(t, errors.As(got, &nf))
	})

	t.Run("unmapped error passes through", func(t *testing.T) {
		orig := dbus.Error{Name: "org.bluez.Error.AuthenticationFailed"}
		assert.Equal(t, error(orig), NormalizeError(orig))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, NormalizeError(nil))
	})
}

func TestIsNoDiscovery(t *testing.T) {
	assert.True(t, isNoDiscovery(dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"No discovery started"}}))
	assert.False(t, isNoDiscovery(dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Something else"}}))
	assert.False(t, isNoDiscovery(errors.New("No discovery started")))
}
