//go:build !linux

package bluez

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
)

// Adapter is unavailable outside Linux.
type Adapter struct{}

var _ device.Adapter = (*Adapter)(nil)

// NewAdapter always fails: BlueZ is Linux only.
func NewAdapter(_ *Options, _ *logrus.Logger) (*Adapter, error) {
	return nil, fmt.Errorf("%w: BlueZ is not available on %s", device.ErrUnsupported, runtime.GOOS)
}

func (a *Adapter) Name() string { return "" }

func (a *Adapter) BondedDevices(context.Context) ([]device.DeviceInfo, error) {
	return nil, device.ErrUnsupported
}

func (a *Adapter) RemoteDevice(context.Context, string) (device.RemoteDevice, error) {
	return nil, device.ErrUnsupported
}

func (a *Adapter) CancelDiscovery(context.Context) error {
	return device.ErrUnsupported
}

func (a *Adapter) Close() error { return nil }
