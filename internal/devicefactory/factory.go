package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
	"github.com/srg/btserial/internal/device/bluez"
)

// AdapterFactory creates the platform Bluetooth adapter.
// This is a variable so that it can be overridden in tests.
var AdapterFactory = func(opts *bluez.Options, logger *logrus.Logger) (device.Adapter, error) {
	adapter, err := bluez.NewAdapter(opts, logger)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}
