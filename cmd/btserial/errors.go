package main

import (
	"errors"
	"strings"

	"github.com/srg/btserial/bridge"
	"github.com/srg/btserial/internal/device"
)

// hint pairs an error condition with advice for the user
type hint struct {
	match  func(err error) bool
	advice string
}

var userHints = []hint{
	{
		match: func(err error) bool {
			var nf *device.NotFoundError
			return errors.As(err, &nf) && nf.Resource == "device"
		},
		advice: "the device is not known to the adapter; pair it first (e.g. bluetoothctl pair <address>) and check 'btserial paired'",
	},
	{
		match: func(err error) bool {
			var nf *device.NotFoundError
			return errors.As(err, &nf) && nf.Resource == "adapter"
		},
		advice: "check the adapter name with 'bluetoothctl list' and pass it with --adapter",
	},
	{
		match:  func(err error) bool { return errors.Is(err, device.ErrAdapterUnavailable) },
		advice: "make sure bluetoothd is running and the adapter is powered (bluetoothctl power on)",
	},
	{
		match:  func(err error) bool { return errors.Is(err, device.ErrUnreachable) },
		advice: "make sure the device is switched on and in range",
	},
	{
		match:  func(err error) bool { return errors.Is(err, device.ErrProfileUnavailable) },
		advice: "the device does not offer a Serial Port Profile service; if it listens on a fixed RFCOMM channel, pass --channel",
	},
	{
		match:  func(err error) bool { return errors.Is(err, device.ErrInvalidAddress) },
		advice: "addresses look like AA:BB:CC:DD:EE:FF",
	},
	{
		match:  func(err error) bool { return errors.Is(err, device.ErrUnsupported) },
		advice: "Bluetooth Classic serial connections need Linux with BlueZ",
	},
	{
		match:  func(err error) bool { return errors.Is(err, bridge.ErrDisconnected) },
		advice: "the device closed the connection; restart the bridge to reconnect",
	},
}

// FormatUserError renders err for the terminal, followed by the first matching hint.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(err.Error())
	for _, h := range userHints {
		if h.match(err) {
			sb.WriteString("\n  hint: ")
			sb.WriteString(h.advice)
			break
		}
	}
	return sb.String()
}
