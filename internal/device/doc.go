// Package device defines the Bluetooth Classic capability the serial registry
// depends on, independent of the host stack that implements it.
//
// The package provides:
//   - Adapter, RemoteDevice and Channel interfaces (bonded device listing,
//     handle resolution, RFCOMM channel creation, discovery cancellation)
//   - DeviceInfo descriptors for paired devices
//   - Bluetooth address parsing and normalization
//   - Service class UUID helpers, including the Serial Port Profile UUID
//   - Typed connection errors comparable with errors.Is
package device
