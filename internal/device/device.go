package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// NotFoundError represents an error when a Bluetooth resource is not found
type NotFoundError struct {
	Resource string   // "adapter", "device", "service"
	IDs      []string // One or more identifiers (e.g., [adapter] or [adapter, address])
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	// A device lives on an adapter, so the first ID names the parent
	return fmt.Sprintf("%s %q not found on adapter %q", e.Resource, e.IDs[len(e.IDs)-1], e.IDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected       ConnectionState = "not_connected"
	AlreadyConnected   ConnectionState = "already_connected"
	AdapterUnavailable ConnectionState = "adapter_unavailable"
	Unreachable        ConnectionState = "unreachable"
	ProfileUnavailable ConnectionState = "profile_unavailable"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected   = &ConnectionError{State: AlreadyConnected}
	ErrAdapterUnavailable = &ConnectionError{State: AdapterUnavailable}
	ErrUnreachable        = &ConnectionError{State: Unreachable}
	ErrProfileUnavailable = &ConnectionError{State: ProfileUnavailable}
)

// Operation errors
var (
	ErrInvalidAddress = errors.New("invalid bluetooth address")
	ErrUnsupported    = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps kernel socket error strings to structured ConnectionError types.
// Errors that already carry a ConnectionError are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "host is down"),
		containsIgnoreCase(msg, "no route to host"),
		containsIgnoreCase(msg, "connection timed out"),
		containsIgnoreCase(msg, "page timeout"):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	case containsIgnoreCase(msg, "connection refused"):
		return fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	case containsIgnoreCase(msg, "transport endpoint is already connected"),
		containsIgnoreCase(msg, "socket is already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "transport endpoint is not connected"),
		containsIgnoreCase(msg, "socket is not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "address family not supported"),
		containsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	default:
		return err
	}
}

//nolint:revive // DeviceInfo name is intentional for clarity when used as a device.DeviceInfo
type DeviceInfo struct {
	Address   string   `json:"address" yaml:"address"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Alias     string   `json:"alias,omitempty" yaml:"alias,omitempty"`
	Class     uint32   `json:"class,omitempty" yaml:"class,omitempty"`
	Paired    bool     `json:"paired" yaml:"paired"`
	Connected bool     `json:"connected" yaml:"connected"`
	UUIDs     []string `json:"uuids,omitempty" yaml:"uuids,omitempty"`
}

// DisplayName returns the alias, then the name, then the address
func (d DeviceInfo) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	default:
		return d.Address
	}
}

// SupportsSerialPort reports whether the device advertises the Serial Port Profile.
// Devices that did not report any UUIDs are assumed to support it.
func (d DeviceInfo) SupportsSerialPort() bool {
	if len(d.UUIDs) == 0 {
		return true
	}
	for _, u := range d.UUIDs {
		if parsed, err := ParseServiceUUID(u); err == nil && parsed == SerialPortProfileUUID {
			return true
		}
	}
	return false
}

// Adapter is the local Bluetooth controller as exposed by the host stack.
type Adapter interface {
	// BondedDevices returns a snapshot of devices paired with the adapter.
	BondedDevices(ctx context.Context) ([]DeviceInfo, error)

	// RemoteDevice resolves a device handle by address. Reachability is only
	// checked when a channel connects.
	RemoteDevice(ctx context.Context, address string) (RemoteDevice, error)

	// CancelDiscovery stops an inquiry in progress; discovery and connection
	// cannot run at the same time on most controllers.
	CancelDiscovery(ctx context.Context) error

	Close() error
}

// RemoteDevice is a handle to a remote Bluetooth Classic device
type RemoteDevice interface {
	Address() string

	// OpenChannel creates an unconnected RFCOMM channel for the service class UUID.
	OpenChannel(ctx context.Context, service uuid.UUID) (Channel, error)
}

// Channel is an RFCOMM byte stream. Read and Write return ErrNotConnected until
// Connect succeeds.
type Channel interface {
	io.ReadWriteCloser
	Connect(ctx context.Context) error
}
