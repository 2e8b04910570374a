package serial

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by Send and ReadLine once a connection is closed.
var ErrConnectionClosed = errors.New("connection closed")

// ConnectFailure is the single error kind returned by Open. The underlying
// cause (invalid address, unknown device, unreachable device, rejected
// profile, unsupported encoding, cancelled wait) is available via errors.Unwrap.
type ConnectFailure struct {
	Address string
	Err     error
}

func (e *ConnectFailure) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectFailure) Unwrap() error {
	return e.Err
}
