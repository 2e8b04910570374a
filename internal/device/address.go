package device

import (
	"fmt"
	"strings"
)

// NumAddressBytes is the number of bytes in a Bluetooth device address.
const NumAddressBytes = 6

// Address is a Bluetooth device address in display order (most significant byte first).
type Address [NumAddressBytes]byte

// ParseAddress parses an address in AA:BB:CC:DD:EE:FF form. A hyphen separator
// (AA-BB-CC-DD-EE-FF) is also accepted; hex digits may be in either case.
func ParseAddress(s string) (Address, error) {
	var addr Address

	s = strings.TrimSpace(s)
	if len(s) != 3*NumAddressBytes-1 {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	sep := s[2]
	if sep != ':' && sep != '-' {
		return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	for i := 0; i < NumAddressBytes; i++ {
		off := i * 3
		if i > 0 && s[off-1] != sep {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		hi, ok1 := fromHex(s[off])
		lo, ok2 := fromHex(s[off+1])
		if !ok1 || !ok2 {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		addr[i] = hi<<4 | lo
	}

	return addr, nil
}

// NormalizeAddress validates s and returns it in canonical upper-case, colon separated form.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// String returns the address as AA:BB:CC:DD:EE:FF.
func (a Address) String() string {
	const digits = "0123456789ABCDEF"

	var sb strings.Builder
	sb.Grow(3*NumAddressBytes - 1)
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteByte(digits[b>>4])
		sb.WriteByte(digits[b&0x0f])
	}
	return sb.String()
}

// BDAddr returns the address in the little-endian byte order used by the kernel (bdaddr_t).
func (a Address) BDAddr() [NumAddressBytes]byte {
	var out [NumAddressBytes]byte
	for i := range a {
		out[i] = a[NumAddressBytes-1-i]
	}
	return out
}

// IsZero reports whether all address bytes are zero.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(data []byte) error {
	parsed, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
