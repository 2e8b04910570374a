package device

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BaseUUID is the Bluetooth SIG base UUID that 16- and 32-bit short UUIDs expand into.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// SerialPortProfileUUID is the service class UUID of the Serial Port Profile (0x1101).
var SerialPortProfileUUID = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// ExpandShortUUID returns the 128-bit form of a 16- or 32-bit Bluetooth SIG UUID.
func ExpandShortUUID(short uint32) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[:4], short)
	return u
}

// ParseServiceUUID parses a service class UUID. It accepts full 128-bit UUIDs
// (with or without dashes) and 16/32-bit short forms, optionally prefixed with 0x.
func ParseServiceUUID(s string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")

	if len(short) == 4 || len(short) == 8 {
		v, err := strconv.ParseUint(short, 16, 32)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		return ExpandShortUUID(uint32(v)), nil
	}

	u, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
	}
	return u, nil
}

// ShortUUID returns the 16-bit form of u when it is derived from the base UUID.
func ShortUUID(u uuid.UUID) (uint16, bool) {
	if [12]byte(u[4:]) != [12]byte(BaseUUID[4:]) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(u[:4])
	if v > 0xffff {
		return 0, false
	}
	return uint16(v), true
}
