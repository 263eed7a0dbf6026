package btsocket

import (
	"fmt"
	"net"
)

// Address is a Bluetooth device address (BD_ADDR) in display order: the
// first byte is the most significant octet, the same order the stack uses
// inside the socket signal.
type Address [6]byte

// NoAddress is the zero address, used for sockets without a remote device.
var NoAddress Address

// ParseAddress parses six colon-separated hex octets, in either case.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 17 {
		return a, fmt.Errorf("invalid bluetooth address %q", s)
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
	}
	copy(a[:], hw)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Intended for constants in tests and examples.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the address as six upper-case hex octets, e.g. "AA:BB:CC:DD:EE:FF".
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether a is NoAddress.
func (a Address) IsZero() bool {
	return a == NoAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string
// decodes to NoAddress.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = NoAddress
		return nil
	}
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

