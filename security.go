package btsocket

import (
	"fmt"
	"strings"
)

// SecurityFlags is the bit set handed to the service with every connect and
// bind request. The bit positions are fixed by the stack.
type SecurityFlags uint32

const (
	// FlagEncrypt requires link encryption.
	FlagEncrypt SecurityFlags = 1 << 0
	// FlagAuth requires an authenticated (bonded) link.
	FlagAuth SecurityFlags = 1 << 1
	// FlagNoSDP keeps the listening channel out of the service discovery database.
	FlagNoSDP SecurityFlags = 1 << 2
	// FlagAuthMITM requires man-in-the-middle protection during pairing.
	FlagAuthMITM SecurityFlags = 1 << 3
	// FlagAuth16Digit requires a 16 digit PIN for legacy pairing.
	FlagAuth16Digit SecurityFlags = 1 << 4
)

var securityFlagNames = []struct {
	flag SecurityFlags
	name string
}{
	{FlagEncrypt, "encrypt"},
	{FlagAuth, "auth"},
	{FlagNoSDP, "no-sdp"},
	{FlagAuthMITM, "mitm"},
	{FlagAuth16Digit, "16-digit-pin"},
}

// SecurityOptions holds the constructor booleans a socket's flags are
// computed from.
type SecurityOptions struct {
	Auth          bool `yaml:"auth"`
	Encrypt       bool `yaml:"encrypt"`
	ExcludeSDP    bool `yaml:"exclude_sdp"`
	MITM          bool `yaml:"mitm"`
	Min16DigitPin bool `yaml:"min_16_digit_pin"`
}

// SecureOptions returns the options used by secure RFCOMM sockets:
// authenticated and encrypted.
func SecureOptions() SecurityOptions {
	return SecurityOptions{Auth: true, Encrypt: true}
}

// InsecureOptions returns options with no security requirements.
func InsecureOptions() SecurityOptions {
	return SecurityOptions{}
}

// Flags computes the bit set.
func (o SecurityOptions) Flags() SecurityFlags {
	var f SecurityFlags
	if o.Auth {
		f |= FlagAuth
	}
	if o.Encrypt {
		f |= FlagEncrypt
	}
	if o.ExcludeSDP {
		f |= FlagNoSDP
	}
	if o.MITM {
		f |= FlagAuthMITM
	}
	if o.Min16DigitPin {
		f |= FlagAuth16Digit
	}
	return f
}

// Has reports whether every bit in x is set in f.
func (f SecurityFlags) Has(x SecurityFlags) bool {
	return f&x == x
}

// Validate rejects flag sets that ask for MITM protection or a 16 digit PIN
// without asking for authentication. The stack ignores those bits silently
// in that case.
func (f SecurityFlags) Validate() error {
	if f.Has(FlagAuth) {
		return nil
	}
	if f.Has(FlagAuthMITM) {
		return fmt.Errorf("%w: mitm requires auth", ErrInvalidSecurityFlags)
	}
	if f.Has(FlagAuth16Digit) {
		return fmt.Errorf("%w: 16-digit-pin requires auth", ErrInvalidSecurityFlags)
	}
	return nil
}

// String lists the set flags separated by '|', or "none".
func (f SecurityFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	rest := f
	for _, n := range securityFlagNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
