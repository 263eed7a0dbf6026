package btsocket

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListDisabled means no filtering (default)
	AccessListDisabled AccessListMode = iota
	// AccessListAllow accepts only listed devices
	AccessListAllow
	// AccessListDeny rejects listed devices
	AccessListDeny
)

func (m AccessListMode) String() string {
	switch m {
	case AccessListDisabled:
		return "disabled"
	case AccessListAllow:
		return "allow"
	case AccessListDeny:
		return "deny"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m AccessListMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AccessListMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "disabled":
		*m = AccessListDisabled
	case "allow", "whitelist":
		*m = AccessListAllow
	case "deny", "blacklist":
		*m = AccessListDeny
	default:
		return fmt.Errorf("unknown access list mode %q", text)
	}
	return nil
}

// AccessListConfig configures device-based filtering of incoming
// connections.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode `yaml:"mode"`

	// Devices holds the listed device addresses
	Devices []string `yaml:"devices"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() AccessListConfig {
	return AccessListConfig{Mode: AccessListDisabled}
}

// Validate checks that every listed device parses.
func (c AccessListConfig) Validate() error {
	for _, d := range c.Devices {
		if _, err := ParseAddress(d); err != nil {
			return fmt.Errorf("access list: %w", err)
		}
	}
	return nil
}

// AccessDeniedError is returned when a connection is rejected by the access list.
type AccessDeniedError struct {
	Device Address
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "btsocket: access denied for " + e.Device.String() + ": " + e.Reason
}

// AccessList filters peers by device address. It is safe for concurrent use.
type AccessList struct {
	mu      sync.RWMutex
	mode    AccessListMode
	quiet   bool
	devices map[Address]struct{}
}

// NewAccessList builds a filter from cfg.
func NewAccessList(cfg AccessListConfig) (*AccessList, error) {
	al := &AccessList{
		mode:    cfg.Mode,
		quiet:   cfg.DisableRejectLogging,
		devices: make(map[Address]struct{}),
	}
	for _, d := range cfg.Devices {
		addr, err := ParseAddress(d)
		if err != nil {
			return nil, fmt.Errorf("access list: %w", err)
		}
		al.devices[addr] = struct{}{}
	}
	return al, nil
}

// Allowed reports whether a connection from dev should be accepted.
// A nil list allows everything.
func (al *AccessList) Allowed(dev Address) bool {
	if al == nil {
		return true
	}
	al.mu.RLock()
	defer al.mu.RUnlock()

	_, listed := al.devices[dev]
	switch al.mode {
	case AccessListAllow:
		return listed
	case AccessListDeny:
		return !listed
	default:
		return true
	}
}

// Check returns nil if dev is allowed and an *AccessDeniedError otherwise,
// logging the rejection unless logging is disabled.
func (al *AccessList) Check(dev Address) error {
	if al.Allowed(dev) {
		return nil
	}

	al.mu.RLock()
	reason := "device in deny list"
	if al.mode == AccessListAllow {
		reason = "device not in allow list"
	}
	quiet := al.quiet
	al.mu.RUnlock()

	if !quiet {
		log.Warn().
			Str("peer", dev.String()).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}
	return &AccessDeniedError{Device: dev, Reason: reason}
}

// Add lists dev.
func (al *AccessList) Add(dev Address) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.devices[dev] = struct{}{}
}

// Remove unlists dev.
func (al *AccessList) Remove(dev Address) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.devices, dev)
}

// Count returns the number of listed devices.
func (al *AccessList) Count() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.devices)
}

// ParseDeviceList splits a comma or space separated list of addresses.
func ParseDeviceList(list string) []string {
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
