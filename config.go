package btsocket

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Byte orders accepted by Config.ByteOrder.
const (
	ByteOrderNative = "native"
	ByteOrderLittle = "little"
	ByteOrderBig    = "big"
)

// Config holds the socket layer settings shared by every socket an Adapter
// creates.
type Config struct {
	// ByteOrder of the channel prefix and signal fields. The stack writes
	// them in host order, so "native" is right unless the service runs on
	// a different machine.
	ByteOrder string `yaml:"byte_order"`

	// StrictSecurity rejects sockets that ask for MITM protection or a
	// 16 digit PIN without asking for authentication.
	StrictSecurity bool `yaml:"strict_security"`

	// AcceptTimeout bounds ServerSocket.Accept. Zero blocks.
	AcceptTimeout time.Duration `yaml:"accept_timeout"`

	// LogLevel is a zerolog level name used by the binaries.
	LogLevel string `yaml:"log_level"`

	// Access filters incoming connections by device.
	Access AccessListConfig `yaml:"access"`

	// Limits bounds incoming connections served by an Acceptor.
	Limits ConnectionLimitsConfig `yaml:"limits"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ByteOrder:      ByteOrderNative,
		StrictSecurity: true,
		AcceptTimeout:  0,
		LogLevel:       "info",
		Access:         DefaultAccessListConfig(),
		Limits:         DefaultConnectionLimitsConfig(),
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := c.Codec(); err != nil {
		return err
	}
	if c.AcceptTimeout < 0 {
		return fmt.Errorf("accept_timeout must not be negative, got %s", c.AcceptTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if err := c.Access.Validate(); err != nil {
		return err
	}
	return c.Limits.Validate()
}

// Codec returns the signal codec for the configured byte order.
func (c *Config) Codec() (SignalCodec, error) {
	switch c.ByteOrder {
	case "", ByteOrderNative:
		return SignalCodec{Order: binary.NativeEndian}, nil
	case ByteOrderLittle:
		return SignalCodec{Order: binary.LittleEndian}, nil
	case ByteOrderBig:
		return SignalCodec{Order: binary.BigEndian}, nil
	default:
		return SignalCodec{}, fmt.Errorf("unknown byte_order %q (want native, little or big)", c.ByteOrder)
	}
}

// Level parses LogLevel. An empty level means info.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
