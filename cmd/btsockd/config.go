package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/go-btsocket"
	"github.com/go-i2p/go-btsocket/bluez"
	"github.com/go-i2p/go-btsocket/loopback"
	"github.com/go-i2p/go-btsocket/sockrpc"
	"gopkg.in/yaml.v3"
)

// Backends btsockd can serve.
const (
	backendLoopback = "loopback"
	backendBluez    = "bluez"
)

// daemonConfig is the btsockd configuration file.
type daemonConfig struct {
	Socket   btsocket.Config `yaml:"socket"`
	Listen   string          `yaml:"listen"`
	Backend  string          `yaml:"backend"`
	Loopback loopback.Config `yaml:"loopback"`
	Bluez    bluez.Config    `yaml:"bluez"`
}

func defaultDaemonConfig() *daemonConfig {
	return &daemonConfig{
		Socket:   *btsocket.DefaultConfig(),
		Listen:   sockrpc.DefaultPath(),
		Backend:  backendLoopback,
		Loopback: loopback.DefaultConfig(),
		Bluez:    bluez.DefaultConfig(),
	}
}

// loadDaemonConfig reads path over the defaults. An empty path returns
// the defaults.
func loadDaemonConfig(path string) (*daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *daemonConfig) validate() error {
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen path is required")
	}
	switch c.Backend {
	case backendLoopback:
		if c.Loopback.StreamMTU <= 0 || c.Loopback.PacketMTU <= 0 || c.Loopback.VoiceMTU <= 0 {
			return fmt.Errorf("loopback MTUs must be positive")
		}
		if c.Loopback.StreamMTU > 0xFFFF || c.Loopback.PacketMTU > 0xFFFF || c.Loopback.VoiceMTU > 0xFFFF {
			return fmt.Errorf("loopback MTUs must fit in 16 bits")
		}
	case backendBluez:
		if c.Bluez.AdapterPath == "" {
			return fmt.Errorf("bluez.adapter_path is required")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, backendLoopback, backendBluez)
	}
	return nil
}
