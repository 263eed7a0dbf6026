package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDaemonConfigDefaults(t *testing.T) {
	cfg, err := loadDaemonConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.validate())
	assert.Equal(t, backendLoopback, cfg.Backend)
	assert.Equal(t, 672, cfg.Loopback.PacketMTU)
	assert.Equal(t, 22, cfg.Bluez.DefaultChannel)
}

func TestLoadDaemonConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btsockd.yaml")
	data := `
listen: /run/btsockd.sock
backend: bluez
socket:
  accept_timeout: 5s
  log_level: debug
loopback:
  address: "00:00:00:00:00:02"
bluez:
  adapter_path: /org/bluez/hci1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := loadDaemonConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, "/run/btsockd.sock", cfg.Listen)
	assert.Equal(t, backendBluez, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.Socket.AcceptTimeout)
	assert.Equal(t, "debug", cfg.Socket.LogLevel)
	assert.True(t, cfg.Socket.StrictSecurity, "unset keys keep defaults")
	assert.Equal(t, "00:00:00:00:00:02", cfg.Loopback.Address.String())
	assert.Equal(t, "/org/bluez/hci1", cfg.Bluez.AdapterPath)
	assert.Equal(t, 22, cfg.Bluez.DefaultChannel)
}

func TestDaemonConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *daemonConfig)
	}{
		{"unknown backend", func(c *daemonConfig) { c.Backend = "usb" }},
		{"empty listen", func(c *daemonConfig) { c.Listen = "" }},
		{"zero mtu", func(c *daemonConfig) { c.Loopback.PacketMTU = 0 }},
		{"huge mtu", func(c *daemonConfig) { c.Loopback.StreamMTU = 70000 }},
		{"bad byte order", func(c *daemonConfig) { c.Socket.ByteOrder = "middle" }},
		{"bluez without adapter", func(c *daemonConfig) {
			c.Backend = backendBluez
			c.Bluez.AdapterPath = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultDaemonConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestLoadDaemonConfigMissing(t *testing.T) {
	_, err := loadDaemonConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
