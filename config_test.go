package btsocket

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ByteOrderNative, cfg.ByteOrder)
	assert.True(t, cfg.StrictSecurity)
	assert.Zero(t, cfg.AcceptTimeout)
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "empty keeps defaults",
			yaml: "",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultConfig(), cfg)
			},
		},
		{
			name: "overrides",
			yaml: "byte_order: big\nstrict_security: false\naccept_timeout: 2s\nlog_level: debug\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ByteOrderBig, cfg.ByteOrder)
				assert.False(t, cfg.StrictSecurity)
				assert.Equal(t, 2*time.Second, cfg.AcceptTimeout)

				lvl, err := cfg.Level()
				require.NoError(t, err)
				assert.Equal(t, zerolog.DebugLevel, lvl)

				codec, err := cfg.Codec()
				require.NoError(t, err)
				assert.Equal(t, binary.BigEndian, codec.Order)
			},
		},
		{
			name: "access and limits",
			yaml: "access:\n  mode: allow\n  devices: [\"00:11:22:33:44:55\"]\nlimits:\n  max_concurrent: 4\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, AccessListAllow, cfg.Access.Mode)
				assert.Equal(t, []string{"00:11:22:33:44:55"}, cfg.Access.Devices)
				assert.Equal(t, 4, cfg.Limits.MaxConcurrent)
			},
		},
		{name: "bad access device", yaml: "access:\n  devices: [\"zz\"]\n", wantErr: true},
		{name: "negative limit", yaml: "limits:\n  max_conns_per_hour: -2\n", wantErr: true},
		{name: "bad byte order", yaml: "byte_order: middle\n", wantErr: true},
		{name: "bad level", yaml: "log_level: loud\n", wantErr: true},
		{name: "negative timeout", yaml: "accept_timeout: -1s\n", wantErr: true},
		{name: "malformed", yaml: "byte_order: [\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btsocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte("byte_order: little\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ByteOrderLittle, cfg.ByteOrder)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
