package btsocket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestAccessListAllowed(t *testing.T) {
	listed := MustParseAddress("00:11:22:33:44:55")
	other := MustParseAddress("AA:BB:CC:DD:EE:FF")

	tests := []struct {
		mode       AccessListMode
		wantListed bool
		wantOther  bool
	}{
		{AccessListDisabled, true, true},
		{AccessListAllow, true, false},
		{AccessListDeny, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			al, err := NewAccessList(AccessListConfig{
				Mode:                 tt.mode,
				Devices:              []string{"00:11:22:33:44:55"},
				DisableRejectLogging: true,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantListed, al.Allowed(listed))
			assert.Equal(t, tt.wantOther, al.Allowed(other))
		})
	}
}

func TestAccessListCheck(t *testing.T) {
	dev := MustParseAddress("00:11:22:33:44:55")
	al, err := NewAccessList(AccessListConfig{Mode: AccessListAllow, DisableRejectLogging: true})
	require.NoError(t, err)

	err = al.Check(dev)
	var ade *AccessDeniedError
	require.True(t, errors.As(err, &ade))
	assert.Equal(t, dev, ade.Device)
	assert.Contains(t, err.Error(), "not in allow list")

	al.Add(dev)
	assert.Equal(t, 1, al.Count())
	assert.NoError(t, al.Check(dev))

	al.Remove(dev)
	assert.Zero(t, al.Count())
	assert.Error(t, al.Check(dev))
}

func TestAccessListNil(t *testing.T) {
	var al *AccessList
	assert.True(t, al.Allowed(NoAddress))
	assert.NoError(t, al.Check(testPeer))
}

func TestAccessListBadDevice(t *testing.T) {
	_, err := NewAccessList(AccessListConfig{Mode: AccessListDeny, Devices: []string{"00:11:22"}})
	assert.Error(t, err)
	assert.Error(t, AccessListConfig{Devices: []string{"nope"}}.Validate())
}

func TestParseDeviceList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"00:11:22:33:44:55", []string{"00:11:22:33:44:55"}},
		{"00:11:22:33:44:55, AA:BB:CC:DD:EE:FF", []string{"00:11:22:33:44:55", "AA:BB:CC:DD:EE:FF"}},
		{"  a b,c ", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDeviceList(tt.in))
		})
	}
}

func TestAccessListModeYAML(t *testing.T) {
	var cfg AccessListConfig
	require.NoError(t, yaml.Unmarshal([]byte("mode: deny\ndevices: [\"00:11:22:33:44:55\"]\n"), &cfg))
	assert.Equal(t, AccessListDeny, cfg.Mode)
	assert.Equal(t, []string{"00:11:22:33:44:55"}, cfg.Devices)

	assert.Error(t, yaml.Unmarshal([]byte("mode: maybe\n"), &cfg))
}
