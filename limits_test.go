package btsocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(cfg ConnectionLimitsConfig) (*connectionLimiter, *time.Time) {
	cfg.DisableRejectLogging = true
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cl := newConnectionLimiter(cfg)
	cl.now = func() time.Time { return now }
	return cl, &now
}

func TestLimiterConcurrent(t *testing.T) {
	cl, _ := newTestLimiter(ConnectionLimitsConfig{MaxConcurrent: 2})

	require.NoError(t, cl.CheckAndRecord(testPeer))
	require.NoError(t, cl.CheckAndRecord(testPeer))
	assert.ErrorIs(t, cl.CheckAndRecord(testPeer), ErrLimitExceeded)
	assert.Equal(t, 2, cl.Active())

	cl.Closed()
	assert.NoError(t, cl.CheckAndRecord(testPeer))
}

func TestLimiterWindows(t *testing.T) {
	other := MustParseAddress("66:55:44:33:22:11")

	tests := []struct {
		name    string
		cfg     ConnectionLimitsConfig
		advance time.Duration
		second  Address
		wantErr bool
	}{
		{"per device minute", ConnectionLimitsConfig{MaxConnsPerMinute: 1}, 0, testPeer, true},
		{"per device other peer", ConnectionLimitsConfig{MaxConnsPerMinute: 1}, 0, other, false},
		{"per device minute elapsed", ConnectionLimitsConfig{MaxConnsPerMinute: 1}, time.Minute + time.Second, testPeer, false},
		{"per device hour", ConnectionLimitsConfig{MaxConnsPerHour: 1}, 30 * time.Minute, testPeer, true},
		{"total minute", ConnectionLimitsConfig{MaxTotalConnsPerMinute: 1}, 0, other, true},
		{"total hour elapsed", ConnectionLimitsConfig{MaxTotalConnsPerHour: 1}, time.Hour + time.Second, other, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl, now := newTestLimiter(tt.cfg)
			require.NoError(t, cl.CheckAndRecord(testPeer))
			cl.Closed()

			*now = now.Add(tt.advance)
			err := cl.CheckAndRecord(tt.second)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrLimitExceeded)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLimiterPrune(t *testing.T) {
	cl, now := newTestLimiter(ConnectionLimitsConfig{MaxTotalConnsPerHour: 10})
	for i := 0; i < 3; i++ {
		require.NoError(t, cl.CheckAndRecord(testPeer))
	}
	*now = now.Add(2 * time.Hour)
	require.NoError(t, cl.CheckAndRecord(testPeer))

	assert.Len(t, cl.total, 1)
	assert.Len(t, cl.peerHistory[testPeer], 1)
}

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultConnectionLimitsConfig().Validate())
	assert.False(t, DefaultConnectionLimitsConfig().enabled())
	assert.Error(t, ConnectionLimitsConfig{MaxConnsPerHour: -1}.Validate())
	assert.True(t, ConnectionLimitsConfig{MaxConcurrent: 1}.enabled())
}
