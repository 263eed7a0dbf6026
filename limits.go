package btsocket

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrLimitExceeded matches every rejection made by connection limits.
var ErrLimitExceeded = errors.New("btsocket: connection limit exceeded")

// ConnectionLimitsConfig configures limits on incoming connections.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrent bounds the connections being served at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Per-device limits
	MaxConnsPerMinute int `yaml:"max_conns_per_minute"`
	MaxConnsPerHour   int `yaml:"max_conns_per_hour"`

	// Limits across all devices
	MaxTotalConnsPerMinute int `yaml:"max_total_conns_per_minute"`
	MaxTotalConnsPerHour   int `yaml:"max_total_conns_per_hour"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultConnectionLimitsConfig returns the default (unlimited) configuration.
func DefaultConnectionLimitsConfig() ConnectionLimitsConfig {
	return ConnectionLimitsConfig{}
}

// Validate rejects negative limits.
func (c ConnectionLimitsConfig) Validate() error {
	for name, v := range map[string]int{
		"max_concurrent":             c.MaxConcurrent,
		"max_conns_per_minute":       c.MaxConnsPerMinute,
		"max_conns_per_hour":         c.MaxConnsPerHour,
		"max_total_conns_per_minute": c.MaxTotalConnsPerMinute,
		"max_total_conns_per_hour":   c.MaxTotalConnsPerHour,
	} {
		if v < 0 {
			return fmt.Errorf("limits: %s must not be negative, got %d", name, v)
		}
	}
	return nil
}

// enabled reports whether any limit is set.
func (c ConnectionLimitsConfig) enabled() bool {
	return c.MaxConcurrent > 0 || c.MaxConnsPerMinute > 0 || c.MaxConnsPerHour > 0 ||
		c.MaxTotalConnsPerMinute > 0 || c.MaxTotalConnsPerHour > 0
}

// connectionLimiter tracks and enforces connection limits using
// per-device and total timestamp windows.
type connectionLimiter struct {
	config ConnectionLimitsConfig
	now    func() time.Time

	mu          sync.Mutex
	active      int
	peerHistory map[Address][]time.Time
	total       []time.Time
}

func newConnectionLimiter(config ConnectionLimitsConfig) *connectionLimiter {
	return &connectionLimiter{
		config:      config,
		now:         time.Now,
		peerHistory: make(map[Address][]time.Time),
	}
}

// CheckAndRecord admits a new connection from dev or returns an error
// matching ErrLimitExceeded. An admitted connection must be released
// with Closed.
func (cl *connectionLimiter) CheckAndRecord(dev Address) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	cl.total = prune(cl.total, now)
	history := prune(cl.peerHistory[dev], now)
	cl.peerHistory[dev] = history

	err := cl.checkLocked(history, now)
	if err != nil {
		if !cl.config.DisableRejectLogging {
			log.Warn().
				Err(err).
				Str("peer", dev.String()).
				Int("active", cl.active).
				Msg("incoming connection rejected due to limit")
		}
		return err
	}

	cl.active++
	cl.total = append(cl.total, now)
	cl.peerHistory[dev] = append(history, now)
	return nil
}

// checkLocked applies every limit. Must be called with cl.mu held.
func (cl *connectionLimiter) checkLocked(history []time.Time, now time.Time) error {
	c := cl.config
	if c.MaxConcurrent > 0 && cl.active >= c.MaxConcurrent {
		return fmt.Errorf("%w: %d concurrent connections", ErrLimitExceeded, c.MaxConcurrent)
	}

	checks := []struct {
		limit  int
		events []time.Time
		window time.Duration
		what   string
	}{
		{c.MaxTotalConnsPerMinute, cl.total, time.Minute, "total connections per minute"},
		{c.MaxTotalConnsPerHour, cl.total, time.Hour, "total connections per hour"},
		{c.MaxConnsPerMinute, history, time.Minute, "connections per minute from device"},
		{c.MaxConnsPerHour, history, time.Hour, "connections per hour from device"},
	}
	for _, chk := range checks {
		if chk.limit > 0 && countSince(chk.events, now.Add(-chk.window)) >= chk.limit {
			return fmt.Errorf("%w: %s (%d)", ErrLimitExceeded, chk.what, chk.limit)
		}
	}
	return nil
}

// Closed releases one admitted connection.
func (cl *connectionLimiter) Closed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active > 0 {
		cl.active--
	}
}

// Active returns the number of admitted connections still open.
func (cl *connectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.active
}

// prune drops timestamps older than the longest window.
func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func countSince(ts []time.Time, since time.Time) int {
	count := 0
	for _, t := range ts {
		if t.After(since) {
			count++
		}
	}
	return count
}
