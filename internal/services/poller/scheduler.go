// Package poller watches the configured channels for new messages over the
// REST API, pacing each channel independently: quiet or failing channels
// back off, busy ones snap back to the base interval.
package poller

import (
	"context"
	"strconv"
	"time"

	kit "reportbot/internal/transport"
)

type Config struct {
	// Tick is the scheduler resolution.
	Tick time.Duration
	// BaseInterval is the per-channel polling floor.
	BaseInterval time.Duration
	// MaxInterval caps the failure backoff.
	MaxInterval time.Duration
	// ReconcileEvery re-syncs the watched set with the channel directory.
	ReconcileEvery time.Duration
	// HeartbeatEvery emits a liveness log line.
	HeartbeatEvery time.Duration
	// FetchLimit is how many messages to request per poll.
	FetchLimit int
	// BotAllowlist lists bot author IDs whose messages are still handled.
	BotAllowlist []string
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Minute
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Minute
	}
	if c.FetchLimit <= 0 || c.FetchLimit > 100 {
		c.FetchLimit = 5
	}
}

// Handler consumes a new message and reports whether it was a command.
type Handler interface {
	Handle(ctx context.Context, msg kit.Message) bool
}

// channelState tracks the polling cadence of one channel.
type channelState struct {
	lastSeen  string
	interval  time.Duration
	errors    int
	nextCheck time.Time
}

// onSuccess resets the error streak. Consuming a command snaps the interval
// back to base; an uneventful poll shrinks it geometrically toward base.
func (st *channelState) onSuccess(cfg Config, sawCommand bool, now time.Time) {
	st.errors = 0
	if sawCommand {
		st.interval = cfg.BaseInterval
	} else {
		st.interval = time.Duration(float64(st.interval) * 0.8)
		if st.interval < cfg.BaseInterval {
			st.interval = cfg.BaseInterval
		}
	}
	st.nextCheck = now.Add(st.interval)
}

// onFailure grows the interval exponentially, capped at MaxInterval.
func (st *channelState) onFailure(cfg Config, now time.Time) {
	st.errors++
	k := st.errors
	if k > 5 {
		k = 5
	}
	st.interval = cfg.BaseInterval << uint(k)
	if st.interval > cfg.MaxInterval {
		st.interval = cfg.MaxInterval
	}
	st.nextCheck = now.Add(st.interval)
}

// shouldLogFailure throttles poll-error logging to the first failure and
// then every tenth one.
func shouldLogFailure(errors int) bool {
	return errors == 1 || errors%10 == 0
}

// compareIDs orders message IDs: numerically when both parse as snowflakes,
// lexicographically otherwise.
func compareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
