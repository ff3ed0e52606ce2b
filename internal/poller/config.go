package poller

import (
	"time"

	"github.com/telhawk-systems/logstream/internal/models"
)

const (
	MinPollDelay     = 10 * time.Millisecond
	MaxPollDelay     = 5 * time.Minute
	DefaultPollDelay = 200 * time.Millisecond

	MaxMaxWaitTime = 60 * time.Second

	DefaultDeleteTimeout = 5 * time.Second
)

// Config configures the poll scheduler.
type Config struct {
	// PollDelay separates two consecutive polls.
	PollDelay time.Duration

	// MaxWaitTime is the long-poll budget used for jobs submitted without one.
	MaxWaitTime time.Duration

	// DeleteTimeout bounds the best-effort DeleteQuery issued after a job ends.
	DeleteTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollDelay:     DefaultPollDelay,
		DeleteTimeout: DefaultDeleteTimeout,
	}
}

// Validate checks ranges. A zero PollDelay or DeleteTimeout takes the default.
func (c *Config) Validate() error {
	if c.PollDelay == 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	if c.PollDelay < MinPollDelay || c.PollDelay > MaxPollDelay {
		return models.ConfigError("poll_delay must be between %s and %s, got %s",
			MinPollDelay, MaxPollDelay, c.PollDelay)
	}
	return validateMaxWait(c.MaxWaitTime)
}

func validateMaxWait(d time.Duration) error {
	if d < 0 || d > MaxMaxWaitTime {
		return models.ConfigError("max_wait_time must be between 0 and %s, got %s", MaxMaxWaitTime, d)
	}
	return nil
}
