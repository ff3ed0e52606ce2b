package channel

import (
	"time"

	"github.com/telhawk-systems/logstream/internal/models"
)

const (
	MaxPollTimeout = 60 * time.Second
	MaxBatchSize   = 10000

	MinIdleDelay     = 10 * time.Millisecond
	DefaultIdleDelay = time.Second
)

// Config configures a Controller.
type Config struct {
	// PollTimeout is how long the service may hold each poll open.
	PollTimeout time.Duration

	// BatchSize caps events per poll; 0 lets the service decide.
	BatchSize int

	// IdleDelay is the pause after an empty or failed poll.
	IdleDelay time.Duration

	// AutoAck acknowledges every non-empty poll once it has been emitted.
	AutoAck bool
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		IdleDelay: DefaultIdleDelay,
		AutoAck:   true,
	}
}

// Validate checks ranges and fills a zero IdleDelay.
func (c *Config) Validate() error {
	if c.IdleDelay == 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.IdleDelay < MinIdleDelay {
		return models.ConfigError("idle_delay must be at least %s, got %s", MinIdleDelay, c.IdleDelay)
	}
	if c.PollTimeout < 0 || c.PollTimeout > MaxPollTimeout {
		return models.ConfigError("poll_timeout must be between 0 and %s, got %s", MaxPollTimeout, c.PollTimeout)
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		return models.ConfigError("batch_size must be between 0 and %d, got %d", MaxBatchSize, c.BatchSize)
	}
	return nil
}
