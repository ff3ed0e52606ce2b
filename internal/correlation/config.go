package correlation

import (
	"github.com/telhawk-systems/logstream/internal/models"
)

const (
	MinAgeoutWindow     = 1
	MaxAgeoutWindow     = 3600
	DefaultAgeoutWindow = 120

	MaxGCMultiplier     = 10000
	DefaultGCMultiplier = 100
)

// Config controls the temporal join.
type Config struct {
	// AgeoutWindow is how long, in seconds, a half-event may wait for its partner.
	AgeoutWindow int64

	// GCMultiplier throttles garbage collection: a pass acts once every
	// GCMultiplier+1 updates.
	GCMultiplier int

	// AbsoluteTime measures age against the wall clock instead of the newest
	// event timestamp.
	AbsoluteTime bool

	TimestampField string
	SessionField   string
	L2Fields       []string
	L3Fields       []string
}

// DefaultConfig returns the correlator defaults.
func DefaultConfig() Config {
	return Config{
		AgeoutWindow:   DefaultAgeoutWindow,
		GCMultiplier:   DefaultGCMultiplier,
		TimestampField: "time_generated",
		SessionField:   "sessionid",
		L2Fields:       []string{"extended_traffic_log_mac", "extended_traffic_log_mac_stc"},
		L3Fields:       []string{"src", "dst"},
	}
}

// Validate fills empty field names with defaults and checks numeric ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.TimestampField == "" {
		c.TimestampField = def.TimestampField
	}
	if c.SessionField == "" {
		c.SessionField = def.SessionField
	}
	if len(c.L2Fields) == 0 {
		c.L2Fields = def.L2Fields
	}
	if len(c.L3Fields) == 0 {
		c.L3Fields = def.L3Fields
	}

	if c.AgeoutWindow < MinAgeoutWindow || c.AgeoutWindow > MaxAgeoutWindow {
		return models.ConfigError("ageout_window must be between %d and %d seconds, got %d",
			MinAgeoutWindow, MaxAgeoutWindow, c.AgeoutWindow)
	}
	if c.GCMultiplier < 0 || c.GCMultiplier > MaxGCMultiplier {
		return models.ConfigError("gc_multiplier must be between 0 and %d, got %d",
			MaxGCMultiplier, c.GCMultiplier)
	}
	for _, f := range c.L2Fields {
		for _, g := range c.L3Fields {
			if f == g {
				return models.ConfigError("field %q cannot be both an L2 and an L3 field", f)
			}
		}
	}
	return nil
}
