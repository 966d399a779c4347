package coordinator

import (
	"log/slog"
	"time"

	"github.com/sortmail/inboxsync/internal/config"
)

// Config holds the coordinator's polling parameters
type Config struct {
	// PollInterval is the time between status polls
	PollInterval time.Duration

	// MaxPollAttempts is the number of polls a cycle may make while the remote
	// job is still running; one more poll settles the cycle as exhausted
	MaxPollAttempts int

	// ExhaustionPolicy selects the terminal state of an exhausted cycle
	// (config.ExhaustionPolicyDone or config.ExhaustionPolicyError)
	ExhaustionPolicy string
}

// ConfigFrom builds the coordinator configuration from the sync section
func ConfigFrom(cfg *config.SyncConfig) Config {
	if cfg == nil {
		cfg = &config.SyncConfig{}
	}
	return Config{
		PollInterval:     cfg.GetPollInterval(),
		MaxPollAttempts:  cfg.GetMaxPollAttempts(),
		ExhaustionPolicy: cfg.GetExhaustionPolicy(),
	}
}

// withDefaults fills zero or invalid values with the defaults
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = config.DefaultPollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = config.DefaultMaxPollAttempts
	}
	switch c.ExhaustionPolicy {
	case config.ExhaustionPolicyDone, config.ExhaustionPolicyError:
	case "":
		c.ExhaustionPolicy = config.ExhaustionPolicyDone
	default:
		slog.Warn("Unknown exhaustion policy, using default",
			"policy", c.ExhaustionPolicy,
			"default", config.ExhaustionPolicyDone)
		c.ExhaustionPolicy = config.ExhaustionPolicyDone
	}
	return c
}
