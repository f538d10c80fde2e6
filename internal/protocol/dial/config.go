package dial

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines how a daemon reaches its tree parent or the front-end.
type Config struct {
	ConnectTimeout time.Duration
	// MaxAttempts bounds connection attempts; zero retries until the context
	// ends.
	MaxAttempts int
	Backoff     BackoffConfig
}

// DefaultConfig returns the dial defaults. Parents may come up after their
// children, so retries are unbounded.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		MaxAttempts:    0,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
