package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultLoopInterval is the pause between worker wake cycles (-t).
	DefaultLoopInterval = 10 * time.Millisecond

	// DefaultSessionTimeout evicts idle HTTP sessions.
	DefaultSessionTimeout = 60 * time.Second

	// DefaultDialTimeout bounds a single upstream dial.
	DefaultDialTimeout = 10 * time.Second

	// DefaultDialRetries is the number of upstream dial attempts.
	DefaultDialRetries = 3

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH gateway connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for servers to drain.
	DefaultGracePeriod = 5 * time.Second
)

// Defaults returns a Config populated with the default values.
func Defaults() *Config {
	return &Config{
		LoopInterval:   DefaultLoopInterval,
		SessionTimeout: DefaultSessionTimeout,
		DialTimeout:    DefaultDialTimeout,
		DialRetries:    DefaultDialRetries,
		Verbose:        1,
	}
}
