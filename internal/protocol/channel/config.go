package channel

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines channel handshake and message limits.
type Config struct {
	// HandshakeTimeout bounds Connect; negative waits until ctx is done.
	HandshakeTimeout time.Duration
	// SynBackoff spaces syn retransmissions while the peer is not listening yet.
	SynBackoff      BackoffConfig
	MaxMessageBytes int
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		SynBackoff: BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       false,
		},
		MaxMessageBytes: 8 * 1024 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultConfig. A negative
// HandshakeTimeout disables the timeout.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SynBackoff.InitialDelay <= 0 {
		c.SynBackoff = def.SynBackoff
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	return c
}
