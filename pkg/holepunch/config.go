package holepunch

import "time"

const (
	// DefaultProbes is the number of hello datagrams in one burst
	DefaultProbes = 12

	// DefaultInterval between probes of a burst
	DefaultInterval = 100 * time.Millisecond // 12 probes over ~1.1 seconds

	// DefaultReadTimeout bounds each UDP read so cancellation is noticed promptly
	DefaultReadTimeout = 500 * time.Millisecond

	// MaxDatagramSize is the largest datagram the receive loop accepts
	MaxDatagramSize = 65535
)

// Config holds the tunables of the UDP side of a session
type Config struct {
	Probes      int
	Interval    time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns the default punching configuration
func DefaultConfig() Config {
	return Config{
		Probes:      DefaultProbes,
		Interval:    DefaultInterval,
		ReadTimeout: DefaultReadTimeout,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Probes <= 0 {
		c.Probes = d.Probes
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	return c
}
