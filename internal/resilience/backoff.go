// Package resilience provides the reconnect pacing primitives for the
// upstream connection.
//
// The central type is [Backoff], an exponential backoff with an optional
// retry budget. Reset starts the sequence over once a connection has proven
// healthy; an exhausted budget tells the caller the failure is permanent.
package resilience

import "time"

// BackoffConfig holds tuning knobs for a [Backoff].
type BackoffConfig struct {
	// Initial is the delay before the first retry. Default: 500ms.
	Initial time.Duration

	// Max caps the delay between retries. Default: 30s.
	Max time.Duration

	// Multiplier scales the delay after each retry. Default: 2.
	Multiplier float64

	// MaxRetries is the number of consecutive retries before the failure is
	// considered permanent. Zero means retry forever.
	MaxRetries int
}

// Backoff produces an exponentially growing sequence of retry delays. It is
// not safe for concurrent use; each connection loop owns one.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	delay   time.Duration
}

// NewBackoff creates a [Backoff] with the supplied configuration. Zero-value
// config fields are replaced with sensible defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay to wait before the next retry. The second result is
// false when the retry budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxRetries > 0 && b.attempt >= b.cfg.MaxRetries {
		return 0, false
	}
	b.attempt++
	if b.delay == 0 {
		b.delay = b.cfg.Initial
	} else {
		b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
		if b.delay > b.cfg.Max {
			b.delay = b.cfg.Max
		}
	}
	return b.delay, true
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = 0
}
