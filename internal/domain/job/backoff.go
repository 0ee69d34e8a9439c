package job

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter. The zero value is not
// usable; construct with NewBackoff.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	// rng is injectable for deterministic tests; nil uses the shared source.
	rng func() float64
}

const (
	defaultBackoffBase   = 2 * time.Second
	defaultBackoffMax    = 5 * time.Minute
	defaultBackoffJitter = 0.2
)

// NewBackoff builds a backoff policy. Non-positive base/max and out-of-range
// jitter fall back to defaults.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if jitter < 0 || jitter > 1 {
		jitter = defaultBackoffJitter
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Delay returns the sleep before retry `attempt` (1-based: Delay(1) is the
// pause after the first failed attempt). The delay doubles per attempt, is
// capped at max, and carries +/- jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	if d > b.max {
		d = b.max
	}

	if b.jitter == 0 {
		return d
	}

	f := b.rng
	if f == nil {
		f = rand.Float64
	}
	// Spread over [1-jitter, 1+jitter).
	factor := 1 + b.jitter*(2*f()-1)
	return time.Duration(float64(d) * factor)
}
