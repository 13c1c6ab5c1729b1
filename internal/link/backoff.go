package link

import (
	"math/rand/v2"
	"time"
)

// backoff produces exponentially growing reconnect delays with up to 25%
// jitter. Not safe for concurrent use; each link owns one.
type backoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
	jitter bool

	cur time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{
		base:   base,
		max:    max,
		factor: 2.0,
		jitter: true,
	}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		next := float64(b.cur) * b.factor
		if next > float64(b.max) {
			b.cur = b.max
		} else {
			b.cur = time.Duration(next)
		}
	}

	d := b.cur
	if b.jitter && d >= 4 {
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}
	return d
}

// Reset starts the schedule over after a successful connection.
func (b *backoff) Reset() {
	b.cur = 0
}
