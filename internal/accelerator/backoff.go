package accelerator

import (
	"math/rand/v2"
	"time"
)

// backoff computes reconnect delays: base * 2^attempt, capped at max, plus
// up to jitter*delay of random extra wait.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		base:   cfg.ReconnectBaseDelay,
		max:    cfg.ReconnectMaxDelay,
		jitter: cfg.ReconnectJitter,
		rand:   rand.Float64,
	}
}

// delay returns the wait before the given zero-based attempt.
func (b *backoff) delay(attempt int) time.Duration {
	if b.base <= 0 {
		return 0
	}

	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.max > 0 && d >= b.max {
			d = b.max
			break
		}
	}
	if b.max > 0 && d > b.max {
		d = b.max
	}

	if b.jitter > 0 {
		d += time.Duration(float64(d) * b.jitter * b.rand())
	}
	return d
}
