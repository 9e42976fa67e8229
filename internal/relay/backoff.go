package relay

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays for relay reconnects: exponential growth to
// a ceiling with ±25% jitter so replicas do not reconnect in lockstep.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches a heartbeat-scale reconnect cadence.
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     15 * time.Second,
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the wait before the given retry attempt, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the exponent so the shift cannot overflow before the Max clamp.
	if attempt > 16 {
		attempt = 16
	}
	delay := b.Initial << (attempt - 1)
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	jitter := 0.75 + 0.5*rand.Float64()
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > b.Max {
		jittered = b.Max
	}
	return jittered
}
