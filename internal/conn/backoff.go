package conn

import (
	"math"
	"time"
)

// Backoff computes jittered exponential reconnect delays.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Ceiling    time.Duration
	// Jitter is the total spread as a fraction of the delay, centred on the
	// exponential curve: 0.3 yields delays in [0.85d, 1.15d].
	Jitter float64
}

// DefaultBackoff returns 1s base, x1.5 growth, 30s ceiling and 30% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Multiplier: 1.5,
		Ceiling:    30 * time.Second,
		Jitter:     0.3,
	}
}

// Delay returns the wait before the given attempt (1-based). r is a uniform
// random value in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Ceiling > 0 && d > float64(b.Ceiling) {
		d = float64(b.Ceiling)
	}
	return time.Duration(math.Round(d + (r-0.5)*b.Jitter*d))
}
