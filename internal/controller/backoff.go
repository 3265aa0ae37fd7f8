package controller

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the retry delay policy for transient driver and store
// failures: exponential growth up to a cap, with full jitter so a burst of
// failing resources does not retry in lockstep.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       200 * time.Millisecond,
		Multiplier: 2.0,
		Cap:        30 * time.Second,
		Jitter:     true,
	}
}

// Delay returns the delay before retry attempt n (first retry is n=1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// ceiling returns the un-jittered delay for attempt n; tests assert the
// strictly increasing capped sequence against it.
func (b Backoff) ceiling(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return time.Duration(d)
}
