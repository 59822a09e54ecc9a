package storage

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how retryable failures are rescheduled: an
// exponential delay of Base × 2^attempts, capped at Cap, scaled by a
// jitter factor in [0.5, 1.0).
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy backs off from 1s up to 5 minutes.
var DefaultRetryPolicy = RetryPolicy{
	Base: time.Second,
	Cap:  5 * time.Minute,
}

// Delay returns the backoff before the given retry. attempts is the number
// of failed attempts so far.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := p.Base
	for i := 0; i < attempts && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2))
}
