package policy

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides what happens to an item after a failed attempt.
//
// Attempts is the total number of tries an item gets in a session. Zero and
// one both mean a single try.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.Jitter > 0.33 {
		// Wider jitter would let a later retry wait less than an earlier one.
		p.Jitter = 0.33
	}
	return p
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry      bool
	RetryCount int
	Delay      time.Duration
}

// Decide bumps the retry counter and either schedules another attempt after
// a backoff or finalizes the item.
func (p RetryPolicy) Decide(retryCount int, err error, rng *rand.Rand) Decision {
	next := max(retryCount, 0) + 1
	if IsNoRetry(err) || next >= p.Attempts {
		return Decision{RetryCount: next}
	}
	return Decision{Retry: true, RetryCount: next, Delay: p.Delay(next, err, rng)}
}

// Delay is Backoff unless err carries a RetryAfter hint, which wins (capped,
// jittered).
func (p RetryPolicy) Delay(retryCount int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return p.Backoff(retryCount, rng)
	}
	p = p.withDefaults()
	d := float64(min(ra.RetryAfter(), p.MaxDelay))
	if rng != nil {
		d *= 1 + (rng.Float64()*2-1)*p.Jitter
	}
	return time.Duration(min(d, float64(p.MaxDelay)))
}

// Backoff returns Base*2^retryCount with ±Jitter, capped at MaxDelay.
// Jitter is applied before the cap so successive delays never decrease.
func (p RetryPolicy) Backoff(retryCount int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	d := float64(p.Base) * math.Pow(2, float64(max(retryCount, 0)))
	if rng != nil {
		d *= 1 + (rng.Float64()*2-1)*p.Jitter
	}
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
