package policy

import "time"

// CircuitBreaker counts consecutive pipeline failures across all items.
//
// Reaching Threshold opens it for Cooldown. The first Allow call after the
// cooldown closes it again and zeroes the counter. A success zeroes the
// counter at once.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	failures    int
	openUntil   time.Time
	lastFailure time.Time
	trips       int
}

// CircuitSnapshot is a read-only view for state deltas.
type CircuitSnapshot struct {
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	Trips       int       `json:"trips"`
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	b := &CircuitBreaker{}
	b.Configure(threshold, cooldown)
	return b
}

// Configure changes the limits without touching the current count.
func (b *CircuitBreaker) Configure(threshold int, cooldown time.Duration) {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	b.threshold = threshold
	b.cooldown = cooldown
}

// Allow reports whether generation may run at now. When the breaker is open
// it returns the reopen time. reset is true when this call closed it.
func (b *CircuitBreaker) Allow(now time.Time) (ok bool, until time.Time, reset bool) {
	if b.openUntil.IsZero() {
		return true, time.Time{}, false
	}
	if now.Before(b.openUntil) {
		return false, b.openUntil, false
	}
	b.failures = 0
	b.openUntil = time.Time{}
	return true, time.Time{}, true
}

func (b *CircuitBreaker) RecordSuccess() {
	b.failures = 0
}

// RecordFailure counts one failure and reports whether it opened the breaker.
// Failures while already open extend nothing.
func (b *CircuitBreaker) RecordFailure(now time.Time) (opened bool) {
	b.failures++
	b.lastFailure = now
	if !b.openUntil.IsZero() || b.failures < b.threshold {
		return false
	}
	b.openUntil = now.Add(b.cooldown)
	b.trips++
	return true
}

func (b *CircuitBreaker) Snapshot() CircuitSnapshot {
	return CircuitSnapshot{
		Open:        !b.openUntil.IsZero(),
		Failures:    b.failures,
		Threshold:   b.threshold,
		OpenUntil:   b.openUntil,
		LastFailure: b.lastFailure,
		Trips:       b.trips,
	}
}
