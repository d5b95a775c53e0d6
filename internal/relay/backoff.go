package relay

import "time"

// Backoff defaults.
const (
	DefaultBackoffBase        = 2 * time.Second
	DefaultBackoffMax         = 60 * time.Second
	DefaultBackoffMaxAttempts = 5
)

// BackoffPolicy is a capped exponential retry schedule.
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
	// MaxAttempts is the number of retries allowed after a failure before the session fails.
	MaxAttempts int
}

// DefaultBackoffPolicy returns the 2s doubling to 60s, five-retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < base {
		return maxDelay
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// Exhausted reports whether attempt exceeds the retry budget.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Schedule returns every delay of the policy in order.
func (p BackoffPolicy) Schedule() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts)
	for i := range out {
		out[i] = p.Delay(i + 1)
	}
	return out
}

// Total returns the cumulative wait of the whole schedule.
func (p BackoffPolicy) Total() time.Duration {
	var total time.Duration
	for _, d := range p.Schedule() {
		total += d
	}
	return total
}
