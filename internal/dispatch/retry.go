package dispatch

import "time"

// maxRetriesCeiling bounds max_retries regardless of configuration; a typo'd
// value must not keep a dead chunk cycling for hours.
const maxRetriesCeiling = 10

// RetryPolicy computes exponential backoff waits and the abandon cutoff for
// chunk attempts. It is a pure value: no side effects, deterministic.
type RetryPolicy struct {
	Base       time.Duration
	MaxWait    time.Duration
	MaxRetries int
}

// NewRetryPolicy builds a policy with max_retries clamped to [0, 10].
func NewRetryPolicy(base, maxWait time.Duration, maxRetries int) RetryPolicy {
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > maxRetriesCeiling {
		maxRetries = maxRetriesCeiling
	}
	return RetryPolicy{Base: base, MaxWait: maxWait, MaxRetries: maxRetries}
}

// NextWait returns min(base * 2^attempt, maxWait).
func (p RetryPolicy) NextWait(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past 62 bits would overflow; everything that large caps anyway.
	if attempt > 32 {
		return p.MaxWait
	}
	wait := p.Base << uint(attempt)
	if wait > p.MaxWait || wait <= 0 {
		return p.MaxWait
	}
	return wait
}

// ShouldAbandon reports whether a chunk at the given attempt count has
// exhausted its retries.
func (p RetryPolicy) ShouldAbandon(attempt int) bool {
	return attempt > p.MaxRetries
}
