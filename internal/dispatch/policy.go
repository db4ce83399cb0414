package dispatch

import (
	"math"
	"time"
)

// RetryPolicy bounds the dispatch retry loop. Configuration-time
// constant, shared read-only across requests.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       4,
	BackoffBase:       250 * time.Millisecond,
	BackoffMultiplier: 2.0,
	BackoffCap:        5 * time.Second,
}

// normalized fills zero fields from the defaults so a partially set
// policy still behaves sanely.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultRetryPolicy.BackoffBase
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = DefaultRetryPolicy.BackoffMultiplier
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = DefaultRetryPolicy.BackoffCap
	}
	return p
}

// backoff returns the delay before the next attempt. attempt is
// zero-based: the delay after the first failed attempt is BackoffBase.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.BackoffCap) {
		delay = float64(p.BackoffCap)
	}
	return time.Duration(delay)
}
