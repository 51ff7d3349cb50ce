package registry

import (
	"math"
	"time"
)

// RetryPolicy controls how many times a failed step is attempted and how
// long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

// NoRetry is the policy of a step that declares none: one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Attempts returns the effective attempt count, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Multiplier returns the effective backoff multiplier, at least 1.
func (p RetryPolicy) Multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 1
	}
	return p.BackoffMultiplier
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1). The engine's backoff follows the
// same schedule; Delay is its reference for display and tests.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier(), float64(attempt-1))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) validate(stepID string) error {
	if p.MaxAttempts < 0 {
		return invalid("step %s: max attempts cannot be negative", stepID)
	}
	if p.BaseDelay < 0 {
		return invalid("step %s: base delay cannot be negative", stepID)
	}
	if p.BackoffMultiplier < 0 {
		return invalid("step %s: backoff multiplier cannot be negative", stepID)
	}
	return nil
}

// TimeoutScope selects what a step timeout bounds.
type TimeoutScope string

const (
	// TimeoutPerStep bounds all attempts and retry delays together.
	TimeoutPerStep TimeoutScope = "step"
	// TimeoutPerAttempt gives every attempt the full timeout.
	TimeoutPerAttempt TimeoutScope = "attempt"
)

// IsValid returns true for a known scope or the empty default.
func (s TimeoutScope) IsValid() bool {
	switch s {
	case "", TimeoutPerStep, TimeoutPerAttempt:
		return true
	default:
		return false
	}
}
