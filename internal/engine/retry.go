package engine

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// newBackOff returns the delay schedule for policy: BaseDelay after the
// first failure, multiplied by the policy multiplier after each further
// one, without jitter. It stops after Attempts()-1 retries.
func newBackOff(policy registry.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = policy.Multiplier()
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(policy.Attempts()-1))
}
