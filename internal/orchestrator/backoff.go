package orchestrator

import (
	"math"
	"time"

	"github.com/loomctl/pipelinecore/internal/domain"
)

// shouldRetry reports whether attempt (1-indexed, the attempt that just
// failed) leaves budget for another try under policy.
func shouldRetry(policy domain.RetryPolicy, attempt int) bool {
	return policy.Enabled() && attempt < policy.MaxAttempts
}

// computeBackoff returns the delay before retryAttempt (1-indexed) fires,
// per the policy's curve: fixed is constant, exponential is
// base * multiplier^(retryAttempt-1) (multiplier defaults to 2), capped at
// MaxBackoffDelay when set. Ported from the teacher's computeBackoff in
// internal/jobs/orchestrator/engine.go, with jitter dropped so the delay is
// exactly the formula above.
func computeBackoff(policy domain.RetryPolicy, retryAttempt int) time.Duration {
	base := time.Duration(policy.BackoffDelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if retryAttempt < 1 {
		retryAttempt = 1
	}

	var d time.Duration
	switch policy.Backoff {
	case domain.BackoffExponential:
		mult := policy.BackoffMultiplier
		if mult <= 0 {
			mult = 2
		}
		d = time.Duration(float64(base) * math.Pow(mult, float64(retryAttempt-1)))
	default:
		d = base
	}

	if policy.MaxBackoffDelay > 0 {
		max := time.Duration(policy.MaxBackoffDelay) * time.Millisecond
		if d > max {
			d = max
		}
	}
	return d
}
