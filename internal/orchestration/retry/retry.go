// Package retry is the Retry Policy (spec §4.6): given an error class, an
// attempt number, and a policy, decide whether to retry and compute the
// backoff delay.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/proservcore/engine/internal/orchestration/errors"
)

// Backoff describes exponential backoff with optional jitter.
type Backoff struct {
	InitialDelayMS int64
	MaxDelayMS     int64
	Multiplier     float64 // default 2 when zero
	Jitter         float64 // default 0.1 when zero; fraction of base delay
}

func (b Backoff) multiplier() float64 {
	if b.Multiplier == 0 {
		return 2
	}
	return b.Multiplier
}

func (b Backoff) jitter() float64 {
	if b.Jitter == 0 {
		return 0.1
	}
	return b.Jitter
}

// Policy is a step descriptor's retry configuration (spec §4.6, §4.7).
type Policy struct {
	MaxAttempts    int
	RetryOnClasses map[errors.Class]bool
	Backoff        Backoff
	SafeToRetry    bool // default true
}

// Effective returns the policy actually enforced, applying the spec's
// decided resolution of the safe_to_retry open question (§9): when
// SafeToRetry is false, max_attempts is forced to 1 and retry_on_classes is
// ignored (treated empty), regardless of what the step descriptor set.
func (p Policy) Effective() Policy {
	if p.SafeToRetry {
		return p
	}
	out := p
	out.MaxAttempts = 1
	out.RetryOnClasses = nil
	return out
}

// DefaultPolicyFor returns the spec's default policy for a class when the
// step descriptor is silent (spec §4.6): TRANSIENT/RETRYABLE retry up to
// 3 with a short initial delay; RATE_LIMITED/DEPENDENCY_FAILED retry up to
// 5 with a longer initial delay; NON_RETRYABLE/COMPENSATION_REQUIRED never
// retry.
func DefaultPolicyFor(class errors.Class) Policy {
	switch class {
	case errors.Transient, errors.Retryable:
		return Policy{
			MaxAttempts:    3,
			RetryOnClasses: map[errors.Class]bool{errors.Transient: true, errors.Retryable: true},
			Backoff:        Backoff{InitialDelayMS: 200, MaxDelayMS: 5_000, Multiplier: 2, Jitter: 0.1},
			SafeToRetry:    true,
		}
	case errors.RateLimited, errors.DependencyFailed:
		return Policy{
			MaxAttempts:    5,
			RetryOnClasses: map[errors.Class]bool{errors.RateLimited: true, errors.DependencyFailed: true},
			Backoff:        Backoff{InitialDelayMS: 1_000, MaxDelayMS: 30_000, Multiplier: 2, Jitter: 0.1},
			SafeToRetry:    true,
		}
	default: // NonRetryable, CompensationRequired
		return Policy{
			MaxAttempts:    1,
			RetryOnClasses: nil,
			Backoff:        Backoff{},
			SafeToRetry:    true,
		}
	}
}

// ShouldRetry implements should_retry(attempt, error_class, policy) (spec
// §4.6): no if the class isn't in retry_on_classes, no if attempt has
// reached max_attempts, yes otherwise.
func ShouldRetry(attempt int, class errors.Class, policy Policy) bool {
	effective := policy.Effective()
	if len(effective.RetryOnClasses) == 0 || !effective.RetryOnClasses[class] {
		return false
	}
	if attempt >= effective.MaxAttempts {
		return false
	}
	return true
}

// Delay implements delay(attempt, policy) (spec §4.6):
// base = min(initial_delay_ms * multiplier^(attempt-1), max_delay_ms),
// delay = base + random_uniform(0, jitter*base). rng is injected so tests
// (and production, via ENGINE_RNG_SEED) get deterministic jitter; pass nil
// to use the package's default, non-seeded source.
func Delay(attempt int, policy Policy, rng *rand.Rand) time.Duration {
	b := policy.Backoff
	base := float64(b.InitialDelayMS) * math.Pow(b.multiplier(), float64(attempt-1))
	if maxMS := float64(b.MaxDelayMS); maxMS > 0 && base > maxMS {
		base = maxMS
	}

	jitterSpan := b.jitter() * base
	var jitterAmount float64
	if jitterSpan > 0 {
		if rng != nil {
			jitterAmount = rng.Float64() * jitterSpan
		} else {
			jitterAmount = rand.Float64() * jitterSpan
		}
	}

	return time.Duration((base + jitterAmount) * float64(time.Millisecond))
}
