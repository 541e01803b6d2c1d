// Package runner is the Step Runner (spec §4.8): runs a single step
// attempt with a timeout, invokes the handler, records the outcome, and
// decides the next action.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/definition"
	"github.com/proservcore/engine/internal/orchestration/errors"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/retry"
)

// Handler is a step's business logic, resolved from the host-supplied
// registry by handler code. input is the merged outputs of depends_on
// steps keyed by their code, plus the execution input under "$input"
// (spec §4.8).
type Handler func(ctx context.Context, input map[string]any) (output map[string]any, err error)

// Registry is the host-supplied handler registry (spec §6): Register
// binds a handler code to a function; Lookup resolves it at execution
// time. Unknown codes yield ErrHandlerMissing.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds code to fn, overwriting any prior binding.
func (r *Registry) Register(code string, fn Handler) {
	r.handlers[code] = fn
}

// Lookup resolves code, reporting ok=false for unknown codes.
func (r *Registry) Lookup(code string) (Handler, bool) {
	fn, ok := r.handlers[code]
	return fn, ok
}

// Outcome is what the Step Runner decided to do after one attempt.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeScheduledRetry   Outcome = "scheduled_retry"
	OutcomeFailedPermanent  Outcome = "failed_permanent"
	OutcomeCompensationReq  Outcome = "compensation_required"
	OutcomeHandlerMissing   Outcome = "handler_missing"
)

// Result is the outcome of Run plus the persisted attempt row and, for a
// scheduled retry, how long to wait before the next one.
type Result struct {
	Outcome      Outcome
	Attempt      execution.StepAttempt
	RetryAfter   time.Duration
	ErrorClass   errors.Class
	ErrorSummary string
}

// Runner executes individual step attempts.
type Runner struct {
	Registry *Registry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Runner.
type Option func(*Runner)

// WithRNGSeed seeds the Runner's retry-jitter source (ENGINE_RNG_SEED) for
// deterministic test/replay runs. A zero seed leaves the Runner on its
// default, non-seeded entropy.
func WithRNGSeed(seed int64) Option {
	return func(r *Runner) {
		if seed != 0 {
			r.rng = rand.New(rand.NewSource(seed))
		}
	}
}

// New constructs a Runner against the given handler registry.
func New(reg *Registry, opts ...Option) *Runner {
	r := &Runner{Registry: reg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one attempt of a step: looks up the handler, invokes it
// with a deadline derived from timeoutMS, recovers any panic into a
// TRANSIENT-classed failure (the core never panics across its public
// boundary), classifies any error, and consults the retry policy to decide
// the next action (spec §4.8).
func (r *Runner) Run(ctx context.Context, step definition.Step, input map[string]any, attemptNumber int, timeoutMS int64) Result {
	handler, ok := r.Registry.Lookup(step.Handler)
	if !ok {
		return Result{
			Outcome:      OutcomeHandlerMissing,
			ErrorClass:   errors.NonRetryable,
			ErrorSummary: fmt.Sprintf("%v: no handler registered for code %q", domain.ErrHandlerMissing, step.Handler),
		}
	}

	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := invokeWithRecovery(runCtx, handler, input)

	if runCtx.Err() == context.DeadlineExceeded {
		return r.decide(step, attemptNumber, errors.Transient, fmt.Sprintf("%v: step timed out after %s", domain.ErrTimeout, timeout))
	}
	if err != nil {
		class := errors.ClassifyWithOverride(err, stepAllowlist(step))
		return r.decide(step, attemptNumber, class, err.Error())
	}

	return Result{
		Outcome: OutcomeSucceeded,
		Attempt: execution.StepAttempt{
			StepCode:      step.Code,
			AttemptNumber: attemptNumber,
			Status:        execution.StepSucceeded,
			Output:        output,
		},
	}
}

func (r *Runner) decide(step definition.Step, attemptNumber int, class errors.Class, summary string) Result {
	if class == errors.CompensationRequired {
		return Result{Outcome: OutcomeCompensationReq, ErrorClass: class, ErrorSummary: summary}
	}

	policy := step.RetryPolicy(class)
	if retry.ShouldRetry(attemptNumber, class, policy) {
		delay := retry.Delay(attemptNumber+1, policy, r.seededRNG())
		return Result{Outcome: OutcomeScheduledRetry, RetryAfter: delay, ErrorClass: class, ErrorSummary: summary}
	}
	return Result{Outcome: OutcomeFailedPermanent, ErrorClass: class, ErrorSummary: summary}
}

// seededRNG returns the Runner's ENGINE_RNG_SEED-seeded source if one was
// configured via WithRNGSeed, nil otherwise (retry.Delay then falls back
// to its own unseeded default). *rand.Rand isn't safe for concurrent use,
// so access is serialized here rather than in retry.Delay.
func (r *Runner) seededRNG() *rand.Rand {
	if r.rng == nil {
		return nil
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return rand.New(rand.NewSource(r.rng.Int63()))
}

func stepAllowlist(step definition.Step) errors.Allowlist {
	return step.ClassifyAllowlist
}

// invokeWithRecovery calls handler and converts any panic into an error:
// the core must never let a handler panic cross its own public boundary.
func invokeWithRecovery(ctx context.Context, handler Handler, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.WithClass(errors.Transient, fmt.Errorf("%w: handler panicked: %v\n%s", domain.ErrInternal, rec, debug.Stack()))
		}
	}()
	return handler(ctx, input)
}
