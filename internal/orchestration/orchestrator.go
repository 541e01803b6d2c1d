// Package orchestration is the Orchestrator (spec §4.9): traverses the
// step DAG honoring depends_on, drives the Step Runner, triggers
// compensation in reverse completion order on permanent failure, and
// routes to the Dead Letter Queue.
package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/definition"
	"github.com/proservcore/engine/internal/orchestration/dlq"
	"github.com/proservcore/engine/internal/orchestration/errors"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/retry"
	"github.com/proservcore/engine/internal/orchestration/runner"
)

// Orchestrator is the top-level driver. One Orchestrator instance is
// shared by the callers advancing executions within one process; execution
// state lives in the store, and the instance itself holds only per-tenant
// concurrency semaphores and the waiters for cancellation signals.
type Orchestrator struct {
	Definitions definition.Store
	Executions  execution.Store
	DLQ         dlq.Store
	Runner      *runner.Runner

	// DefaultMaxConcurrencyPerTenant is the fallback concurrency cap
	// (ENGINE_MAX_CONCURRENT_PER_TENANT) applied when a WorkflowDefinition
	// leaves policies.max_concurrency_per_tenant at its zero value.
	DefaultMaxConcurrencyPerTenant int

	semMu sync.Mutex
	sems  map[domain.TenantID]*semaphore.Weighted

	cancellations Canceller
	cancelMu      sync.Mutex
	cancelWaiters map[string][]chan struct{}
}

// New constructs an Orchestrator.
func New(defs definition.Store, execs execution.Store, dlqStore dlq.Store, r *runner.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Definitions:   defs,
		Executions:    execs,
		DLQ:           dlqStore,
		Runner:        r,
		sems:          make(map[domain.TenantID]*semaphore.Weighted),
		cancelWaiters: make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start looks up the latest published definition for code and either
// returns an existing Execution unchanged (idempotency replay, spec §4.9)
// or validates input against input_schema and creates a pending one.
func (o *Orchestrator) Start(ctx context.Context, tenantID domain.TenantID, code string, input map[string]any, idempotencyKey string) (execution.Execution, error) {
	def, err := o.Definitions.GetLatestPublished(ctx, tenantID, code)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: no published definition %q: %v", domain.ErrNotFound, code, err)
	}

	if errs := def.InputSchema.Check(input); len(errs) > 0 {
		return execution.Execution{}, fmt.Errorf("%w: %v", domain.ErrBadInput, errs[0])
	}

	ex := execution.Execution{
		ID:                domain.NewID(),
		TenantID:          tenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		DefinitionCode:    def.Code,
		IdempotencyKey:    idempotencyKey,
		Status:            execution.Pending,
		Input:             input,
	}

	created, err := o.Executions.CreateExecution(ctx, ex)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return created, nil
}

// Cancel marks the execution as cancel-requested. Any step attempt
// currently running is allowed to finish or time out; Advance stops
// dispatching new steps once this flag is observed (spec §5).
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	ex, err := o.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	ex.CancelRequested = true
	if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
		return err
	}
	o.notifyCancellation(ctx, executionID)
	return nil
}

// Advance is the engine's driver: loads the execution, finds the next
// ready step (all depends_on succeeded, none currently running), drives a
// StepAttempt via the Step Runner, and updates execution state on outcome
// (spec §4.9). It dispatches at most one unit of work per call; a
// scheduler calls it repeatedly until the execution reaches a terminal
// status.
func (o *Orchestrator) Advance(ctx context.Context, executionID string) (execution.Execution, error) {
	ex, err := o.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}

	if isTerminal(ex.Status) {
		return ex, nil
	}

	def, err := o.Definitions.Get(ctx, ex.DefinitionID)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	limit := def.Policies.MaxConcurrencyPerTenant
	if limit <= 0 {
		limit = o.DefaultMaxConcurrencyPerTenant
	}
	sem := o.tenantSemaphore(ex.TenantID, limit)
	if sem != nil {
		if !sem.TryAcquire(1) {
			return ex, nil // at capacity; caller retries later
		}
		defer sem.Release(1)
	}

	if ex.Status == execution.Pending {
		now := time.Now().UTC()
		ex.Status = execution.Running
		ex.StartedAt = &now
		if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
	}

	attempts, err := o.Executions.AllStepAttempts(ctx, ex.ID)
	if err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	if ex.Status == execution.Compensating {
		return o.advanceCompensation(ctx, ex, def, attempts)
	}

	if ex.CancelRequested {
		return ex, nil
	}

	step, attemptNumber, ready := nextReadyStep(def, attempts)
	if !ready {
		if allSucceeded(def, attempts) {
			return o.completeExecution(ctx, ex, def, attempts)
		}
		return ex, nil // waiting on a scheduled retry or an unmet dependency
	}

	return o.dispatchStep(ctx, ex, def, step, attemptNumber)
}

func (o *Orchestrator) tenantSemaphore(tenantID domain.TenantID, limit int) *semaphore.Weighted {
	if limit <= 0 {
		return nil
	}
	o.semMu.Lock()
	defer o.semMu.Unlock()
	sem, ok := o.sems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		o.sems[tenantID] = sem
	}
	return sem
}

func isTerminal(s execution.Status) bool {
	switch s {
	case execution.Succeeded, execution.Failed, execution.Compensated, execution.DLQ:
		return true
	}
	return false
}

// nextReadyStep finds the first (in topological order) step whose
// dependencies have all succeeded, which hasn't itself succeeded, and
// which isn't currently waiting on an unexpired scheduled retry.
func nextReadyStep(def definition.Definition, attempts []execution.StepAttempt) (definition.Step, int, bool) {
	order, err := definition.TopologicalOrder(def.Steps)
	if err != nil {
		return definition.Step{}, 0, false
	}

	byStep := groupByStep(attempts)
	now := time.Now().UTC()

	for _, code := range order {
		step, _ := def.StepByCode(code)
		latest, hasLatest := latestAttempt(byStep[code])

		if hasLatest && latest.Status == execution.StepSucceeded {
			continue
		}
		if hasLatest && latest.Status == execution.StepRunning {
			return definition.Step{}, 0, false // in flight; nothing else to dispatch for it
		}

		if !depsSucceeded(step.DependsOn, byStep) {
			continue
		}

		if hasLatest && latest.Status == execution.StepFailed {
			readyAt, scheduled := scheduledRetryAt(latest)
			if scheduled && now.Before(readyAt) {
				continue // retry not due yet
			}
			if scheduled {
				return step, latest.AttemptNumber + 1, true
			}
			continue // terminal failure already recorded; execution state handles it elsewhere
		}

		return step, 1, true
	}
	return definition.Step{}, 0, false
}

func allSucceeded(def definition.Definition, attempts []execution.StepAttempt) bool {
	byStep := groupByStep(attempts)
	for _, s := range def.Steps {
		latest, ok := latestAttempt(byStep[s.Code])
		if !ok || latest.Status != execution.StepSucceeded {
			return false
		}
	}
	return true
}

func depsSucceeded(deps []string, byStep map[string][]execution.StepAttempt) bool {
	for _, d := range deps {
		latest, ok := latestAttempt(byStep[d])
		if !ok || latest.Status != execution.StepSucceeded {
			return false
		}
	}
	return true
}

func groupByStep(attempts []execution.StepAttempt) map[string][]execution.StepAttempt {
	m := make(map[string][]execution.StepAttempt)
	for _, a := range attempts {
		m[a.StepCode] = append(m[a.StepCode], a)
	}
	return m
}

func latestAttempt(attempts []execution.StepAttempt) (execution.StepAttempt, bool) {
	if len(attempts) == 0 {
		return execution.StepAttempt{}, false
	}
	best := attempts[0]
	for _, a := range attempts[1:] {
		if a.AttemptNumber > best.AttemptNumber {
			best = a
		}
	}
	return best, true
}

// retryMarkerPrefix tags a scheduled-retry error summary so
// scheduledRetryAt can recover the stashed ready-at instant. StepAttempt
// has no dedicated column for it in the spec's minimum column list (§6);
// encoding it in the error summary of the failed attempt keeps the type
// unchanged while still round-tripping through any conforming store.
const retryMarkerPrefix = "scheduled-retry-at="

func stashScheduledRetry(summary string, at time.Time) string {
	return fmt.Sprintf("%s%s %s", retryMarkerPrefix, at.UTC().Format(time.RFC3339Nano), summary)
}

func scheduledRetryAt(a execution.StepAttempt) (time.Time, bool) {
	const prefixLen = len(retryMarkerPrefix)
	if len(a.ErrorSummary) < prefixLen || a.ErrorSummary[:prefixLen] != retryMarkerPrefix {
		return time.Time{}, false
	}
	rest := a.ErrorSummary[prefixLen:]
	spaceIdx := -1
	for i, c := range rest {
		if c == ' ' {
			spaceIdx = i
			break
		}
	}
	if spaceIdx < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, rest[:spaceIdx])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (o *Orchestrator) dispatchStep(ctx context.Context, ex execution.Execution, def definition.Definition, step definition.Step, attemptNumber int) (execution.Execution, error) {
	attempts, err := o.Executions.AllStepAttempts(ctx, ex.ID)
	if err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	timeoutMS := step.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = def.Policies.DefaultTimeoutMS
	}
	timeoutAt := time.Now().UTC().Add(time.Duration(timeoutMS) * time.Millisecond)

	claimed, won, err := o.Executions.ClaimStepDispatch(ctx, ex.ID, step.Code, attemptNumber, timeoutAt)
	if err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !won {
		return ex, nil // another caller is driving this attempt
	}
	_ = claimed

	input := assembleInput(def, step, ex.Input, attempts)

	runCtx, stopWatch := o.watchCancellation(ctx, ex.ID)
	defer stopWatch()

	started := time.Now().UTC()
	result := o.Runner.Run(runCtx, step, input, attemptNumber, timeoutMS)

	ex.CurrentStep = step.Code

	switch result.Outcome {
	case runner.OutcomeSucceeded:
		now := time.Now().UTC()
		attempt := result.Attempt
		attempt.ExecutionID = ex.ID
		attempt.StartedAt = &started
		attempt.CompletedAt = &now
		if err := o.Executions.UpdateStepAttempt(ctx, attempt); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return ex, nil

	case runner.OutcomeScheduledRetry:
		now := time.Now().UTC()
		readyAt := now.Add(result.RetryAfter)
		attempt := execution.StepAttempt{
			ExecutionID:   ex.ID,
			StepCode:      step.Code,
			AttemptNumber: attemptNumber,
			Status:        execution.StepFailed,
			StartedAt:     &started,
			CompletedAt:   &now,
			ErrorClass:    result.ErrorClass,
			ErrorSummary:  stashScheduledRetry(result.ErrorSummary, readyAt),
		}
		if err := o.Executions.UpdateStepAttempt(ctx, attempt); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return ex, nil

	default: // OutcomeFailedPermanent, OutcomeCompensationReq, OutcomeHandlerMissing
		now := time.Now().UTC()
		attempt := execution.StepAttempt{
			ExecutionID:   ex.ID,
			StepCode:      step.Code,
			AttemptNumber: attemptNumber,
			Status:        execution.StepFailed,
			StartedAt:     &started,
			CompletedAt:   &now,
			ErrorClass:    result.ErrorClass,
			ErrorSummary:  result.ErrorSummary,
		}
		if err := o.Executions.UpdateStepAttempt(ctx, attempt); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return o.terminalStepFailure(ctx, ex, def, step, result, append(attempts, attempt))
	}
}

// assembleInput merges the outputs of depends_on steps, keyed by code,
// plus the execution input under "$input" (spec §4.8).
func assembleInput(def definition.Definition, step definition.Step, execInput map[string]any, attempts []execution.StepAttempt) map[string]any {
	byStep := groupByStep(attempts)
	input := map[string]any{"$input": execInput}
	for _, dep := range step.DependsOn {
		if latest, ok := latestAttempt(byStep[dep]); ok && latest.Status == execution.StepSucceeded {
			input[dep] = latest.Output
		}
	}
	return input
}

func reasonFor(outcome runner.Outcome, class errors.Class, exhausted bool) dlq.Reason {
	switch {
	case outcome == runner.OutcomeCompensationReq:
		return dlq.CompensationRequired
	case outcome == runner.OutcomeHandlerMissing:
		return dlq.NonRetryableError
	case exhausted:
		return dlq.MaxAttemptsExceeded
	case class == errors.NonRetryable:
		return dlq.NonRetryableError
	case class == errors.Transient:
		return dlq.Timeout
	default:
		return dlq.Unknown
	}
}

func (o *Orchestrator) terminalStepFailure(ctx context.Context, ex execution.Execution, def definition.Definition, failedStep definition.Step, result runner.Result, attempts []execution.StepAttempt) (execution.Execution, error) {
	reason := reasonFor(result.Outcome, result.ErrorClass, attemptsExhausted(failedStep, attempts, result.ErrorClass))

	ex.ErrorClass = result.ErrorClass
	ex.ErrorSummary = result.ErrorSummary

	queue := reverseCompletionOrder(def, attempts, failedStep.Code)
	if len(queue) > 0 {
		ex.Status = execution.Compensating
		if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return o.runCompensationStep(ctx, ex, def, queue, reason)
	}

	if reason == dlq.NonRetryableError && result.Outcome != runner.OutcomeHandlerMissing {
		ex.Status = execution.Failed
		now := time.Now().UTC()
		ex.CompletedAt = &now
		if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return ex, nil
	}

	return o.moveToDLQ(ctx, ex, failedStep.Code, reason, result.ErrorClass, result.ErrorSummary)
}

// ReconcileStaleAttempt recovers a step attempt left running by a worker
// that crashed between ClaimStepDispatch and recording an outcome: its
// timeout has elapsed with no terminal status ever written, which would
// otherwise wedge nextReadyStep forever (it treats a running latest attempt
// as in flight). The attempt is finalized the same way a live timeout is in
// dispatchStep: a TRANSIENT failure, scheduled for immediate retry if the
// step's policy allows one, routed to DLQ or permanent failure otherwise.
func (o *Orchestrator) ReconcileStaleAttempt(ctx context.Context, a execution.StepAttempt) error {
	ex, err := o.Executions.GetExecution(ctx, a.ExecutionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	def, err := o.Definitions.Get(ctx, ex.DefinitionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	step, ok := def.StepByCode(a.StepCode)
	if !ok {
		return fmt.Errorf("%w: step %s not found in definition %s", domain.ErrInternal, a.StepCode, def.ID)
	}

	now := time.Now().UTC()
	summary := fmt.Sprintf("%v: attempt abandoned by a worker that never reported an outcome", domain.ErrTimeout)

	attempts, err := o.Executions.AllStepAttempts(ctx, ex.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	policy := step.RetryPolicy(errors.Transient)
	if retry.ShouldRetry(a.AttemptNumber, errors.Transient, policy) {
		a.Status = execution.StepFailed
		a.CompletedAt = &now
		a.ErrorClass = errors.Transient
		a.ErrorSummary = stashScheduledRetry(summary, now)
		return o.Executions.UpdateStepAttempt(ctx, a)
	}

	a.Status = execution.StepFailed
	a.CompletedAt = &now
	a.ErrorClass = errors.Transient
	a.ErrorSummary = summary
	if err := o.Executions.UpdateStepAttempt(ctx, a); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	result := runner.Result{Outcome: runner.OutcomeFailedPermanent, ErrorClass: errors.Transient, ErrorSummary: summary}
	_, err = o.terminalStepFailure(ctx, ex, def, step, result, append(attempts, a))
	return err
}

// attemptsExhausted reports whether a step genuinely ran out of retries for
// class, as opposed to never having been eligible to retry at all (e.g.
// NON_RETRYABLE, whose policy never includes its own class in
// retry_on_classes and so is never "exhausted", only ineligible).
func attemptsExhausted(step definition.Step, attempts []execution.StepAttempt, class errors.Class) bool {
	policy := step.RetryPolicy(class).Effective()
	if !policy.RetryOnClasses[class] {
		return false
	}
	count := 0
	for _, a := range attempts {
		if a.StepCode == step.Code {
			count++
		}
	}
	return count >= policy.MaxAttempts
}

// reverseCompletionOrder returns the codes of every step that succeeded
// before failedStep, in reverse order of completion (spec §8 invariant 9,
// §4.9).
func reverseCompletionOrder(def definition.Definition, attempts []execution.StepAttempt, failedStep string) []string {
	type completed struct {
		code string
		at   time.Time
	}
	byStep := groupByStep(attempts)

	var done []completed
	for _, s := range def.Steps {
		if s.Code == failedStep {
			continue
		}
		latest, ok := latestAttempt(byStep[s.Code])
		if !ok || latest.Status != execution.StepSucceeded || latest.CompletedAt == nil {
			continue
		}
		done = append(done, completed{code: s.Code, at: *latest.CompletedAt})
	}

	sort.Slice(done, func(i, j int) bool { return done[i].at.After(done[j].at) })

	codes := make([]string, len(done))
	for i, d := range done {
		codes[i] = d.code
	}
	return codes
}

// advanceCompensation continues working through the compensation queue
// for an execution already in the Compensating state. The queue itself
// isn't persisted (it's recomputed from step attempt completion times
// each call), so this is safe to call repeatedly and idempotent: steps
// already marked Compensated or Skipped are not revisited.
func (o *Orchestrator) advanceCompensation(ctx context.Context, ex execution.Execution, def definition.Definition, attempts []execution.StepAttempt) (execution.Execution, error) {
	byStep := groupByStep(attempts)

	var pending []string
	for _, code := range reverseCompletionOrderAll(def, attempts) {
		latest, _ := latestAttempt(byStep[code])
		if latest.Status == execution.StepCompensated || latest.Status == execution.StepSkipped {
			continue
		}
		pending = append(pending, code)
	}

	if len(pending) == 0 {
		ex.Status = execution.Compensated
		now := time.Now().UTC()
		ex.CompletedAt = &now
		if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return ex, nil
	}

	return o.runCompensationStep(ctx, ex, def, pending, deriveReason(ex))
}

func deriveReason(ex execution.Execution) dlq.Reason {
	switch ex.ErrorClass {
	case errors.CompensationRequired:
		return dlq.CompensationRequired
	case errors.NonRetryable:
		return dlq.NonRetryableError
	case errors.Transient:
		return dlq.Timeout
	default:
		return dlq.Unknown
	}
}

// reverseCompletionOrderAll is reverseCompletionOrder without excluding a
// specific failed step, used once compensation is already underway and
// there's no longer a single "failedStep" to exclude.
func reverseCompletionOrderAll(def definition.Definition, attempts []execution.StepAttempt) []string {
	return reverseCompletionOrder(def, attempts, "")
}

func (o *Orchestrator) runCompensationStep(ctx context.Context, ex execution.Execution, def definition.Definition, queue []string, reason dlq.Reason) (execution.Execution, error) {
	for _, code := range queue {
		step, _ := def.StepByCode(code)
		if step.CompensationHandler == "" {
			if err := o.Executions.UpdateStepAttempt(ctx, execution.StepAttempt{
				ExecutionID: ex.ID, StepCode: code, AttemptNumber: 1, Status: execution.StepSkipped,
			}); err != nil {
				return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
			}
			continue
		}

		handler, ok := o.Runner.Registry.Lookup(step.CompensationHandler)
		if !ok {
			return o.moveToDLQ(ctx, ex, code, reason, ex.ErrorClass, "compensation handler not registered: "+step.CompensationHandler)
		}

		attempts, err := o.Executions.AllStepAttempts(ctx, ex.ID)
		if err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		input := assembleInput(def, step, ex.Input, attempts)

		started := time.Now().UTC()
		output, runErr := handler(ctx, input)
		now := time.Now().UTC()
		if runErr != nil {
			_ = o.Executions.UpdateStepAttempt(ctx, execution.StepAttempt{
				ExecutionID: ex.ID, StepCode: code, AttemptNumber: 1, Status: execution.StepFailed,
				StartedAt: &started, CompletedAt: &now, ErrorClass: errors.NonRetryable, ErrorSummary: runErr.Error(),
			})
			return o.moveToDLQ(ctx, ex, code, reason, ex.ErrorClass, ex.ErrorSummary)
		}

		if err := o.Executions.UpdateStepAttempt(ctx, execution.StepAttempt{
			ExecutionID: ex.ID, StepCode: code, AttemptNumber: 1, Status: execution.StepCompensated,
			StartedAt: &started, CompletedAt: &now, Output: output,
		}); err != nil {
			return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		return ex, nil // one compensation dispatched per Advance call
	}
	return ex, nil
}

func (o *Orchestrator) moveToDLQ(ctx context.Context, ex execution.Execution, stepCode string, reason dlq.Reason, class errors.Class, summary string) (execution.Execution, error) {
	ex.Status = execution.DLQ
	now := time.Now().UTC()
	ex.DLQAt = &now
	ex.CompletedAt = &now
	if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if err := o.DLQ.Write(ctx, dlq.Entry{
		ExecutionID:  ex.ID,
		StepCode:     stepCode,
		Reason:       reason,
		ErrorClass:   class,
		ErrorSummary: summary,
	}); err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return ex, nil
}

func (o *Orchestrator) completeExecution(ctx context.Context, ex execution.Execution, def definition.Definition, attempts []execution.StepAttempt) (execution.Execution, error) {
	byStep := groupByStep(attempts)
	output := make(map[string]any, len(def.OutputMapping))
	for outKey, ref := range def.OutputMapping {
		stepCode, field := splitRef(ref)
		latest, ok := latestAttempt(byStep[stepCode])
		if !ok || latest.Output == nil {
			continue
		}
		if field == "" {
			output[outKey] = latest.Output
		} else {
			output[outKey] = latest.Output[field]
		}
	}

	ex.Status = execution.Succeeded
	ex.Output = output
	now := time.Now().UTC()
	ex.CompletedAt = &now
	if err := o.Executions.UpdateExecution(ctx, ex); err != nil {
		return ex, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	return ex, nil
}

func splitRef(ref string) (step, field string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}
