// Package worker runs the engine's three background loops — recurrence
// ticking, orchestration advancing, and stale-attempt reconciliation — as
// independent ticker-driven goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proservcore/engine/internal/orchestration"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/recurrence"
)

// Lease is the exclusive-run coordination contract (spec's crash-safety
// requirement for the recurrence ticker and reconciler): only one worker
// process in the fleet may run a given loop iteration at a time, with a
// lease that self-expires if the holder dies mid-run.
type Lease interface {
	TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error)
}

// Worker composes the engine's drivers and runs them on independent
// tickers: recurrence scheduling, execution advancing and attempt
// reconciliation each run on their own interval.
type Worker struct {
	Generator    *recurrence.Generator
	Orchestrator *orchestration.Orchestrator
	Executions   execution.Store
	Lease        Lease

	holderID string

	recurrenceTick   time.Duration
	advancePoll      time.Duration
	reconcileEvery   time.Duration
	leaseDuration    time.Duration
	tickHorizon      time.Duration
	advanceBatch     int
	reconcileBatch   int
	operationTimeout time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithRecurrenceTick(d time.Duration) Option    { return func(w *Worker) { w.recurrenceTick = d } }
func WithAdvancePoll(d time.Duration) Option       { return func(w *Worker) { w.advancePoll = d } }
func WithReconcileInterval(d time.Duration) Option { return func(w *Worker) { w.reconcileEvery = d } }
func WithLeaseDuration(d time.Duration) Option     { return func(w *Worker) { w.leaseDuration = d } }
func WithTickHorizon(d time.Duration) Option       { return func(w *Worker) { w.tickHorizon = d } }
func WithOperationTimeout(d time.Duration) Option  { return func(w *Worker) { w.operationTimeout = d } }
func WithAdvanceBatch(n int) Option                { return func(w *Worker) { w.advanceBatch = n } }
func WithReconcileBatch(n int) Option              { return func(w *Worker) { w.reconcileBatch = n } }

// New constructs a Worker identified by holderID (the lease-holder name
// recorded in worker_leases, distinguishing this process from any sibling
// in the same fleet).
func New(gen *recurrence.Generator, orch *orchestration.Orchestrator, execs execution.Store, lease Lease, holderID string, opts ...Option) *Worker {
	w := &Worker{
		Generator:        gen,
		Orchestrator:     orch,
		Executions:       execs,
		Lease:            lease,
		holderID:         holderID,
		recurrenceTick:   time.Minute,
		advancePoll:      2 * time.Second,
		reconcileEvery:   5 * time.Minute,
		leaseDuration:    5 * time.Minute,
		tickHorizon:      24 * time.Hour,
		operationTimeout: 30 * time.Second,
		advanceBatch:     100,
		reconcileBatch:   50,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs all three loops until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "worker started",
		"recurrence_tick", w.recurrenceTick, "advance_poll", w.advancePoll, "reconcile_interval", w.reconcileEvery)

	recurrenceTicker := time.NewTicker(w.recurrenceTick)
	advanceTicker := time.NewTicker(w.advancePoll)
	reconcileTicker := time.NewTicker(w.reconcileEvery)
	defer recurrenceTicker.Stop()
	defer advanceTicker.Stop()
	defer reconcileTicker.Stop()

	for {
		select {
		case <-recurrenceTicker.C:
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := w.RunRecurrenceTickOnce(ctx); err != nil {
					slog.ErrorContext(ctx, "recurrence tick failed", "error", err)
				}
			}()
		case <-advanceTicker.C:
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := w.RunAdvanceOnce(ctx); err != nil {
					slog.ErrorContext(ctx, "advance pass failed", "error", err)
				}
			}()
		case <-reconcileTicker.C:
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := w.RunReconcileOnce(ctx); err != nil {
					slog.ErrorContext(ctx, "reconcile pass failed", "error", err)
				}
			}()
		case <-ctx.Done():
			slog.InfoContext(ctx, "worker context cancelled, shutting down")
			w.wg.Wait()
			return ctx.Err()
		case <-w.done:
			slog.InfoContext(ctx, "worker stopped")
			w.wg.Wait()
			return nil
		}
	}
}

// Stop gracefully stops the worker's loops.
func (w *Worker) Stop() {
	close(w.done)
}

// RunRecurrenceTickOnce acquires the exclusive "recurrence-tick" lease and,
// if won, runs one Generator.Tick pass for every tenant with an active
// rule. Losing the lease is not an error: another worker in the fleet is
// already covering this tick.
func (w *Worker) RunRecurrenceTickOnce(ctx context.Context) error {
	release, acquired, err := w.Lease.TryAcquireExclusiveRun(ctx, "recurrence-tick", w.holderID, w.leaseDuration)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
	tenants, err := w.Generator.Rules.ListTenants(opCtx)
	cancel()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, tenant := range tenants {
		tickCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
		reports, err := w.Generator.Tick(tickCtx, tenant, now, w.tickHorizon)
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "recurrence tick failed for tenant", "tenant_id", tenant, "error", err)
			continue
		}
		for ruleID, report := range reports {
			if report.Produced > 0 || report.Failed > 0 {
				slog.InfoContext(ctx, "recurrence tick report", "tenant_id", tenant, "rule_id", ruleID,
					"examined", report.Examined, "produced", report.Produced, "failed", report.Failed)
			}
		}
	}
	return nil
}

// RunAdvanceOnce claims up to the advance batch size of non-terminal
// executions not leased by another holder, and drives one
// Orchestrator.Advance call for each. Safe to run concurrently across worker
// processes: ClaimStepDispatch serializes the one dispatch that matters.
func (w *Worker) RunAdvanceOnce(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
	ids, err := w.Executions.ListAdvanceable(listCtx, w.holderID, w.operationTimeout, w.advanceBatch)
	cancel()
	if err != nil {
		return err
	}

	for _, id := range ids {
		advanceCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
		_, err := w.Orchestrator.Advance(advanceCtx, id)
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "advance failed", "execution_id", id, "error", err)
		}
	}
	return nil
}

// RunReconcileOnce acquires the exclusive "reconcile" lease and, if won,
// recovers step attempts abandoned by a crashed worker: still "running"
// with an elapsed timeout and no recorded outcome.
func (w *Worker) RunReconcileOnce(ctx context.Context) error {
	release, acquired, err := w.Lease.TryAcquireExclusiveRun(ctx, "reconcile", w.holderID, w.leaseDuration)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer release()

	listCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
	stale, err := w.Executions.ListTimedOutAttempts(listCtx, w.holderID, time.Now().UTC(), w.leaseDuration, w.reconcileBatch)
	cancel()
	if err != nil {
		return err
	}

	for _, attempt := range stale {
		recCtx, cancel := context.WithTimeout(ctx, w.operationTimeout)
		err := w.Orchestrator.ReconcileStaleAttempt(recCtx, attempt)
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "reconcile stale attempt failed",
				"execution_id", attempt.ExecutionID, "step_code", attempt.StepCode, "error", err)
		}
	}
	return nil
}
