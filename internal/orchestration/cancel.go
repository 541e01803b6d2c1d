package orchestration

import (
	"context"
	"log/slog"
)

// Canceller is the low-latency cancellation fan-out contract: a backend
// that can push a notification to every process watching an execution
// the instant Cancel() is called, so an in-flight step attempt observes
// it without waiting for its own timeout or the next poll. Modeled on
// Postgres LISTEN/NOTIFY (pg_notify). Backends without a push primitive
// (sqlite) simply don't implement this; Cancel() still works everywhere
// through the polled CancelRequested flag Advance checks on its next call.
type Canceller interface {
	NotifyCancellation(ctx context.Context, executionID string) error
	SubscribeCancellations(ctx context.Context) (<-chan string, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCanceller wires a push-based cancellation channel in addition to
// the polled CancelRequested flag every backend supports.
func WithCanceller(c Canceller) Option {
	return func(o *Orchestrator) { o.cancellations = c }
}

// WithDefaultMaxConcurrencyPerTenant sets the deployment-wide concurrency
// fallback (ENGINE_MAX_CONCURRENT_PER_TENANT) applied to definitions that
// don't set their own policies.max_concurrency_per_tenant.
func WithDefaultMaxConcurrencyPerTenant(n int) Option {
	return func(o *Orchestrator) { o.DefaultMaxConcurrencyPerTenant = n }
}

// ListenForCancellations subscribes to the configured Canceller and fans
// each notification out to whichever in-flight dispatchStep call is
// watching that execution ID. Intended to run for the process lifetime
// in its own goroutine; returns nil immediately if no Canceller was
// configured.
func (o *Orchestrator) ListenForCancellations(ctx context.Context) error {
	if o.cancellations == nil {
		return nil
	}
	ch, err := o.cancellations.SubscribeCancellations(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case executionID, ok := <-ch:
			if !ok {
				return nil
			}
			o.broadcastCancellation(executionID)
		}
	}
}

func (o *Orchestrator) broadcastCancellation(executionID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	for _, waiter := range o.cancelWaiters[executionID] {
		close(waiter)
	}
	delete(o.cancelWaiters, executionID)
}

// notifyCancellation tells the Canceller an execution was just marked
// cancel-requested. A failed notify is logged and swallowed: the row is
// already marked, so a worker will pick up the cancellation on its next
// poll even if the push never arrives.
func (o *Orchestrator) notifyCancellation(ctx context.Context, executionID string) {
	if o.cancellations == nil {
		return
	}
	if err := o.cancellations.NotifyCancellation(ctx, executionID); err != nil {
		slog.WarnContext(ctx, "failed to send cancellation notification", "execution_id", executionID, "error", err)
	}
}

// watchCancellation derives a context from parent that is also cancelled
// the moment a NOTIFY for executionID arrives, for the duration of one
// step attempt. With no Canceller configured it returns parent unchanged:
// the attempt still runs to its own timeout, and CancelRequested still
// stops the next Advance from dispatching further steps.
func (o *Orchestrator) watchCancellation(parent context.Context, executionID string) (context.Context, func()) {
	if o.cancellations == nil {
		return parent, func() {}
	}

	waiter := make(chan struct{})
	o.cancelMu.Lock()
	o.cancelWaiters[executionID] = append(o.cancelWaiters[executionID], waiter)
	o.cancelMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		select {
		case <-waiter:
			cancel()
		case <-done:
		}
	}()

	stop := func() {
		close(done)
		cancel()
		o.removeCancelWaiter(executionID, waiter)
	}
	return ctx, stop
}

func (o *Orchestrator) removeCancelWaiter(executionID string, waiter chan struct{}) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	waiters := o.cancelWaiters[executionID]
	for i, w := range waiters {
		if w == waiter {
			o.cancelWaiters[executionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(o.cancelWaiters[executionID]) == 0 {
		delete(o.cancelWaiters, executionID)
	}
}
