package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/definition"
	"github.com/proservcore/engine/internal/orchestration/dlq"
	orcherrors "github.com/proservcore/engine/internal/orchestration/errors"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/runner"
)

// --- in-memory fakes, test-local only ---

type fakeDefStore struct {
	mu    sync.Mutex
	byID  map[string]definition.Definition
}

func newFakeDefStore() *fakeDefStore {
	return &fakeDefStore{byID: make(map[string]definition.Definition)}
}

func (s *fakeDefStore) Create(ctx context.Context, def definition.Definition) (definition.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[def.ID] = def
	return def, nil
}

func (s *fakeDefStore) Get(ctx context.Context, id string) (definition.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return definition.Definition{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *fakeDefStore) GetLatestPublished(ctx context.Context, tenantID domain.TenantID, code string) (definition.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best definition.Definition
	found := false
	for _, d := range s.byID {
		if d.TenantID != tenantID || d.Code != code || d.Status != definition.Published {
			continue
		}
		if !found || d.Version > best.Version {
			best = d
			found = true
		}
	}
	if !found {
		return definition.Definition{}, domain.ErrNotFound
	}
	return best, nil
}

func (s *fakeDefStore) Publish(ctx context.Context, id string) (definition.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return definition.Definition{}, domain.ErrNotFound
	}
	d.Status = definition.Published
	s.byID[id] = d
	return d, nil
}

func (s *fakeDefStore) ListVersions(ctx context.Context, tenantID domain.TenantID, code string) ([]definition.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []definition.Definition
	for _, d := range s.byID {
		if d.TenantID == tenantID && d.Code == code {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeExecStore struct {
	mu        sync.Mutex
	execs     map[string]execution.Execution
	idemIndex map[string]string
	attempts  map[string]execution.StepAttempt
	claims    map[string]bool
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		execs:     make(map[string]execution.Execution),
		idemIndex: make(map[string]string),
		attempts:  make(map[string]execution.StepAttempt),
		claims:    make(map[string]bool),
	}
}

func idemKey(ex execution.Execution) string {
	return fmt.Sprintf("%s|%s|%s", ex.TenantID, ex.DefinitionCode, ex.IdempotencyKey)
}

func attemptKey(executionID, stepCode string, attemptNumber int) string {
	return executionID + "|" + stepCode + "|" + strconv.Itoa(attemptNumber)
}

func (s *fakeExecStore) CreateExecution(ctx context.Context, ex execution.Execution) (execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey(ex)
	if existingID, ok := s.idemIndex[k]; ok {
		return s.execs[existingID], nil
	}
	s.idemIndex[k] = ex.ID
	s.execs[ex.ID] = ex
	return ex, nil
}

func (s *fakeExecStore) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.execs[id]
	if !ok {
		return execution.Execution{}, domain.ErrNotFound
	}
	return ex, nil
}

func (s *fakeExecStore) UpdateExecution(ctx context.Context, ex execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[ex.ID]; !ok {
		return domain.ErrNotFound
	}
	s.execs[ex.ID] = ex
	return nil
}

func (s *fakeExecStore) ClaimStepDispatch(ctx context.Context, executionID, stepCode string, attemptNumber int, timeoutAt time.Time) (execution.StepAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attemptKey(executionID, stepCode, attemptNumber)
	if s.claims[k] {
		return execution.StepAttempt{}, false, nil
	}
	s.claims[k] = true
	attempt := execution.StepAttempt{
		ExecutionID:   executionID,
		StepCode:      stepCode,
		AttemptNumber: attemptNumber,
		Status:        execution.StepRunning,
		TimeoutAt:     &timeoutAt,
	}
	s.attempts[k] = attempt
	return attempt, true, nil
}

func (s *fakeExecStore) GetStepAttempts(ctx context.Context, executionID, stepCode string) ([]execution.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.StepAttempt
	for _, a := range s.attempts {
		if a.ExecutionID == executionID && a.StepCode == stepCode {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeExecStore) AllStepAttempts(ctx context.Context, executionID string) ([]execution.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.StepAttempt
	for _, a := range s.attempts {
		if a.ExecutionID == executionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeExecStore) UpdateStepAttempt(ctx context.Context, attempt execution.StepAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attemptKey(attempt.ExecutionID, attempt.StepCode, attempt.AttemptNumber)
	s.claims[k] = true
	s.attempts[k] = attempt
	return nil
}

func (s *fakeExecStore) ListTimedOutAttempts(ctx context.Context, holderID string, cutoff time.Time, claimFor time.Duration, limit int) ([]execution.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.StepAttempt
	for k, a := range s.attempts {
		if a.Status == execution.StepRunning && a.TimeoutAt != nil && a.TimeoutAt.Before(cutoff) {
			claimedAt := time.Now().UTC().Add(claimFor)
			a.TimeoutAt = &claimedAt
			s.attempts[k] = a
			out = append(out, a)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeExecStore) ListAdvanceable(ctx context.Context, holderID string, leaseFor time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, ex := range s.execs {
		if !isTerminal(ex.Status) {
			out = append(out, id)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeDLQStore struct {
	mu      sync.Mutex
	entries map[string]dlq.Entry
}

func newFakeDLQStore() *fakeDLQStore {
	return &fakeDLQStore{entries: make(map[string]dlq.Entry)}
}

func (s *fakeDLQStore) Write(ctx context.Context, e dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ExecutionID] = e
	return nil
}

func (s *fakeDLQStore) Get(ctx context.Context, executionID string) (dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[executionID]
	if !ok {
		return dlq.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *fakeDLQStore) List(ctx context.Context, reason dlq.Reason) ([]dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dlq.Entry
	for _, e := range s.entries {
		if reason == "" || e.Reason == reason {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeDLQStore) MarkReprocessed(ctx context.Context, executionID, reprocessedBy string, resolution dlq.Resolution, outcome, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[executionID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	e.ReprocessedAt = &now
	e.ReprocessedBy = reprocessedBy
	e.Resolution = resolution
	e.ReprocessOutcome = outcome
	e.ReviewerNote = note
	s.entries[executionID] = e
	return nil
}

// --- test harness ---

func newTestOrchestrator() (*Orchestrator, *fakeDefStore, *fakeExecStore, *fakeDLQStore, *runner.Registry) {
	defs := newFakeDefStore()
	execs := newFakeExecStore()
	dlqStore := newFakeDLQStore()
	reg := runner.NewRegistry()
	r := runner.New(reg)
	return New(defs, execs, dlqStore, r), defs, execs, dlqStore, reg
}

func publishedDef(id string, steps []definition.Step) definition.Definition {
	return definition.Definition{
		ID:       id,
		TenantID: "tenant-a",
		Code:     "onboard",
		Version:  1,
		Status:   definition.Published,
		Steps:    steps,
		Policies: definition.Policies{DefaultTimeoutMS: 5000},
		OutputMapping: map[string]string{
			"result": steps[len(steps)-1].Code,
		},
	}
}

func advanceUntilTerminal(t *testing.T, o *Orchestrator, executionID string, maxSteps int) execution.Execution {
	t.Helper()
	var ex execution.Execution
	var err error
	for i := 0; i < maxSteps; i++ {
		ex, err = o.Advance(context.Background(), executionID)
		require.NoError(t, err)
		if isTerminal(ex.Status) {
			return ex
		}
	}
	t.Fatalf("execution %s did not reach a terminal status within %d Advance calls (last status %s)", executionID, maxSteps, ex.Status)
	return ex
}

func TestOrchestrator_SingleStepSucceeds(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	reg.Register("greet", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"message": "hello"}, nil
	})
	def := publishedDef("def-1", []definition.Step{{Code: "greet", Handler: "greet"}})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{"name": "ada"}, "key-1")
	require.NoError(t, err)
	require.Equal(t, execution.Pending, ex.Status)

	final := advanceUntilTerminal(t, o, ex.ID, 5)
	assert.Equal(t, execution.Succeeded, final.Status)
	assert.Equal(t, map[string]any{"message": "hello"}, final.Output["result"])
}

func TestOrchestrator_StartIsIdempotentByKey(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	reg.Register("greet", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := publishedDef("def-1", []definition.Step{{Code: "greet", Handler: "greet"}})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	first, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "same-key")
	require.NoError(t, err)
	second, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "same-key")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestOrchestrator_StartRejectsInvalidInput(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	reg.Register("greet", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := publishedDef("def-1", []definition.Step{{Code: "greet", Handler: "greet"}})
	def.InputSchema = definition.Schema{Type: "object", Required: []string{"name"}}
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	_, err = o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-2")
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestOrchestrator_DependentStepReceivesUpstreamOutput(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	reg.Register("fetch", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"account_id": "acc-42"}, nil
	})
	var seenAccountID string
	reg.Register("bill", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		fetchOut, _ := input["fetch"].(map[string]any)
		seenAccountID, _ = fetchOut["account_id"].(string)
		return map[string]any{"billed": true}, nil
	})
	def := publishedDef("def-2", []definition.Step{
		{Code: "fetch", Handler: "fetch"},
		{Code: "bill", Handler: "bill", DependsOn: []string{"fetch"}},
	})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-3")
	require.NoError(t, err)

	final := advanceUntilTerminal(t, o, ex.ID, 10)
	assert.Equal(t, execution.Succeeded, final.Status)
	assert.Equal(t, "acc-42", seenAccountID)
}

func TestOrchestrator_NonRetryableFailureWithNoCompensationFails(t *testing.T) {
	o, defs, _, dlqStore, reg := newTestOrchestrator()
	reg.Register("charge", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("validation failed: bad card number")
	})
	def := publishedDef("def-3", []definition.Step{{Code: "charge", Handler: "charge"}})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-4")
	require.NoError(t, err)

	final := advanceUntilTerminal(t, o, ex.ID, 5)
	assert.Equal(t, execution.Failed, final.Status)
	assert.Equal(t, orcherrors.NonRetryable, final.ErrorClass)

	_, err = dlqStore.Get(context.Background(), ex.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound) // failed (not dlq) writes no entry
}

func TestOrchestrator_MaxAttemptsExceededGoesToDLQ(t *testing.T) {
	o, defs, _, dlqStore, reg := newTestOrchestrator()
	attempts := 0
	reg.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		attempts++
		return nil, errors.New("connection reset by peer")
	})
	step := definition.Step{
		Code: "flaky", Handler: "flaky",
	}
	def := publishedDef("def-4", []definition.Step{step})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-5")
	require.NoError(t, err)

	// default TRANSIENT policy allows 3 attempts with a real backoff; sleep
	// between advances so the scheduled retry becomes due.
	var final execution.Execution
	for i := 0; i < 10; i++ {
		final, err = o.Advance(context.Background(), ex.ID)
		require.NoError(t, err)
		if isTerminal(final.Status) {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}

	require.Equal(t, execution.DLQ, final.Status)
	assert.Equal(t, 3, attempts)

	entry, err := dlqStore.Get(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.MaxAttemptsExceeded, entry.Reason)
}

func TestOrchestrator_CompensationRunsInReverseCompletionOrder(t *testing.T) {
	o, defs, _, dlqStore, reg := newTestOrchestrator()

	var compensationOrder []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		compensationOrder = append(compensationOrder, name)
	}

	reg.Register("step_a", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	reg.Register("step_b", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	reg.Register("step_c", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("validation failed: inventory mismatch")
	})
	reg.Register("undo_b", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		record("undo_b")
		return map[string]any{}, nil
	})

	def := publishedDef("def-5", []definition.Step{
		{Code: "step_a", Handler: "step_a"}, // no compensation handler
		{Code: "step_b", Handler: "step_b", DependsOn: []string{"step_a"}, CompensationHandler: "undo_b"},
		{Code: "step_c", Handler: "step_c", DependsOn: []string{"step_b"}},
	})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-6")
	require.NoError(t, err)

	final := advanceUntilTerminal(t, o, ex.ID, 20)
	assert.Equal(t, execution.Compensated, final.Status)
	assert.Equal(t, []string{"undo_b"}, compensationOrder)

	_, err = dlqStore.Get(context.Background(), ex.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound) // compensated executions are not DLQ'd
}

func TestOrchestrator_CompensationHandlerFailureEscalatesToDLQ(t *testing.T) {
	o, defs, _, dlqStore, reg := newTestOrchestrator()

	reg.Register("step_a", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	reg.Register("step_b", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("validation failed: quota exceeded")
	})
	reg.Register("undo_a", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("undo_a cannot reach the ledger")
	})

	def := publishedDef("def-6", []definition.Step{
		{Code: "step_a", Handler: "step_a", CompensationHandler: "undo_a"},
		{Code: "step_b", Handler: "step_b", DependsOn: []string{"step_a"}},
	})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-7")
	require.NoError(t, err)

	final := advanceUntilTerminal(t, o, ex.ID, 20)
	assert.Equal(t, execution.DLQ, final.Status)

	_, err = dlqStore.Get(context.Background(), ex.ID)
	assert.NoError(t, err)
}

func TestOrchestrator_CompensationRequiredRoutesToDLQWhenNoEarlierCompensation(t *testing.T) {
	o, defs, _, dlqStore, reg := newTestOrchestrator()
	reg.Register("charge", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, orcherrors.WithClass(orcherrors.CompensationRequired, errors.New("card already captured"))
	})
	def := publishedDef("def-7", []definition.Step{{Code: "charge", Handler: "charge"}})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-8")
	require.NoError(t, err)

	final := advanceUntilTerminal(t, o, ex.ID, 5)
	assert.Equal(t, execution.DLQ, final.Status)

	entry, err := dlqStore.Get(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.CompensationRequired, entry.Reason)
}

func TestOrchestrator_CancelStopsFurtherDispatch(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	dispatched := 0
	reg.Register("step_a", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		dispatched++
		return map[string]any{}, nil
	})
	reg.Register("step_b", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		dispatched++
		return map[string]any{}, nil
	})
	def := publishedDef("def-8", []definition.Step{
		{Code: "step_a", Handler: "step_a"},
		{Code: "step_b", Handler: "step_b", DependsOn: []string{"step_a"}},
	})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-9")
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background(), ex.ID))

	updated, err := o.Advance(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.Running, updated.Status)
	assert.Equal(t, 0, dispatched)
}

func TestOrchestrator_PerTenantConcurrencyLimitBlocksOverCapacity(t *testing.T) {
	o, defs, _, _, reg := newTestOrchestrator()
	reg.Register("slow", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	def := publishedDef("def-9", []definition.Step{{Code: "slow", Handler: "slow"}})
	def.Policies.MaxConcurrencyPerTenant = 1
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	first, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-10")
	require.NoError(t, err)
	second, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-11")
	require.NoError(t, err)

	sem := o.tenantSemaphore("tenant-a", 1)
	require.True(t, sem.TryAcquire(1)) // hold the only slot artificially

	blocked, err := o.Advance(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.Pending, blocked.Status) // never even transitioned to running

	sem.Release(1)

	final := advanceUntilTerminal(t, o, first.ID, 5)
	assert.Equal(t, execution.Succeeded, final.Status)
}

// fakeCanceller is an in-process Canceller: NotifyCancellation pushes
// straight onto a shared channel every SubscribeCancellations call reads
// from, so a single test can drive both the notify and the listen side
// without a real Postgres connection.
type fakeCanceller struct {
	ch chan string
}

func newFakeCanceller() *fakeCanceller {
	return &fakeCanceller{ch: make(chan string, 8)}
}

func (c *fakeCanceller) NotifyCancellation(ctx context.Context, executionID string) error {
	c.ch <- executionID
	return nil
}

func (c *fakeCanceller) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	return c.ch, nil
}

func TestOrchestrator_CancelNotifiesInFlightStepImmediately(t *testing.T) {
	defs := newFakeDefStore()
	execs := newFakeExecStore()
	dlqStore := newFakeDLQStore()
	reg := runner.NewRegistry()
	canceller := newFakeCanceller()
	o := New(defs, execs, dlqStore, runner.New(reg), WithCanceller(canceller))

	listenCtx, stopListening := context.WithCancel(context.Background())
	defer stopListening()
	listenErrCh := make(chan error, 1)
	go func() { listenErrCh <- o.ListenForCancellations(listenCtx) }()

	handlerObservedCancel := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		close(handlerObservedCancel)
		return nil, ctx.Err()
	})
	def := publishedDef("def-cancel", []definition.Step{{Code: "slow", Handler: "slow", TimeoutMS: 60_000}})
	_, err := defs.Create(context.Background(), def)
	require.NoError(t, err)

	ex, err := o.Start(context.Background(), "tenant-a", "onboard", map[string]any{}, "key-cancel")
	require.NoError(t, err)

	dispatchDone := make(chan struct{})
	go func() {
		_, _ = o.Advance(context.Background(), ex.ID)
		close(dispatchDone)
	}()

	// Give Advance a moment to reach dispatchStep and register its waiter
	// before Cancel fires, matching the real race between an in-flight
	// dispatch and a concurrent cancel request.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, o.Cancel(context.Background(), ex.ID))

	select {
	case <-handlerObservedCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation through its context")
	}

	<-dispatchDone
	stopListening()
	<-listenErrCh
}
