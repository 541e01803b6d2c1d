package worker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proservcore/engine/internal/clock"
	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration"
	"github.com/proservcore/engine/internal/orchestration/definition"
	"github.com/proservcore/engine/internal/orchestration/execution"
	"github.com/proservcore/engine/internal/orchestration/runner"
	"github.com/proservcore/engine/internal/period"
	"github.com/proservcore/engine/internal/recurrence"
	"github.com/proservcore/engine/internal/recurrence/ledger"
	"github.com/proservcore/engine/internal/storage/sqlite"
	"github.com/proservcore/engine/internal/worker"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	store, err := sqlite.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWorker_RunRecurrenceTickOnce_MaterializesDueRules(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	anchor := clock.CivilDate{Year: 2026, Month: time.January, Day: 1}
	_, err := store.CreateRule(ctx, recurrence.Rule{
		TenantID:   "tenant-worker",
		Code:       "monthly-invoice",
		Target:     recurrence.TargetRef{Kind: "invoice", ID: "tmpl-1"},
		Frequency:  period.Monthly,
		Interval:   1,
		AnchorKind: period.AnchorCalendar,
		AnchorDate: anchor,
		StartsAt:   clock.AtMidnight(anchor, time.UTC),
		Timezone:   "UTC",
		Status:     recurrence.StatusActive,
	})
	require.NoError(t, err)

	produced := 0
	gen := recurrence.NewGenerator(store, store, map[string]recurrence.TargetFactory{
		"invoice": func(ctx context.Context, r recurrence.Rule, per period.Period) (string, string, error) {
			produced++
			return "invoice", domain.NewID(), nil
		},
	})

	// Tick enumerates periods with start in [now, now+horizon]; a
	// year-plus horizon guarantees at least one monthly period from this
	// rule's calendar anchor falls in range regardless of wall-clock date.
	w := worker.New(gen, nil, nil, store, "worker-test-1", worker.WithTickHorizon(400*24*time.Hour))

	require.NoError(t, w.RunRecurrenceTickOnce(ctx))
	assert.GreaterOrEqual(t, produced, 1)
}

func TestWorker_RunAdvanceOnce_DrivesPendingExecutionToSuccess(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	def, err := store.Create(ctx, definition.Definition{
		TenantID: "tenant-worker", Code: "ship", Version: 1, Status: definition.Draft,
		Steps: []definition.Step{{Code: "pack", Handler: "pack_order"}},
	})
	require.NoError(t, err)
	_, err = store.Publish(ctx, def.ID)
	require.NoError(t, err)

	reg := runner.NewRegistry()
	reg.Register("pack_order", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"packed": true}, nil
	})

	orch := orchestration.New(store, store, store, runner.New(reg))

	ex, err := orch.Start(ctx, "tenant-worker", "ship", map[string]any{"order_id": "o-1"}, "order-1")
	require.NoError(t, err)

	w := worker.New(nil, orch, store, store, "worker-test-3", worker.WithAdvanceBatch(10))

	require.NoError(t, w.RunAdvanceOnce(ctx))
	require.NoError(t, w.RunAdvanceOnce(ctx))

	final, err := store.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.Succeeded, final.Status)
}

func TestWorker_RunReconcileOnce_RecoversAbandonedAttempt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	def, err := store.Create(ctx, definition.Definition{
		TenantID: "tenant-worker", Code: "charge", Version: 1, Status: definition.Draft,
		Steps: []definition.Step{{Code: "charge", Handler: "charge_card", TimeoutMS: 100}},
	})
	require.NoError(t, err)
	_, err = store.Publish(ctx, def.ID)
	require.NoError(t, err)

	reg := runner.NewRegistry()
	orch := orchestration.New(store, store, store, runner.New(reg))

	ex, err := orch.Start(ctx, "tenant-worker", "charge", map[string]any{}, "charge-1")
	require.NoError(t, err)

	// Simulate a worker that claimed the step and crashed before recording
	// any outcome: the attempt is left running with an already-elapsed
	// timeout.
	past := time.Now().UTC().Add(-time.Minute)
	_, won, err := store.ClaimStepDispatch(ctx, ex.ID, "charge", 1, past)
	require.NoError(t, err)
	require.True(t, won)

	w := worker.New(nil, orch, store, store, "worker-test-4", worker.WithReconcileBatch(10))
	require.NoError(t, w.RunReconcileOnce(ctx))

	attempts, err := store.GetStepAttempts(ctx, ex.ID, "charge")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, execution.StepFailed, attempts[0].Status)
}
