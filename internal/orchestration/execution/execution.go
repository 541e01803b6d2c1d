// Package execution holds the Execution and StepAttempt types (spec §3)
// and the store contract the Orchestrator and Step Runner depend on.
package execution

import (
	"context"
	"time"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/errors"
)

// Status is an Execution's lifecycle state (spec §4.9).
type Status string

const (
	Pending      Status = "pending"
	Running      Status = "running"
	Succeeded    Status = "succeeded"
	Failed       Status = "failed"
	Compensating Status = "compensating"
	Compensated  Status = "compensated"
	DLQ          Status = "dlq"
)

// StepStatus is a StepAttempt's lifecycle state.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// Execution is an Execution row (spec §3).
type Execution struct {
	ID               string
	TenantID         domain.TenantID
	DefinitionID     string
	DefinitionVersion int
	DefinitionCode   string

	IdempotencyKey string

	Status Status

	Input  map[string]any
	Output map[string]any

	CurrentStep string
	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorClass   errors.Class
	ErrorSummary string

	DLQAt *time.Time

	CancelRequested bool
}

// StepAttempt is a StepAttempt row (spec §3).
type StepAttempt struct {
	ExecutionID   string
	StepCode      string
	AttemptNumber int

	Status StepStatus

	StartedAt   *time.Time
	CompletedAt *time.Time
	TimeoutAt   *time.Time

	Output       map[string]any
	ErrorClass   errors.Class
	ErrorSummary string
}

// Store is the Execution Store contract (spec §2, §4.8, §4.9). Both
// storage backends (postgres, sqlite) implement it identically in shape;
// only the concurrency mechanics differ.
type Store interface {
	// CreateExecution inserts a pending Execution, unless one already
	// exists for (tenant_id, definition.code, idempotency_key), in which
	// case the existing row is returned unchanged (spec §4.9 Start
	// idempotency).
	CreateExecution(ctx context.Context, ex Execution) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	UpdateExecution(ctx context.Context, ex Execution) error

	// ClaimStepDispatch attempts to transition a step into running at the
	// given attempt number, for the purposes of serializing concurrent
	// Advance calls (spec §5): at most one caller may win for a given
	// (execution_id, step_code, attempt_number).
	ClaimStepDispatch(ctx context.Context, executionID, stepCode string, attemptNumber int, timeoutAt time.Time) (StepAttempt, bool, error)
	GetStepAttempts(ctx context.Context, executionID, stepCode string) ([]StepAttempt, error)
	AllStepAttempts(ctx context.Context, executionID string) ([]StepAttempt, error)
	UpdateStepAttempt(ctx context.Context, attempt StepAttempt) error

	// ListAdvanceable claims up to limit non-terminal execution IDs for
	// holderID, leased for leaseFor, for the orchestration advancer's poll
	// loop. The postgres store selects candidates with `FOR UPDATE SKIP
	// LOCKED`, and the sqlite store selects and claims in one transaction on
	// its single connection, so two workers polling concurrently partition
	// the row set instead of racing each other onto the same executions (ClaimStepDispatch
	// still serializes the actual step dispatch; this claim only avoids
	// wasted duplicate Advance calls under concurrent pollers).
	ListAdvanceable(ctx context.Context, holderID string, leaseFor time.Duration, limit int) ([]string, error)

	// ListTimedOutAttempts claims up to limit step attempts still marked
	// running whose timeout_at has elapsed before cutoff, for the
	// reconciliation worker: these are attempts a crashed worker never
	// recorded an outcome for. Claiming pushes timeout_at forward by
	// claimFor (via the same claim pattern as ListAdvanceable) so a concurrent reconciler doesn't reconcile the
	// same abandoned attempt twice.
	ListTimedOutAttempts(ctx context.Context, holderID string, cutoff time.Time, claimFor time.Duration, limit int) ([]StepAttempt, error)
}
