// Package dlq is the Dead Letter Queue (spec §3): persisted record of a
// terminally failed step awaiting human review or manual reprocessing.
package dlq

import (
	"context"
	"time"

	"github.com/proservcore/engine/internal/orchestration/errors"
)

// Reason is why an execution landed in the DLQ.
type Reason string

const (
	MaxAttemptsExceeded  Reason = "max_attempts_exceeded"
	NonRetryableError    Reason = "non_retryable_error"
	CompensationRequired Reason = "compensation_required"
	Timeout              Reason = "timeout"
	Unknown              Reason = "unknown"
)

// Resolution records how a reviewed DLQ entry was disposed of: retried or
// discarded.
type Resolution string

const (
	Retried   Resolution = "retried"
	Discarded Resolution = "discarded"
)

// Entry is a DLQEntry row (spec §3).
type Entry struct {
	ExecutionID  string
	StepCode     string
	Reason       Reason
	ErrorClass   errors.Class
	ErrorSummary string
	Metadata     map[string]any

	ReprocessedAt      *time.Time
	ReprocessedBy      string
	ReprocessOutcome   string
	Resolution         Resolution
	ReviewerNote        string
}

// Store is the DLQ persistence contract. Every terminally failed
// Execution has exactly one Entry; Executions that succeed have zero
// (spec §8 invariant 10).
type Store interface {
	Write(ctx context.Context, e Entry) error
	Get(ctx context.Context, executionID string) (Entry, error)
	List(ctx context.Context, reason Reason) ([]Entry, error)
	MarkReprocessed(ctx context.Context, executionID, reprocessedBy string, resolution Resolution, outcome, note string) error
}
