// Package domain holds the error vocabulary and identifier types shared by
// the recurrence and orchestration engines. Nothing in this package touches
// a store or a clock; it exists so every other package can depend on the
// same names without importing each other.
package domain

import "errors"

// Sentinel errors surfaced across the engine's public boundary (spec §7).
// Callers match on these with errors.Is; wrapped context is added with
// fmt.Errorf("...: %w", ...) at each layer above the one that detects the
// condition.
var (
	// ErrBadRule is returned when a RecurrenceRule fails validation: missing
	// or unknown timezone, non-positive interval, inconsistent fiscal
	// anchor, or an unimplemented cadence kind.
	ErrBadRule = errors.New("bad recurrence rule")

	// ErrBadDefinition is returned when a WorkflowDefinition fails
	// validation: duplicate step codes, a dependency cycle, a dangling
	// depends_on reference, or a malformed schema.
	ErrBadDefinition = errors.New("bad workflow definition")

	// ErrBadInput is returned when Execution input fails validation against
	// the definition's input_schema, or when a caller-supplied argument is
	// structurally invalid.
	ErrBadInput = errors.New("bad input")

	// ErrNotFound is returned when a rule, definition, execution, step
	// attempt, or DLQ entry does not exist (or is outside the caller's
	// tenant).
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for idempotency replays and immutability
	// violations. Callers may treat this as success where the operation is
	// idempotent by contract (e.g. Start with a duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrHandlerMissing is returned when a step's handler code has no
	// registration in the handler registry at execution time.
	ErrHandlerMissing = errors.New("handler not registered")

	// ErrHandlerFailed wraps a handler-raised error; callers inspect the
	// accompanying error_class and error_summary rather than this value
	// directly.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrTimeout is returned when a step attempt's timeout elapses before
	// the handler returns.
	ErrTimeout = errors.New("timed out")

	// ErrInternal is the catch-all for failures the core cannot attribute
	// to caller input or handler behavior (store errors, invariant
	// violations). The core never panics across its public boundary; any
	// unexpected condition is captured here with a stable summary.
	ErrInternal = errors.New("internal error")

	// ErrOwnershipLost is returned by stores when a caller attempts to
	// mutate a claimed row (ledger entry, step attempt, exclusive lease)
	// whose ownership has since been reassigned to another worker.
	ErrOwnershipLost = errors.New("ownership lost")
)
