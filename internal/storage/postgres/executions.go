package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proservcore/engine/internal/domain"
	orcherrors "github.com/proservcore/engine/internal/orchestration/errors"
	"github.com/proservcore/engine/internal/orchestration/execution"
)

var _ execution.Store = (*Store)(nil)

func (s *Store) CreateExecution(ctx context.Context, ex execution.Execution) (execution.Execution, error) {
	if ex.ID == "" {
		ex.ID = domain.NewID()
	}

	input, err := json.Marshal(ex.Input)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: marshal execution input: %v", domain.ErrInternal, err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO executions (
			id, tenant_id, definition_id, definition_version, definition_code,
			idempotency_key, status, input, output, current_step, cancel_requested
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'{}',$9,false)
		ON CONFLICT (tenant_id, definition_code, idempotency_key) DO NOTHING
		RETURNING `+executionColumns,
		ex.ID, string(ex.TenantID), ex.DefinitionID, ex.DefinitionVersion, ex.DefinitionCode,
		ex.IdempotencyKey, string(ex.Status), input, ex.CurrentStep)

	created, err := scanExecution(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return execution.Execution{}, err
	}

	// Conflict: another call (or a retry of this same call) already created
	// this (tenant, code, idempotency_key). Return the existing row.
	existingRow := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE tenant_id = $1 AND definition_code = $2 AND idempotency_key = $3`,
		string(ex.TenantID), ex.DefinitionCode, ex.IdempotencyKey)
	return scanExecution(existingRow)
}

func (s *Store) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *Store) UpdateExecution(ctx context.Context, ex execution.Execution) error {
	input, err := json.Marshal(ex.Input)
	if err != nil {
		return fmt.Errorf("%w: marshal execution input: %v", domain.ErrInternal, err)
	}
	output, err := json.Marshal(ex.Output)
	if err != nil {
		return fmt.Errorf("%w: marshal execution output: %v", domain.ErrInternal, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $1, input = $2, output = $3, current_step = $4,
			started_at = $5, completed_at = $6, error_class = $7, error_summary = $8,
			dlq_at = $9, cancel_requested = $10
		WHERE id = $11`,
		string(ex.Status), input, output, ex.CurrentStep,
		ex.StartedAt, ex.CompletedAt, string(ex.ErrorClass), ex.ErrorSummary,
		ex.DLQAt, ex.CancelRequested, ex.ID)
	if err != nil {
		return fmt.Errorf("%w: update execution: %v", domain.ErrInternal, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimStepDispatch(ctx context.Context, executionID, stepCode string, attemptNumber int, timeoutAt time.Time) (execution.StepAttempt, bool, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO step_attempts (execution_id, step_code, attempt_number, status, started_at, timeout_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (execution_id, step_code, attempt_number) DO NOTHING
		RETURNING `+stepAttemptColumns,
		executionID, stepCode, attemptNumber, string(execution.StepRunning), now, timeoutAt)

	attempt, err := scanStepAttempt(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return execution.StepAttempt{}, false, nil // another caller already holds this attempt
		}
		return execution.StepAttempt{}, false, err
	}
	return attempt, true, nil
}

func (s *Store) GetStepAttempts(ctx context.Context, executionID, stepCode string) ([]execution.StepAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE execution_id = $1 AND step_code = $2
		ORDER BY attempt_number ASC`, executionID, stepCode)
	if err != nil {
		return nil, fmt.Errorf("%w: list step attempts: %v", domain.ErrInternal, err)
	}
	defer rows.Close()
	return scanStepAttempts(rows)
}

func (s *Store) AllStepAttempts(ctx context.Context, executionID string) ([]execution.StepAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE execution_id = $1
		ORDER BY step_code ASC, attempt_number ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list all step attempts: %v", domain.ErrInternal, err)
	}
	defer rows.Close()
	return scanStepAttempts(rows)
}

func (s *Store) UpdateStepAttempt(ctx context.Context, a execution.StepAttempt) error {
	output, err := json.Marshal(a.Output)
	if err != nil {
		return fmt.Errorf("%w: marshal step attempt output: %v", domain.ErrInternal, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_attempts (
			execution_id, step_code, attempt_number, status,
			started_at, completed_at, timeout_at, output, error_class, error_summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (execution_id, step_code, attempt_number) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			output = EXCLUDED.output,
			error_class = EXCLUDED.error_class,
			error_summary = EXCLUDED.error_summary`,
		a.ExecutionID, a.StepCode, a.AttemptNumber, string(a.Status),
		a.StartedAt, a.CompletedAt, a.TimeoutAt, output, string(a.ErrorClass), a.ErrorSummary)
	if err != nil {
		return fmt.Errorf("%w: upsert step attempt: %v", domain.ErrInternal, err)
	}
	return nil
}

// ListAdvanceable selects candidate rows with `FOR UPDATE SKIP LOCKED` so
// concurrent pollers partition the claimable set, then leases the winners
// to holderID by stamping claimed_by/claimed_until.
func (s *Store) ListAdvanceable(ctx context.Context, holderID string, leaseFor time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM executions
			WHERE status NOT IN ($1,$2,$3,$4)
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		UPDATE executions e SET claimed_by = $6, claimed_until = $7
		FROM candidates c
		WHERE e.id = c.id
		RETURNING e.id`,
		string(execution.Succeeded), string(execution.Failed), string(execution.Compensated), string(execution.DLQ), limit,
		holderID, time.Now().UTC().Add(leaseFor))
	if err != nil {
		return nil, fmt.Errorf("%w: list advanceable executions: %v", domain.ErrInternal, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan advanceable execution id: %v", domain.ErrInternal, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTimedOutAttempts claims abandoned step attempts the same way:
// `FOR UPDATE SKIP LOCKED` selects candidates, then the claim pushes
// timeout_at forward by claimFor so a second reconciler polling at the
// same instant skips rows this call already won.
func (s *Store) ListTimedOutAttempts(ctx context.Context, holderID string, cutoff time.Time, claimFor time.Duration, limit int) ([]execution.StepAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT execution_id, step_code, attempt_number FROM step_attempts
			WHERE status = $1 AND timeout_at < $2
			ORDER BY timeout_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE step_attempts sa SET timeout_at = $4
		FROM candidates c
		WHERE sa.execution_id = c.execution_id
		  AND sa.step_code = c.step_code
		  AND sa.attempt_number = c.attempt_number
		RETURNING `+stepAttemptColumnsQualifiedSA,
		string(execution.StepRunning), cutoff, limit, time.Now().UTC().Add(claimFor))
	if err != nil {
		return nil, fmt.Errorf("%w: list timed out step attempts: %v", domain.ErrInternal, err)
	}
	defer rows.Close()
	_ = holderID // recorded in the reconcile-lease row (worker_leases), not on the attempt itself
	return scanStepAttempts(rows)
}

const executionColumns = `
	id, tenant_id, definition_id, definition_version, definition_code, idempotency_key,
	status, input, output, current_step, started_at, completed_at,
	error_class, error_summary, dlq_at, cancel_requested`

func scanExecution(row rowScanner) (execution.Execution, error) {
	var (
		ex            execution.Execution
		tenant        string
		status        string
		errClass      string
		input, output []byte
	)
	err := row.Scan(
		&ex.ID, &tenant, &ex.DefinitionID, &ex.DefinitionVersion, &ex.DefinitionCode, &ex.IdempotencyKey,
		&status, &input, &output, &ex.CurrentStep, &ex.StartedAt, &ex.CompletedAt,
		&errClass, &ex.ErrorSummary, &ex.DLQAt, &ex.CancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Execution{}, domain.ErrNotFound
		}
		return execution.Execution{}, fmt.Errorf("%w: scan execution: %v", domain.ErrInternal, err)
	}
	ex.TenantID = domain.TenantID(tenant)
	ex.Status = execution.Status(status)
	ex.ErrorClass = orcherrors.Class(errClass)

	if err := json.Unmarshal(input, &ex.Input); err != nil {
		return execution.Execution{}, fmt.Errorf("%w: unmarshal execution input: %v", domain.ErrInternal, err)
	}
	if err := json.Unmarshal(output, &ex.Output); err != nil {
		return execution.Execution{}, fmt.Errorf("%w: unmarshal execution output: %v", domain.ErrInternal, err)
	}
	return ex, nil
}

const stepAttemptColumns = `
	execution_id, step_code, attempt_number, status,
	started_at, completed_at, timeout_at, output, error_class, error_summary`

const stepAttemptColumnsQualifiedSA = `
	sa.execution_id, sa.step_code, sa.attempt_number, sa.status,
	sa.started_at, sa.completed_at, sa.timeout_at, sa.output, sa.error_class, sa.error_summary`

func scanStepAttempt(row rowScanner) (execution.StepAttempt, error) {
	var (
		a        execution.StepAttempt
		status   string
		errClass string
		output   []byte
	)
	err := row.Scan(
		&a.ExecutionID, &a.StepCode, &a.AttemptNumber, &status,
		&a.StartedAt, &a.CompletedAt, &a.TimeoutAt, &output, &errClass, &a.ErrorSummary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.StepAttempt{}, domain.ErrNotFound
		}
		return execution.StepAttempt{}, fmt.Errorf("%w: scan step attempt: %v", domain.ErrInternal, err)
	}
	a.Status = execution.StepStatus(status)
	a.ErrorClass = orcherrors.Class(errClass)
	if len(output) > 0 {
		if err := json.Unmarshal(output, &a.Output); err != nil {
			return execution.StepAttempt{}, fmt.Errorf("%w: unmarshal step attempt output: %v", domain.ErrInternal, err)
		}
	}
	return a, nil
}

type rowsScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanStepAttempts(rows rowsScanner) ([]execution.StepAttempt, error) {
	var out []execution.StepAttempt
	for rows.Next() {
		a, err := scanStepAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
