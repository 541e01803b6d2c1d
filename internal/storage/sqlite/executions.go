package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, tenant_id, definition_id, definition_version, definition_code,
			idempotency_key, status, input, output, current_step, cancel_requested
		) VALUES (?,?,?,?,?,?,?,?,'{}',?,0)
		ON CONFLICT (tenant_id, definition_code, idempotency_key) DO NOTHING`,
		ex.ID, string(ex.TenantID), ex.DefinitionID, ex.DefinitionVersion, ex.DefinitionCode,
		ex.IdempotencyKey, string(ex.Status), input, ex.CurrentStep)
	if err != nil {
		return execution.Execution{}, fmt.Errorf("%w: insert execution: %v", domain.ErrInternal, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE tenant_id = ? AND definition_code = ? AND idempotency_key = ?`,
		string(ex.TenantID), ex.DefinitionCode, ex.IdempotencyKey)
	return scanExecution(row)
}

func (s *Store) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
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

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?, input = ?, output = ?, current_step = ?,
			started_at = ?, completed_at = ?, error_class = ?, error_summary = ?,
			dlq_at = ?, cancel_requested = ?
		WHERE id = ?`,
		string(ex.Status), input, output, ex.CurrentStep,
		ex.StartedAt, ex.CompletedAt, string(ex.ErrorClass), ex.ErrorSummary,
		ex.DLQAt, ex.CancelRequested, ex.ID)
	if err != nil {
		return fmt.Errorf("%w: update execution: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimStepDispatch(ctx context.Context, executionID, stepCode string, attemptNumber int, timeoutAt time.Time) (execution.StepAttempt, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_attempts (execution_id, step_code, attempt_number, status, started_at, timeout_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (execution_id, step_code, attempt_number) DO NOTHING`,
		executionID, stepCode, attemptNumber, string(execution.StepRunning), now, timeoutAt)
	if err != nil {
		return execution.StepAttempt{}, false, fmt.Errorf("%w: claim step dispatch: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return execution.StepAttempt{}, false, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE execution_id = ? AND step_code = ? AND attempt_number = ?`, executionID, stepCode, attemptNumber)
	attempt, err := scanStepAttempt(row)
	if err != nil {
		return execution.StepAttempt{}, false, err
	}
	return attempt, true, nil
}

func (s *Store) GetStepAttempts(ctx context.Context, executionID, stepCode string) ([]execution.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE execution_id = ? AND step_code = ? ORDER BY attempt_number ASC`, executionID, stepCode)
	if err != nil {
		return nil, fmt.Errorf("%w: list step attempts: %v", domain.ErrInternal, err)
	}
	defer rows.Close()
	return scanStepAttempts(rows)
}

func (s *Store) AllStepAttempts(ctx context.Context, executionID string) ([]execution.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE execution_id = ? ORDER BY step_code ASC, attempt_number ASC`, executionID)
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_attempts (
			execution_id, step_code, attempt_number, status,
			started_at, completed_at, timeout_at, output, error_class, error_summary
		) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (execution_id, step_code, attempt_number) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			output = excluded.output,
			error_class = excluded.error_class,
			error_summary = excluded.error_summary`,
		a.ExecutionID, a.StepCode, a.AttemptNumber, string(a.Status),
		a.StartedAt, a.CompletedAt, a.TimeoutAt, output, string(a.ErrorClass), a.ErrorSummary)
	if err != nil {
		return fmt.Errorf("%w: upsert step attempt: %v", domain.ErrInternal, err)
	}
	return nil
}

// ListAdvanceable claims candidate executions by stamping claimed_by/
// claimed_until, mirroring the postgres store's SKIP LOCKED claim. SQLite
// has no row-level locking to skip: the claiming SELECT and UPDATE below
// run in one transaction, which holds the store's single connection until
// it ends, so no other call on this store can run between them.
func (s *Store) ListAdvanceable(ctx context.Context, holderID string, leaseFor time.Duration, limit int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim transaction: %v", domain.ErrInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM executions
		WHERE status NOT IN (?,?,?,?)
		  AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		string(execution.Succeeded), string(execution.Failed), string(execution.Compensated), string(execution.DLQ),
		time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list advanceable executions: %v", domain.ErrInternal, err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan advanceable execution id: %v", domain.ErrInternal, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: list advanceable executions: %v", domain.ErrInternal, err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	claimUntil := time.Now().UTC().Add(leaseFor)
	placeholders := make([]any, 0, len(ids)+2)
	placeholders = append(placeholders, holderID, claimUntil)
	query := `UPDATE executions SET claimed_by = ?, claimed_until = ? WHERE id IN (` + placeholderList(len(ids)) + `)`
	for _, id := range ids {
		placeholders = append(placeholders, id)
	}
	if _, err := tx.ExecContext(ctx, query, placeholders...); err != nil {
		return nil, fmt.Errorf("%w: claim advanceable executions: %v", domain.ErrInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim transaction: %v", domain.ErrInternal, err)
	}
	return ids, nil
}

// ListTimedOutAttempts claims abandoned step attempts by pushing
// timeout_at forward by claimFor, the same lease-extension pattern the
// postgres store applies under SKIP LOCKED; as in ListAdvanceable, the
// SELECT and the UPDATEs run in one transaction on the single connection.
func (s *Store) ListTimedOutAttempts(ctx context.Context, holderID string, cutoff time.Time, claimFor time.Duration, limit int) ([]execution.StepAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim transaction: %v", domain.ErrInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+stepAttemptColumns+` FROM step_attempts
		WHERE status = ? AND timeout_at < ?
		ORDER BY timeout_at ASC
		LIMIT ?`, string(execution.StepRunning), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list timed out step attempts: %v", domain.ErrInternal, err)
	}
	stale, err := scanStepAttempts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	_ = holderID // recorded in the reconcile-lease row (worker_leases), not on the attempt itself
	claimUntil := time.Now().UTC().Add(claimFor)
	for _, a := range stale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE step_attempts SET timeout_at = ?
			WHERE execution_id = ? AND step_code = ? AND attempt_number = ?`,
			claimUntil, a.ExecutionID, a.StepCode, a.AttemptNumber); err != nil {
			return nil, fmt.Errorf("%w: claim timed out step attempt: %v", domain.ErrInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim transaction: %v", domain.ErrInternal, err)
	}
	return stale, nil
}

func placeholderList(n int) string {
	s := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
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
		if errors.Is(err, sql.ErrNoRows) {
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
		if errors.Is(err, sql.ErrNoRows) {
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
