package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/dlq"
	orcherrors "github.com/proservcore/engine/internal/orchestration/errors"
)

var _ dlq.Store = (*Store)(nil)

func (s *Store) Write(ctx context.Context, e dlq.Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal dlq metadata: %v", domain.ErrInternal, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (execution_id, step_code, reason, error_class, error_summary, metadata)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (execution_id) DO UPDATE SET
			step_code = excluded.step_code, reason = excluded.reason,
			error_class = excluded.error_class, error_summary = excluded.error_summary,
			metadata = excluded.metadata`,
		e.ExecutionID, e.StepCode, string(e.Reason), string(e.ErrorClass), e.ErrorSummary, metadata)
	if err != nil {
		return fmt.Errorf("%w: write dlq entry: %v", domain.ErrInternal, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, executionID string) (dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE execution_id = ?`, executionID)
	return scanDLQEntry(row)
}

func (s *Store) List(ctx context.Context, reason dlq.Reason) ([]dlq.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if reason == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries ORDER BY created_at ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE reason = ? ORDER BY created_at ASC`, string(reason))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list dlq entries: %v", domain.ErrInternal, err)
	}
	defer rows.Close()

	var out []dlq.Entry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkReprocessed(ctx context.Context, executionID, reprocessedBy string, resolution dlq.Resolution, outcome, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries SET
			reprocessed_at = CURRENT_TIMESTAMP, reprocessed_by = ?, resolution = ?,
			reprocess_outcome = ?, reviewer_note = ?
		WHERE execution_id = ?`,
		reprocessedBy, string(resolution), outcome, note, executionID)
	if err != nil {
		return fmt.Errorf("%w: mark dlq entry reprocessed: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const dlqColumns = `
	execution_id, step_code, reason, error_class, error_summary, metadata,
	reprocessed_at, reprocessed_by, reprocess_outcome, resolution, reviewer_note`

func scanDLQEntry(row rowScanner) (dlq.Entry, error) {
	var (
		e          dlq.Entry
		reason     string
		errClass   string
		resolution string
		metadata   []byte
	)
	err := row.Scan(
		&e.ExecutionID, &e.StepCode, &reason, &errClass, &e.ErrorSummary, &metadata,
		&e.ReprocessedAt, &e.ReprocessedBy, &e.ReprocessOutcome, &resolution, &e.ReviewerNote)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dlq.Entry{}, domain.ErrNotFound
		}
		return dlq.Entry{}, fmt.Errorf("%w: scan dlq entry: %v", domain.ErrInternal, err)
	}
	e.Reason = dlq.Reason(reason)
	e.ErrorClass = orcherrors.Class(errClass)
	e.Resolution = dlq.Resolution(resolution)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return dlq.Entry{}, fmt.Errorf("%w: unmarshal dlq metadata: %v", domain.ErrInternal, err)
		}
	}
	return e, nil
}
