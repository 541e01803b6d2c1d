package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/recurrence"
	"github.com/proservcore/engine/internal/recurrence/ledger"
)

var _ ledger.Ledger = (*Store)(nil)

func (s *Store) Claim(ctx context.Context, ruleID string, periodStart, periodEnd time.Time, label string) (ledger.ClaimResult, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO recurrence_ledger (rule_id, period_start, period_end, period_label)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (rule_id, period_start) DO NOTHING
		RETURNING `+ledgerColumns,
		ruleID, periodStart, periodEnd, label)

	claimed, err := scanGeneration(row)
	if err == nil {
		return ledger.ClaimResult{Status: ledger.Claimed, Row: claimed}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ledger.ClaimResult{}, err
	}

	existingRow := s.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM recurrence_ledger WHERE rule_id = $1 AND period_start = $2`,
		ruleID, periodStart)
	existing, err := scanGeneration(existingRow)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	return ledger.ClaimResult{Status: ledger.AlreadyDone, Row: existing}, nil
}

func (s *Store) Fulfill(ctx context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recurrence_ledger SET produced_kind = $1, produced_id = $2
		WHERE rule_id = $3 AND period_start = $4`,
		producedKind, producedID, ruleID, periodStart)
	if err != nil {
		return fmt.Errorf("%w: fulfill ledger row: %v", domain.ErrInternal, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no claimed ledger row for rule %s period %s", domain.ErrNotFound, ruleID, periodStart)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ruleID string, periodStart time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM recurrence_ledger WHERE rule_id = $1 AND period_start = $2`, ruleID, periodStart)
	if err != nil {
		return fmt.Errorf("%w: release ledger row: %v", domain.ErrInternal, err)
	}
	return nil
}

const ledgerColumns = `rule_id, period_start, period_end, period_label, produced_kind, produced_id, generated_at`

func scanGeneration(row rowScanner) (recurrence.Generation, error) {
	var g recurrence.Generation
	err := row.Scan(&g.RuleID, &g.PeriodStart, &g.PeriodEnd, &g.PeriodLabel, &g.ProducedKind, &g.ProducedID, &g.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recurrence.Generation{}, domain.ErrNotFound
		}
		return recurrence.Generation{}, fmt.Errorf("%w: scan ledger row: %v", domain.ErrInternal, err)
	}
	return g, nil
}
