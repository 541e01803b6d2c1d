package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/recurrence"
	"github.com/proservcore/engine/internal/recurrence/ledger"
)

var _ ledger.Ledger = (*Store)(nil)

func (s *Store) Claim(ctx context.Context, ruleID string, periodStart, periodEnd time.Time, label string) (ledger.ClaimResult, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recurrence_ledger (rule_id, period_start, period_end, period_label)
		VALUES (?,?,?,?)
		ON CONFLICT (rule_id, period_start) DO NOTHING`,
		ruleID, periodStart, periodEnd, label)
	if err != nil {
		return ledger.ClaimResult{}, fmt.Errorf("%w: claim ledger row: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM recurrence_ledger WHERE rule_id = ? AND period_start = ?`,
		ruleID, periodStart)
	g, err := scanGeneration(row)
	if err != nil {
		return ledger.ClaimResult{}, err
	}
	if n > 0 {
		return ledger.ClaimResult{Status: ledger.Claimed, Row: g}, nil
	}
	return ledger.ClaimResult{Status: ledger.AlreadyDone, Row: g}, nil
}

func (s *Store) Fulfill(ctx context.Context, ruleID string, periodStart time.Time, producedKind, producedID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurrence_ledger SET produced_kind = ?, produced_id = ?
		WHERE rule_id = ? AND period_start = ?`,
		producedKind, producedID, ruleID, periodStart)
	if err != nil {
		return fmt.Errorf("%w: fulfill ledger row: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: no claimed ledger row for rule %s period %s", domain.ErrNotFound, ruleID, periodStart)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ruleID string, periodStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurrence_ledger WHERE rule_id = ? AND period_start = ?`, ruleID, periodStart)
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
		if errors.Is(err, sql.ErrNoRows) {
			return recurrence.Generation{}, domain.ErrNotFound
		}
		return recurrence.Generation{}, fmt.Errorf("%w: scan ledger row: %v", domain.ErrInternal, err)
	}
	return g, nil
}
