package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proservcore/engine/internal/clock"
	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/period"
	"github.com/proservcore/engine/internal/recurrence"
)

var _ recurrence.RuleRepository = (*Store)(nil)

func (s *Store) CreateRule(ctx context.Context, r recurrence.Rule) (recurrence.Rule, error) {
	if r.ID == "" {
		r.ID = domain.NewID()
	}
	if r.CrashRecovery == "" {
		r.CrashRecovery = recurrence.ReleaseAndReclaim
	}
	if r.Status == "" {
		r.Status = recurrence.StatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurrence_rules (
			id, tenant_id, code, target_kind, target_id, frequency, interval,
			anchor_kind, anchor_year, anchor_month, anchor_day, fiscal_year_start_month,
			starts_at, ends_at, timezone, status, crash_recovery, first_material
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, string(r.TenantID), r.Code, r.Target.Kind, r.Target.ID, string(r.Frequency), r.Interval,
		string(r.AnchorKind), r.AnchorDate.Year, int(r.AnchorDate.Month), r.AnchorDate.Day, r.FiscalYearStartMonth,
		r.StartsAt, r.EndsAt, r.Timezone, string(r.Status), string(r.CrashRecovery), r.FirstMaterial)
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("%w: insert recurrence rule: %v", domain.ErrInternal, err)
	}
	return r, nil
}

func (s *Store) ListActive(ctx context.Context, tenantID domain.TenantID) ([]recurrence.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM recurrence_rules WHERE tenant_id = ? AND status = ?`,
		string(tenantID), string(recurrence.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("%w: list active rules: %v", domain.ErrInternal, err)
	}
	defer rows.Close()

	var out []recurrence.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, ruleID string) (recurrence.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, ruleID)
	return scanRule(row)
}

func (s *Store) SetStatus(ctx context.Context, ruleID string, status recurrence.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recurrence_rules SET status = ? WHERE id = ?`, string(status), ruleID)
	if err != nil {
		return fmt.Errorf("%w: set rule status: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) MarkMaterialized(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recurrence_rules SET first_material = 1 WHERE id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("%w: mark rule materialized: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.TenantID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM recurrence_rules WHERE status = ?`, string(recurrence.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("%w: list tenants with active rules: %v", domain.ErrInternal, err)
	}
	defer rows.Close()

	var out []domain.TenantID
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("%w: scan tenant id: %v", domain.ErrInternal, err)
		}
		out = append(out, domain.TenantID(tenant))
	}
	return out, rows.Err()
}

const ruleColumns = `
	id, tenant_id, code, target_kind, target_id, frequency, interval,
	anchor_kind, anchor_year, anchor_month, anchor_day, fiscal_year_start_month,
	starts_at, ends_at, timezone, status, crash_recovery, first_material`

func scanRule(row rowScanner) (recurrence.Rule, error) {
	var (
		r                     recurrence.Rule
		tenant                string
		frequency, anchorKind string
		anchorYear, anchorDay int
		anchorMonth           int
		status, crashRecovery string
	)
	err := row.Scan(
		&r.ID, &tenant, &r.Code, &r.Target.Kind, &r.Target.ID, &frequency, &r.Interval,
		&anchorKind, &anchorYear, &anchorMonth, &anchorDay, &r.FiscalYearStartMonth,
		&r.StartsAt, &r.EndsAt, &r.Timezone, &status, &crashRecovery, &r.FirstMaterial)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return recurrence.Rule{}, domain.ErrNotFound
		}
		return recurrence.Rule{}, fmt.Errorf("%w: scan recurrence rule: %v", domain.ErrInternal, err)
	}
	r.TenantID = domain.TenantID(tenant)
	r.Frequency = period.Frequency(frequency)
	r.AnchorKind = period.AnchorKind(anchorKind)
	r.AnchorDate = clock.CivilDate{Year: anchorYear, Month: time.Month(anchorMonth), Day: anchorDay}
	r.Status = recurrence.Status(status)
	r.CrashRecovery = recurrence.CrashRecoveryMode(crashRecovery)
	return r, nil
}
