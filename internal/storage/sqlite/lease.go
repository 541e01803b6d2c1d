package sqlite

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireExclusiveRun mirrors the postgres backend's lease semantics: a
// single row per run type, reclaimed once its lease expires.
func (s *Store) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_leases (run_type, holder_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (run_type) DO UPDATE SET holder_id = ?, expires_at = ?
		WHERE worker_leases.expires_at < ?`,
		runType, holderID, expires, holderID, expires, now)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", runType, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, false, nil
	}

	release = func() {
		_, _ = s.db.ExecContext(context.Background(), `
			DELETE FROM worker_leases WHERE run_type = ? AND holder_id = ?`, runType, holderID)
	}
	return release, true, nil
}
