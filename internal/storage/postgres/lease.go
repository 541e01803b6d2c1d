package postgres

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireExclusiveRun attempts to become the sole holder of runType for
// leaseDuration: a single row per run type, reclaimed once its lease
// expires, so a crashed holder is recovered automatically rather than
// wedging the run forever.
func (s *Store) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error) {
	expires := time.Now().UTC().Add(leaseDuration)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO worker_leases (run_type, holder_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_type) DO UPDATE SET holder_id = $2, expires_at = $3
		WHERE worker_leases.expires_at < now()`,
		runType, holderID, expires)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", runType, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}

	release = func() {
		_, _ = s.pool.Exec(context.Background(), `
			DELETE FROM worker_leases WHERE run_type = $1 AND holder_id = $2`, runType, holderID)
	}
	return release, true, nil
}
