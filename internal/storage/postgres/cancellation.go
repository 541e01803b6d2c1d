package postgres

import (
	"context"
	"fmt"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration"
)

var _ orchestration.Canceller = (*Store)(nil)

const cancellationChannel = "execution_cancellations"

// NotifyCancellation publishes executionID on a pg_notify channel so every
// process with an open SubscribeCancellations listener observes it without
// polling.
func (s *Store) NotifyCancellation(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", cancellationChannel, executionID)
	if err != nil {
		return fmt.Errorf("%w: notify cancellation: %v", domain.ErrInternal, err)
	}
	return nil
}

// SubscribeCancellations acquires a dedicated connection and LISTENs on
// the cancellation channel for the lifetime of ctx.
func (s *Store) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire listen connection: %v", domain.ErrInternal, err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+cancellationChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen %s: %v", domain.ErrInternal, cancellationChannel, err)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+cancellationChannel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
