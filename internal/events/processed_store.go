package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProcessedStore holds at-most-once claims on provider message ids, keyed
// by (provider, event id). A claim is taken before any side effect.
type ProcessedStore struct {
	db execer
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newProcessedStoreWithExec(pool)
}

func newProcessedStoreWithExec(db execer) *ProcessedStore {
	if db == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{db: db}
}

// MarkProcessed takes the claim. False means another delivery already holds it.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("events: claim %s/%s: %w", provider, eventID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// Forget drops a claim taken for work that committed nothing, so the
// provider's retry is processed.
func (s *ProcessedStore) Forget(ctx context.Context, provider, eventID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE provider = $1 AND event_id = $2`, provider, eventID); err != nil {
		return fmt.Errorf("events: release claim %s/%s: %w", provider, eventID, err)
	}
	return nil
}

// PurgeBefore deletes claims older than cutoff. Providers stop retrying
// long before any sane retention.
func (s *ProcessedStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("events: purge claims: %w", err)
	}
	return ct.RowsAffected(), nil
}
