package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborwatch/alertgate/internal/model"
)

type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// Enqueue inserts a dead-letter entry for the failed attempt, or bumps
// nothing if one already exists (the retry manager owns retry_count).
func (s *DeadLetterStore) Enqueue(ctx context.Context, attemptID uuid.UUID, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (delivery_attempt_id, retry_count, next_retry_at)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (delivery_attempt_id) DO NOTHING`,
		attemptID, nextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, attemptID uuid.UUID) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	err := s.pool.QueryRow(ctx,
		`SELECT delivery_attempt_id, retry_count, next_retry_at, exhausted, in_flight, created_at
		 FROM dead_letters WHERE delivery_attempt_id = $1`,
		attemptID,
	).Scan(&e.DeliveryAttemptID, &e.RetryCount, &e.NextRetryAt, &e.Exhausted, &e.InFlight, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &e, nil
}

// ClaimDue atomically marks up to limit due entries in-flight and
// returns them. SKIP LOCKED keeps concurrent retry batches from
// claiming the same rows.
func (s *DeadLetterStore) ClaimDue(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE dead_letters SET in_flight = true
		 WHERE delivery_attempt_id IN (
			SELECT delivery_attempt_id FROM dead_letters
			WHERE next_retry_at <= now() AND exhausted = false AND in_flight = false
			ORDER BY next_retry_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING delivery_attempt_id, retry_count, next_retry_at, exhausted, in_flight, created_at`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due dead letters: %w", err)
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		var e model.DeadLetterEntry
		if err := rows.Scan(&e.DeliveryAttemptID, &e.RetryCount, &e.NextRetryAt, &e.Exhausted, &e.InFlight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListDue returns due entries without claiming them, for inspection.
func (s *DeadLetterStore) ListDue(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT delivery_attempt_id, retry_count, next_retry_at, exhausted, in_flight, created_at
		 FROM dead_letters
		 WHERE next_retry_at <= now() AND exhausted = false AND in_flight = false
		 ORDER BY next_retry_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due dead letters: %w", err)
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		var e model.DeadLetterEntry
		if err := rows.Scan(&e.DeliveryAttemptID, &e.RetryCount, &e.NextRetryAt, &e.Exhausted, &e.InFlight, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *DeadLetterStore) Remove(ctx context.Context, attemptID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE delivery_attempt_id = $1`, attemptID)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}

// Reschedule releases a claimed entry back to the queue with an
// incremented retry count and a new due time.
func (s *DeadLetterStore) Reschedule(ctx context.Context, attemptID uuid.UUID, retryCount int, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET retry_count = $2, next_retry_at = $3, in_flight = false
		 WHERE delivery_attempt_id = $1`,
		attemptID, retryCount, nextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("reschedule dead letter: %w", err)
	}
	return nil
}

// MarkExhausted takes the entry out of retry rotation permanently. It
// stays visible to health queries.
func (s *DeadLetterStore) MarkExhausted(ctx context.Context, attemptID uuid.UUID, retryCount int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET retry_count = $2, exhausted = true, in_flight = false, next_retry_at = NULL
		 WHERE delivery_attempt_id = $1`,
		attemptID, retryCount,
	)
	if err != nil {
		return fmt.Errorf("mark dead letter exhausted: %w", err)
	}
	return nil
}

// Health is the DLQ health snapshot surfaced to operators.
type Health struct {
	Depth        int64      `json:"depth"`
	Exhausted    int64      `json:"exhausted"`
	OldestQueued *time.Time `json:"oldest_queued,omitempty"`
}

func (s *DeadLetterStore) GetHealth(ctx context.Context) (*Health, error) {
	var h Health
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE exhausted = false),
			count(*) FILTER (WHERE exhausted = true),
			min(created_at) FILTER (WHERE exhausted = false)
		 FROM dead_letters`,
	).Scan(&h.Depth, &h.Exhausted, &h.OldestQueued)
	if err != nil {
		return nil, fmt.Errorf("dead letter health: %w", err)
	}
	return &h, nil
}
