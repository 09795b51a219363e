package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborwatch/alertgate/internal/model"
)

type AttemptStore struct {
	pool *pgxpool.Pool
}

func (s *AttemptStore) Create(ctx context.Context, alertEventID, endpointID uuid.UUID, status model.AttemptStatus) (*model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	err := s.pool.QueryRow(ctx,
		`INSERT INTO delivery_attempts (alert_event_id, endpoint_id, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, alert_event_id, endpoint_id, status, http_status, latency_ms, error, attempted_at`,
		alertEventID, endpointID, status,
	).Scan(&a.ID, &a.AlertEventID, &a.EndpointID, &a.Status, &a.HTTPStatus, &a.LatencyMs, &a.Error, &a.AttemptedAt)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return &a, nil
}

func (s *AttemptStore) GetByID(ctx context.Context, id uuid.UUID) (*model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, alert_event_id, endpoint_id, status, http_status, latency_ms, error, attempted_at
		 FROM delivery_attempts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.AlertEventID, &a.EndpointID, &a.Status, &a.HTTPStatus, &a.LatencyMs, &a.Error, &a.AttemptedAt)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return &a, nil
}

func (s *AttemptStore) Update(ctx context.Context, id uuid.UUID, status model.AttemptStatus, httpStatus *int, latencyMs *int64, errMsg *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE delivery_attempts SET
			status      = $2,
			http_status = $3,
			latency_ms  = $4,
			error       = $5,
			attempted_at = now()
		 WHERE id = $1`,
		id, status, httpStatus, latencyMs, errMsg,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return nil
}

// ListForDay lists attempts made on the given UTC day, optionally
// filtered by status.
func (s *AttemptStore) ListForDay(ctx context.Context, day time.Time, status *model.AttemptStatus, limit int) ([]model.DeliveryAttempt, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `SELECT id, alert_event_id, endpoint_id, status, http_status, latency_ms, error, attempted_at
		 FROM delivery_attempts
		 WHERE attempted_at >= $1 AND attempted_at < $2`
	args := []any{start, end}
	if status != nil {
		query += ` AND status = $3`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY attempted_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.AlertEventID, &a.EndpointID, &a.Status, &a.HTTPStatus, &a.LatencyMs, &a.Error, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// FailureCount is one row of the per-endpoint failure metrics report.
type FailureCount struct {
	EndpointID uuid.UUID `json:"endpoint_id"`
	Day        time.Time `json:"day"`
	Failures   int64     `json:"failures"`
}

func (s *AttemptStore) FailureCounts(ctx context.Context, days int) ([]FailureCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT endpoint_id, date_trunc('day', attempted_at) AS day, count(*)
		 FROM delivery_attempts
		 WHERE status = 'FAILED' AND attempted_at >= now() - make_interval(days => $1)
		 GROUP BY endpoint_id, day
		 ORDER BY day DESC, endpoint_id`,
		days,
	)
	if err != nil {
		return nil, fmt.Errorf("failure counts: %w", err)
	}
	defer rows.Close()

	var counts []FailureCount
	for rows.Next() {
		var fc FailureCount
		if err := rows.Scan(&fc.EndpointID, &fc.Day, &fc.Failures); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		counts = append(counts, fc)
	}
	return counts, rows.Err()
}
