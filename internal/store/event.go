package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborwatch/alertgate/internal/model"
)

type EventStore struct {
	pool *pgxpool.Pool
}

func (s *EventStore) Create(ctx context.Context, e *model.AlertEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_events (id, entity_type, entity_id, signal_type, severity, title, description, metadata, cluster_key, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.EntityType, e.EntityID, e.SignalType, int(e.Severity), e.Title, e.Description, e.Metadata, e.ClusterKey, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("create alert event: %w", err)
	}
	return nil
}

func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*model.AlertEvent, error) {
	var e model.AlertEvent
	var sev int
	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_type, entity_id, signal_type, severity, title, description, metadata, cluster_key, occurred_at
		 FROM alert_events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.EntityType, &e.EntityID, &e.SignalType, &sev, &e.Title, &e.Description, &e.Metadata, &e.ClusterKey, &e.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("get alert event: %w", err)
	}
	e.Severity = model.Severity(sev)
	return &e, nil
}

// ListForDay returns the events that occurred on the given UTC day, the
// unit an evaluation run processes.
func (s *EventStore) ListForDay(ctx context.Context, day time.Time) ([]model.AlertEvent, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, signal_type, severity, title, description, metadata, cluster_key, occurred_at
		 FROM alert_events
		 WHERE occurred_at >= $1 AND occurred_at < $2
		 ORDER BY occurred_at ASC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	var events []model.AlertEvent
	for rows.Next() {
		var e model.AlertEvent
		var sev int
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.SignalType, &sev, &e.Title, &e.Description, &e.Metadata, &e.ClusterKey, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		e.Severity = model.Severity(sev)
		events = append(events, e)
	}
	return events, rows.Err()
}
