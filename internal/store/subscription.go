package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborwatch/alertgate/internal/model"
)

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func (s *SubscriptionStore) Create(ctx context.Context, url, secret string, transformScript *string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_subscriptions (url, secret, transform_script)
		 VALUES ($1, $2, $3)
		 RETURNING id, url, secret, is_active, transform_script, created_at, updated_at`,
		url, secret, transformScript,
	).Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.IsActive, &sub.TransformScript, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, secret, is_active, transform_script, created_at, updated_at
		 FROM webhook_subscriptions WHERE id = $1`,
		id,
	).Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.IsActive, &sub.TransformScript, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) List(ctx context.Context) ([]model.Subscription, error) {
	return s.list(ctx, false)
}

func (s *SubscriptionStore) ListActive(ctx context.Context) ([]model.Subscription, error) {
	return s.list(ctx, true)
}

func (s *SubscriptionStore) list(ctx context.Context, activeOnly bool) ([]model.Subscription, error) {
	query := `SELECT id, url, secret, is_active, transform_script, created_at, updated_at
		 FROM webhook_subscriptions`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.IsActive, &sub.TransformScript, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SubscriptionStore) Update(ctx context.Context, id uuid.UUID, url, secret *string, isActive *bool, transformScript *string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.pool.QueryRow(ctx,
		`UPDATE webhook_subscriptions SET
			url              = COALESCE($2, url),
			secret           = COALESCE($3, secret),
			is_active        = COALESCE($4, is_active),
			transform_script = COALESCE($5, transform_script),
			updated_at       = now()
		 WHERE id = $1
		 RETURNING id, url, secret, is_active, transform_script, created_at, updated_at`,
		id, url, secret, isActive, transformScript,
	).Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.IsActive, &sub.TransformScript, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
