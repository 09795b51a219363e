package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Events        *EventStore
	Subscriptions *SubscriptionStore
	Attempts      *AttemptStore
	DeadLetters   *DeadLetterStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Events:        &EventStore{pool: pool},
		Subscriptions: &SubscriptionStore{pool: pool},
		Attempts:      &AttemptStore{pool: pool},
		DeadLetters:   &DeadLetterStore{pool: pool},
	}
}
