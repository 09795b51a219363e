// Package dlq persists failed delivery attempts and re-drives them on
// demand. Replays never touch a live run's rate budget; per-run
// isolation is the documented semantics.
package dlq

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/harborwatch/alertgate/internal/metrics"
	"github.com/harborwatch/alertgate/internal/model"
	"github.com/harborwatch/alertgate/internal/store"
)

const maxRetryDelay = 5 * time.Minute

// Letters is the slice of the dead-letter store the manager needs.
type Letters interface {
	ClaimDue(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	ListDue(ctx context.Context, limit int) ([]model.DeadLetterEntry, error)
	Remove(ctx context.Context, attemptID uuid.UUID) error
	Reschedule(ctx context.Context, attemptID uuid.UUID, retryCount int, nextRetryAt time.Time) error
	MarkExhausted(ctx context.Context, attemptID uuid.UUID, retryCount int) error
	GetHealth(ctx context.Context) (*store.Health, error)
}

// Attempts resolves a dead-lettered attempt back to its event and
// endpoint.
type Attempts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeliveryAttempt, error)
}

type Events interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.AlertEvent, error)
}

type Subscriptions interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
}

// Redeliverer re-sends one admitted pair against an existing attempt
// row. The delivery engine satisfies this.
type Redeliverer interface {
	Redeliver(ctx context.Context, event *model.AlertEvent, sub *model.Subscription, attemptID uuid.UUID) (model.AttemptStatus, error)
}

type Manager struct {
	letters    Letters
	attempts   Attempts
	events     Events
	subs       Subscriptions
	engine     Redeliverer
	maxRetries int
	baseDelay  time.Duration
}

func NewManager(letters Letters, attempts Attempts, events Events, subs Subscriptions, engine Redeliverer, maxRetries int, baseDelay time.Duration) *Manager {
	return &Manager{
		letters:    letters,
		attempts:   attempts,
		events:     events,
		subs:       subs,
		engine:     engine,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// DueForRetry lists entries ready for replay without claiming them.
func (m *Manager) DueForRetry(ctx context.Context, limit int) ([]model.DeadLetterEntry, error) {
	return m.letters.ListDue(ctx, limit)
}

func (m *Manager) Health(ctx context.Context) (*store.Health, error) {
	h, err := m.letters.GetHealth(ctx)
	if err != nil {
		return nil, err
	}
	metrics.DeadLetterDepth.Set(float64(h.Depth))
	return h, nil
}

// RetryResult summarizes one retry batch.
type RetryResult struct {
	Claimed     int `json:"claimed"`
	Sent        int `json:"sent"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
}

// RetryBatch claims up to limit due entries and replays them through the
// delivery engine. Claiming marks entries in-flight first, so a
// concurrent invocation cannot double-send the same entry; an entry
// replayed after it already succeeded is simply gone from the queue.
func (m *Manager) RetryBatch(ctx context.Context, limit int) (*RetryResult, error) {
	entries, err := m.letters.ClaimDue(ctx, limit)
	if err != nil {
		return nil, err
	}

	result := &RetryResult{Claimed: len(entries)}
	for _, entry := range entries {
		m.retryOne(ctx, entry, result)
	}
	return result, nil
}

func (m *Manager) retryOne(ctx context.Context, entry model.DeadLetterEntry, result *RetryResult) {
	attempt, err := m.attempts.GetByID(ctx, entry.DeliveryAttemptID)
	if err != nil {
		slog.Error("retry: attempt lookup failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		m.release(ctx, entry)
		return
	}

	event, err := m.events.GetByID(ctx, attempt.AlertEventID)
	if err != nil {
		slog.Error("retry: event lookup failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		m.release(ctx, entry)
		return
	}

	sub, err := m.subs.GetByID(ctx, attempt.EndpointID)
	if err != nil {
		slog.Error("retry: subscription lookup failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		m.release(ctx, entry)
		return
	}

	status, err := m.engine.Redeliver(ctx, event, sub, entry.DeliveryAttemptID)
	if err != nil {
		slog.Error("retry: redeliver failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		m.release(ctx, entry)
		return
	}

	if status == model.AttemptSent {
		if err := m.letters.Remove(ctx, entry.DeliveryAttemptID); err != nil {
			slog.Error("retry: remove failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		}
		result.Sent++
		return
	}

	retryCount := entry.RetryCount + 1
	if retryCount >= m.maxRetries {
		if err := m.letters.MarkExhausted(ctx, entry.DeliveryAttemptID, retryCount); err != nil {
			slog.Error("retry: mark exhausted failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
			return
		}
		metrics.DeadLettersExhausted.Inc()
		slog.Warn("dead letter exhausted, operator attention required",
			"attempt_id", entry.DeliveryAttemptID,
			"endpoint_id", attempt.EndpointID,
			"retry_count", retryCount)
		result.Exhausted++
		return
	}

	if err := m.letters.Reschedule(ctx, entry.DeliveryAttemptID, retryCount, time.Now().Add(m.nextDelay(retryCount))); err != nil {
		slog.Error("retry: reschedule failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
		return
	}
	result.Rescheduled++
}

// release puts a claimed entry back without burning a retry, for
// transient lookup failures.
func (m *Manager) release(ctx context.Context, entry model.DeadLetterEntry) {
	var next time.Time
	if entry.NextRetryAt != nil {
		next = *entry.NextRetryAt
	} else {
		next = time.Now().Add(m.baseDelay)
	}
	if err := m.letters.Reschedule(ctx, entry.DeliveryAttemptID, entry.RetryCount, next); err != nil {
		slog.Error("retry: release failed", "error", err, "attempt_id", entry.DeliveryAttemptID)
	}
}

// nextDelay is exponential backoff with +-25% jitter, capped.
func (m *Manager) nextDelay(retryCount int) time.Duration {
	delay := m.baseDelay * time.Duration(math.Pow(2, float64(retryCount-1)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
}

// StartScheduler drives periodic retry batches until ctx is cancelled.
// The worker binary runs this; operators can still trigger batches by
// hand through the API.
func (m *Manager) StartScheduler(ctx context.Context, interval time.Duration, batchSize int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := m.RetryBatch(ctx, batchSize)
				if err != nil {
					slog.Error("scheduled retry batch failed", "error", err)
					continue
				}
				if result.Claimed > 0 {
					slog.Info("scheduled retry batch",
						"claimed", result.Claimed,
						"sent", result.Sent,
						"rescheduled", result.Rescheduled,
						"exhausted", result.Exhausted)
				}
			}
		}
	}()
}
