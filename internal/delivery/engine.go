// Package delivery signs, sends, and records webhook delivery attempts,
// and orchestrates evaluation runs over the admission gate.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/harborwatch/alertgate/internal/metrics"
	"github.com/harborwatch/alertgate/internal/model"
	"github.com/harborwatch/alertgate/internal/script"
	"github.com/harborwatch/alertgate/internal/signing"
)

const maxDrainLen = 4096

// AttemptRecorder is the slice of the attempt store the engine needs.
type AttemptRecorder interface {
	Create(ctx context.Context, alertEventID, endpointID uuid.UUID, status model.AttemptStatus) (*model.DeliveryAttempt, error)
	Update(ctx context.Context, id uuid.UUID, status model.AttemptStatus, httpStatus *int, latencyMs *int64, errMsg *string) error
}

// DeadLetterQueue receives attempts that ended FAILED.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, attemptID uuid.UUID, nextRetryAt time.Time) error
}

type Engine struct {
	attempts       AttemptRecorder
	dlq            DeadLetterQueue
	httpClient     *http.Client
	retryBaseDelay time.Duration
}

func NewEngine(attempts AttemptRecorder, dlq DeadLetterQueue, deliveryTimeout, retryBaseDelay time.Duration) *Engine {
	return &Engine{
		attempts:       attempts,
		dlq:            dlq,
		httpClient:     &http.Client{Timeout: deliveryTimeout},
		retryBaseDelay: retryBaseDelay,
	}
}

// webhookBody is the outbound JSON shape receivers see.
type webhookBody struct {
	ID          uuid.UUID         `json:"id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	SignalType  string            `json:"signal_type"`
	Severity    string            `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ClusterKey  string            `json:"cluster_key"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

func buildPayload(event *model.AlertEvent) map[string]any {
	b, _ := json.Marshal(webhookBody{
		ID:          event.ID,
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		SignalType:  event.SignalType,
		Severity:    event.Severity.String(),
		Title:       event.Title,
		Description: event.Description,
		Metadata:    event.Metadata,
		ClusterKey:  event.ClusterKey,
		OccurredAt:  event.OccurredAt,
	})
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// Deliver creates an attempt for an admitted (event, subscription) pair
// and sends it. A transform script returning null drops the webhook
// without creating an attempt; dropped reports that case.
func (e *Engine) Deliver(ctx context.Context, event *model.AlertEvent, sub *model.Subscription) (attempt *model.DeliveryAttempt, dropped bool, err error) {
	payload := buildPayload(event)

	if sub.TransformScript != nil && *sub.TransformScript != "" {
		result, terr := script.Run(*sub.TransformScript, payload)
		if terr != nil {
			// A broken script must not lose the alert; send untransformed.
			slog.Warn("transform script failed, sending original payload",
				"error", terr, "endpoint_id", sub.ID, "alert_event_id", event.ID)
		} else if result.Dropped {
			slog.Info("webhook dropped by transform script",
				"endpoint_id", sub.ID, "alert_event_id", event.ID, "cluster_key", event.ClusterKey)
			return nil, true, nil
		} else {
			payload = result.Payload
		}
	}

	attempt, err = e.attempts.Create(ctx, event.ID, sub.ID, model.AttemptPending)
	if err != nil {
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}

	status, err := e.Send(ctx, payload, sub, attempt.ID)
	if err != nil {
		return nil, false, err
	}
	attempt.Status = status
	return attempt, false, nil
}

// Redeliver re-sends an event to a subscription against an existing
// attempt row. Used by the dead-letter replay path; the transform
// script runs again, but a drop at replay time just leaves the attempt
// FAILED for the retry manager to reschedule.
func (e *Engine) Redeliver(ctx context.Context, event *model.AlertEvent, sub *model.Subscription, attemptID uuid.UUID) (model.AttemptStatus, error) {
	payload := buildPayload(event)
	if sub.TransformScript != nil && *sub.TransformScript != "" {
		result, terr := script.Run(*sub.TransformScript, payload)
		if terr == nil && !result.Dropped {
			payload = result.Payload
		}
	}
	return e.Send(ctx, payload, sub, attemptID)
}

// Send signs and posts the payload, updating the attempt row with the
// outcome. A 2xx response is SENT; anything else, including transport
// errors and timeouts, is FAILED and lands in the dead-letter queue.
func (e *Engine) Send(ctx context.Context, payload map[string]any, sub *model.Subscription, attemptID uuid.UUID) (model.AttemptStatus, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal webhook body: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signing.Sign(timestamp, body, sub.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		errMsg := err.Error()
		e.recordFailure(ctx, attemptID, nil, 0, errMsg)
		return model.AttemptFailed, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature", sig)

	started := time.Now()
	resp, err := e.httpClient.Do(req)
	latencyMs := time.Since(started).Milliseconds()
	if err != nil {
		errMsg := err.Error()
		e.recordFailure(ctx, attemptID, nil, latencyMs, errMsg)
		return model.AttemptFailed, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainLen))

	statusCode := resp.StatusCode
	if statusCode >= 200 && statusCode < 300 {
		if err := e.attempts.Update(ctx, attemptID, model.AttemptSent, &statusCode, &latencyMs, nil); err != nil {
			slog.Error("failed to record sent attempt", "error", err, "attempt_id", attemptID)
		}
		metrics.DeliveriesTotal.WithLabelValues(string(model.AttemptSent)).Inc()
		return model.AttemptSent, nil
	}

	e.recordFailure(ctx, attemptID, &statusCode, latencyMs, fmt.Sprintf("HTTP %d", statusCode))
	return model.AttemptFailed, nil
}

func (e *Engine) recordFailure(ctx context.Context, attemptID uuid.UUID, httpStatus *int, latencyMs int64, errMsg string) {
	if err := e.attempts.Update(ctx, attemptID, model.AttemptFailed, httpStatus, &latencyMs, &errMsg); err != nil {
		slog.Error("failed to record failed attempt", "error", err, "attempt_id", attemptID)
	}
	if err := e.dlq.Enqueue(ctx, attemptID, time.Now().Add(e.retryBaseDelay)); err != nil {
		slog.Error("failed to enqueue dead letter", "error", err, "attempt_id", attemptID)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(model.AttemptFailed)).Inc()
}
