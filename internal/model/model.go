package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the canonical ordinal severity used everywhere in the
// subsystem. Upstream sources emit either small integers (1-5) or named
// bands; both parse into this one representation.
type Severity int

const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNSPECIFIED"
	}
}

// ParseSeverity accepts the named bands (case-insensitive) and ordinals
// 1-5. Ordinal 5 clamps to CRITICAL so legacy five-level sources map
// onto the four canonical bands.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if n >= 1 && n <= 4 {
			return Severity(n), nil
		}
		if n == 5 {
			return SeverityCritical, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// UnmarshalJSON accepts both encodings upstream sources emit: a bare
// ordinal (3) or a quoted band name ("HIGH"). Marshalling stays on the
// canonical ordinal.
func (s *Severity) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSeverity(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AlertEvent is produced by the upstream evaluator and is immutable once
// created. ClusterKey groups repeated evaluations of the same logical
// condition and is the dedup unit.
type AlertEvent struct {
	ID          uuid.UUID         `json:"id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	SignalType  string            `json:"signal_type"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ClusterKey  string            `json:"cluster_key"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

type Subscription struct {
	ID              uuid.UUID `json:"id"`
	URL             string    `json:"url"`
	Secret          string    `json:"-"`
	IsActive        bool      `json:"is_active"`
	TransformScript *string   `json:"transform_script,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type AttemptStatus string

const (
	AttemptPending          AttemptStatus = "PENDING"
	AttemptSent             AttemptStatus = "SENT"
	AttemptFailed           AttemptStatus = "FAILED"
	AttemptSkippedDedupe    AttemptStatus = "SKIPPED_DEDUPE"
	AttemptSkippedRateLimit AttemptStatus = "SKIPPED_RATE_LIMIT"
)

type DeliveryAttempt struct {
	ID           uuid.UUID     `json:"id"`
	AlertEventID uuid.UUID     `json:"alert_event_id"`
	EndpointID   uuid.UUID     `json:"endpoint_id"`
	Status       AttemptStatus `json:"status"`
	HTTPStatus   *int          `json:"http_status,omitempty"`
	LatencyMs    *int64        `json:"latency_ms,omitempty"`
	Error        *string       `json:"error,omitempty"`
	AttemptedAt  time.Time     `json:"attempted_at"`
}

// DeadLetterEntry tracks a FAILED attempt awaiting replay. InFlight is
// the claim marker: a retry batch marks entries in-flight before
// dispatch so a concurrent batch cannot double-send them.
type DeadLetterEntry struct {
	DeliveryAttemptID uuid.UUID  `json:"delivery_attempt_id"`
	RetryCount        int        `json:"retry_count"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	Exhausted         bool       `json:"exhausted"`
	InFlight          bool       `json:"in_flight"`
	CreatedAt         time.Time  `json:"created_at"`
}
