// Package envelope defines the versioned message format shared by the
// push channel and the delivery pipeline. Encoding and decoding are pure
// transforms with no side effects.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried over the push channel.
const (
	TypeConnected    = "connected"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeNewSignal    = "new_signal"
	TypeDelayAlert   = "delay_alert"
)

// Error codes carried inside a TypeError envelope.
const (
	CodeRateLimited = "RATE_LIMITED"
)

const SchemaVersion = 1

var supportedVersions = map[int]bool{1: true}

var (
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrMalformedPayload   = errors.New("malformed envelope payload")
)

type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	MessageID     string          `json:"message_id"`
}

// ErrorPayload is the payload of a TypeError envelope.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// ConnectedPayload carries the server-assigned client id in the
// handshake response.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

// SubscribePayload is shared by subscribe/unsubscribe requests and their
// acknowledgements.
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// New builds an envelope of the given type with a fresh message id and
// the payload marshalled in place.
func New(msgType, topic string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		Type:          msgType,
		Topic:         topic,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
		MessageID:     uuid.New().String(),
	}, nil
}

func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses and validates an envelope. Unknown schema versions are
// rejected, never coerced; missing required fields are malformed. A
// well-formed envelope with an unrecognized Type decodes fine and is the
// caller's problem.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !supportedVersions[e.SchemaVersion] {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.SchemaVersion)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrMalformedPayload)
	}
	if e.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	return &e, nil
}
