// Package intake consumes evaluator-pushed alert events off a Redis
// stream and feeds them into the dispatch pipeline, so live connections
// see events without waiting for a batch run.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harborwatch/alertgate/internal/model"
)

const (
	streamName    = "alert-events"
	consumerGroup = "intake-workers"
)

// Dispatcher pushes one persisted event through gate, broadcast, and
// webhook delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *model.AlertEvent) error
}

// EventSink persists incoming events. Duplicate ids are silently
// ignored so a redelivered stream message cannot double-insert.
type EventSink interface {
	Create(ctx context.Context, e *model.AlertEvent) error
}

type Consumer struct {
	rdb         *redis.Client
	sink        EventSink
	dispatcher  Dispatcher
	concurrency int
}

func NewConsumer(rdb *redis.Client, sink EventSink, dispatcher Dispatcher, concurrency int) *Consumer {
	return &Consumer{
		rdb:         rdb,
		sink:        sink,
		dispatcher:  dispatcher,
		concurrency: concurrency,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	// Ensure consumer group exists
	err := c.rdb.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for i := 0; i < c.concurrency; i++ {
		consumer := fmt.Sprintf("intake-%d", i)
		go c.consumeStream(ctx, consumer)
	}

	return nil
}

func (c *Consumer) consumeStream(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{streamName, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Error("xreadgroup error", "error", err, "consumer", consumer)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, ok := msg.Values["event"].(string)
				if !ok {
					slog.Error("stream message missing event field", "msg_id", msg.ID)
					c.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}

				event, err := decodeEvent(raw)
				if err != nil {
					slog.Error("failed to decode stream event", "error", err, "msg_id", msg.ID)
					c.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}

				c.processEvent(ctx, event)
				c.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
			}
		}
	}
}

func (c *Consumer) processEvent(ctx context.Context, event *model.AlertEvent) {
	if err := c.sink.Create(ctx, event); err != nil {
		slog.Error("failed to persist alert event", "error", err, "alert_event_id", event.ID)
		return
	}
	if err := c.dispatcher.Dispatch(ctx, event); err != nil {
		slog.Error("failed to dispatch alert event", "error", err, "alert_event_id", event.ID)
	}
}

func decodeEvent(raw string) (*model.AlertEvent, error) {
	var event model.AlertEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ClusterKey == "" {
		return nil, fmt.Errorf("event %s has no cluster key", event.ID)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return &event, nil
}

// Publish appends one event to the intake stream. Used by producers and
// by tests; consumers pick it up through the group.
func Publish(ctx context.Context, rdb *redis.Client, event *model.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: map[string]any{"event": string(data)},
	}).Err()
}
