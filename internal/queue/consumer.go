package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dealbridge.app/sync/internal/domain"
)

type ConsumerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	DLQStream    string
	BatchSize    int64
	Block        time.Duration
	MaxAttempts  int
	RequeueDelay time.Duration
}

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{client: client, cfg: cfg}
	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}
	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Starting from "0" instead of "$" means messages already in the stream
	// are not lost across restarts.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse queue message",
					"error", parseErr, "raw_message_id", msg.ID, "stream", c.cfg.Stream)
				_ = c.Ack(ctx, Message{ID: msg.ID})
				continue
			}
			messages = append(messages, parsed)
		}
	}
	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Requeue acknowledges the message and re-adds it with a bumped attempt
// count.
func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking message for requeue: %w", err)
	}

	if c.cfg.RequeueDelay > 0 {
		select {
		case <-time.After(c.cfg.RequeueDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	eventJSON, err := msg.Event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event for requeue: %w", err)
	}

	values := map[string]any{
		"event":      string(eventJSON),
		"deal_id":    msg.Event.DealID,
		"attempt":    msg.Attempt + 1,
		"last_error": errMsg,
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"deal_id", msg.Event.DealID, "next_attempt", msg.Attempt+1, "reason", errMsg)
	return nil
}

// SendDLQ acknowledges the message and parks it on the dead-letter stream.
func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking message for dlq: %w", err)
	}

	eventJSON, err := msg.Event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event for dlq: %w", err)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: map[string]any{
			"event":   string(eventJSON),
			"deal_id": msg.Event.DealID,
			"attempt": msg.Attempt,
			"error":   errMsg,
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"deal_id", msg.Event.DealID, "final_error", errMsg, "dlq_stream", c.cfg.DLQStream)
	return nil
}

// MessageProcessor handles one parsed message. Shared by the worker loop and
// the reclaimer.
type MessageProcessor func(ctx context.Context, msg Message) error

func ParseMessage(msg redis.XMessage) (Message, error) {
	raw, ok := msg.Values["event"]
	if !ok {
		return Message{}, fmt.Errorf("missing event payload")
	}

	event, err := domain.UnmarshalEvent([]byte(fmt.Sprint(raw)))
	if err != nil {
		return Message{}, err
	}
	if err := event.Validate(); err != nil {
		return Message{}, err
	}

	attempt := 1
	if rawAttempt, ok := msg.Values["attempt"]; ok {
		if parsed, parseErr := strconv.Atoi(fmt.Sprint(rawAttempt)); parseErr == nil && parsed > 0 {
			attempt = parsed
		}
	}

	traceID := ""
	if rawTrace, ok := msg.Values["trace_id"]; ok {
		traceID = fmt.Sprint(rawTrace)
	}

	return Message{
		ID:      msg.ID,
		Event:   event,
		Attempt: attempt,
		TraceID: traceID,
	}, nil
}
