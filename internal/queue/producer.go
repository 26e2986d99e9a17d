// Package queue carries inbound events from the webhook handlers to the
// worker over Redis Streams.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"dealbridge.app/sync/internal/domain"
)

type Producer interface {
	Enqueue(ctx context.Context, msg Message) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{client: client, stream: stream, logger: logger}
}

func (p *redisProducer) Enqueue(ctx context.Context, msg Message) error {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	eventJSON, err := msg.Event.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	fields := map[string]any{
		"event":   string(eventJSON),
		"deal_id": msg.Event.DealID,
		"attempt": attempt,
	}
	if msg.TraceID != "" {
		fields["trace_id"] = msg.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued event",
		"deal_id", msg.Event.DealID,
		"entity_kind", msg.Event.EntityKind,
		"change_kind", msg.Event.ChangeKind,
		"attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

// Message is one queued sync task.
type Message struct {
	ID      string
	Event   domain.Event
	Attempt int
	TraceID string
}
