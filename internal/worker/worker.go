// Package worker is the queue consumer loop: it reads events off the Redis
// stream, dispatches them to the sync orchestrator, and routes failures to
// requeue or the DLQ.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dealbridge.app/sync/common/logger"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/queue"
	"dealbridge.app/sync/internal/service"
)

type Config struct {
	MaxAttempts int
}

type Worker struct {
	consumer     *queue.RedisConsumer
	orchestrator *service.Orchestrator
	cfg          Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, orchestrator *service.Orchestrator, cfg Config) *Worker {
	return &Worker{
		consumer:     consumer,
		orchestrator: orchestrator,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"deal_id", msg.Event.DealID)
			w.handleFailedMessage(ctx, msg, err)
			continue
		}
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			// The reclaimer will pick it up; reprocessing is idempotent.
			slog.WarnContext(ctx, "failed to ACK message",
				"error", ackErr, "message_id", msg.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"deal_id", msg.Event.DealID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage dispatches one event to the orchestrator. Exported so it can
// be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DealID:    logger.Ptr(msg.Event.DealID),
		Component: "sync.worker",
	})

	slog.InfoContext(ctx, "processing message",
		"message_id", msg.ID,
		"entity_kind", msg.Event.EntityKind,
		"change_kind", msg.Event.ChangeKind,
		"attempt", msg.Attempt)

	start := time.Now()
	result, err := w.dispatch(ctx, msg.Event)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "message processed",
		"status", result.Status,
		"reason", result.Reason,
		"item_count", result.ItemCount,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) dispatch(ctx context.Context, ev domain.Event) (service.Result, error) {
	switch {
	case ev.EntityKind == domain.EntityDeal && ev.ChangeKind == domain.ChangeCreated:
		return w.orchestrator.DealCreated(ctx, ev.DealID, ev.OccurredAt)
	case ev.EntityKind == domain.EntityDeal && ev.ChangeKind == domain.ChangePropertyChanged:
		return w.orchestrator.DealPropertyChanged(ctx, ev.DealID, ev.ChangedField, ev.ChangedValue, ev.OccurredAt)
	case ev.EntityKind == domain.EntityDeal && ev.ChangeKind == domain.ChangeRepublished:
		return w.orchestrator.DealRepublished(ctx, ev.DealID, ev.OccurredAt)
	case ev.EntityKind == domain.EntityLineItem && ev.ChangeKind == domain.ChangeCreated:
		return w.orchestrator.LineItemCreated(ctx, ev)
	case ev.EntityKind == domain.EntityLineItem && ev.ChangeKind == domain.ChangePropertyChanged:
		return w.orchestrator.LineItemPropertyChanged(ctx, ev)
	}
	return service.Result{}, fmt.Errorf("%w: %s.%s", service.ErrInvalidEvent, ev.EntityKind, ev.ChangeKind)
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"deal_id", msg.Event.DealID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"deal_id", msg.Event.DealID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
