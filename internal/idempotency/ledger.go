// Package idempotency implements the ledger that guarantees at-most-once
// execution per logical key despite at-least-once delivery. The claim write
// (SetNX) is the only storage operation in the pipeline that must be atomic.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/kv"
)

const keyPrefix = "idem"

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type record struct {
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   int64           `json:"started_at"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// Outcome is what a Run caller observes. Exactly one of the three shapes
// occurs: fresh result, replayed result (Duplicate), or InFlight with no
// result — callers must not block waiting for an in-flight peer.
type Outcome struct {
	Result    json.RawMessage
	Duplicate bool
	InFlight  bool
}

type Ledger struct {
	store  kv.Store
	cfg    config.LedgerConfig
	logger *slog.Logger
}

func NewLedger(store kv.Store, cfg config.LedgerConfig, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = 300 * time.Second
	}
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = 60 * time.Second
	}
	return &Ledger{store: store, cfg: cfg, logger: logger}
}

// Run executes op at most once per key. Completed keys replay the stored
// result; processing keys return InFlight immediately. A failed prior
// attempt (short TTL) is cleared and retried. If the backing store is
// unreachable at any step, the ledger fails open and runs op anyway — it
// never blocks business processing on its own availability, and it never
// swallows op's error.
func (l *Ledger) Run(ctx context.Context, key string, op func(ctx context.Context) (any, error)) (Outcome, error) {
	fullKey := keyPrefix + ":" + key

	raw, found, err := l.store.Get(ctx, fullKey)
	if err != nil {
		return l.runOpen(ctx, key, op, err)
	}

	if found {
		var prior record
		if unmarshalErr := json.Unmarshal([]byte(raw), &prior); unmarshalErr != nil {
			l.logger.WarnContext(ctx, "unreadable ledger record, treating as absent",
				"key", key, "error", unmarshalErr)
		} else {
			switch prior.Status {
			case StatusCompleted:
				l.logger.InfoContext(ctx, "replaying completed operation", "key", key)
				return Outcome{Result: prior.Result, Duplicate: true}, nil
			case StatusProcessing:
				l.logger.InfoContext(ctx, "operation already in flight", "key", key)
				return Outcome{InFlight: true}, nil
			case StatusFailed:
				// Short-TTL failure record; clear it so the claim below can win.
				if delErr := l.store.Delete(ctx, fullKey); delErr != nil {
					return l.runOpen(ctx, key, op, delErr)
				}
			}
		}
	}

	claimed, err := l.claim(ctx, fullKey)
	if err != nil {
		return l.runOpen(ctx, key, op, err)
	}
	if !claimed {
		// Lost the race to a concurrent writer.
		l.logger.InfoContext(ctx, "lost processing claim, treating as in flight", "key", key)
		return Outcome{InFlight: true}, nil
	}

	result, opErr := op(ctx)
	if opErr != nil {
		l.writeStatus(ctx, fullKey, record{
			Status:      StatusFailed,
			Error:       opErr.Error(),
			StartedAt:   time.Now().UnixMilli(),
			CompletedAt: time.Now().UnixMilli(),
		}, l.cfg.FailedTTL)
		return Outcome{}, opErr
	}

	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return Outcome{}, fmt.Errorf("marshal operation result: %w", marshalErr)
	}

	l.writeStatus(ctx, fullKey, record{
		Status:      StatusCompleted,
		Result:      resultJSON,
		StartedAt:   time.Now().UnixMilli(),
		CompletedAt: time.Now().UnixMilli(),
	}, l.cfg.CompletedTTL)

	return Outcome{Result: resultJSON}, nil
}

// claim is the single conditional write that makes the ledger authoritative.
func (l *Ledger) claim(ctx context.Context, fullKey string) (bool, error) {
	value, err := json.Marshal(record{
		Status:    StatusProcessing,
		StartedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	return l.store.SetNX(ctx, fullKey, string(value), l.cfg.CompletedTTL)
}

func (l *Ledger) writeStatus(ctx context.Context, fullKey string, rec record, ttl time.Duration) {
	value, err := json.Marshal(rec)
	if err != nil {
		l.logger.WarnContext(ctx, "failed to marshal ledger record", "error", err)
		return
	}
	if err := l.store.Set(ctx, fullKey, string(value), ttl); err != nil {
		l.logger.WarnContext(ctx, "failed to persist ledger record",
			"status", rec.Status, "error", err)
	}
}

// runOpen executes op without ledger protection after a backing-store error.
func (l *Ledger) runOpen(ctx context.Context, key string, op func(ctx context.Context) (any, error), cause error) (Outcome, error) {
	l.logger.WarnContext(ctx, "ledger unreachable, executing without idempotency protection",
		"key", key, "error", cause)

	result, err := op(ctx)
	if err != nil {
		return Outcome{}, err
	}
	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return Outcome{}, fmt.Errorf("marshal operation result: %w", marshalErr)
	}
	return Outcome{Result: resultJSON}, nil
}
