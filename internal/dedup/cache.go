// Package dedup implements the deduplication/ordering cache: a TTL-bounded
// keyed store recording the most recent event accepted for an (entity, field)
// pair. It is a best-effort layer — concurrent callers may both see "absent"
// under extreme races. True at-most-once is the idempotency ledger's job.
package dedup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/kv"
)

const keyPrefix = "dedup"

type entry struct {
	Event      json.RawMessage `json:"event"`
	OccurredAt int64           `json:"occurred_at"`
}

type Cache struct {
	store  kv.Store
	cfg    config.DedupConfig
	logger *slog.Logger
}

func NewCache(store kv.Store, cfg config.DedupConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreatedTTL <= 0 {
		cfg.CreatedTTL = 60 * time.Second
	}
	if cfg.PropertyChangeTTL <= 0 {
		cfg.PropertyChangeTTL = 10 * time.Second
	}
	return &Cache{store: store, cfg: cfg, logger: logger}
}

// Key builds the cache key for an (entity, field) pair.
func Key(entityID, field string) string {
	return entityID + "-" + field
}

// CheckAndReserve decides whether the incoming event should be acted on.
// Absent key: reserve it and accept. Present key: accept only if the incoming
// event is strictly newer than the stored one, superseding it. Anything else
// is a duplicate or a race loser.
//
// If the backing store is unreachable the cache fails open and accepts:
// availability of the pipeline outranks perfect deduplication here.
func (c *Cache) CheckAndReserve(ctx context.Context, key string, incoming domain.Event) bool {
	fullKey := keyPrefix + ":" + key

	raw, found, err := c.store.Get(ctx, fullKey)
	if err != nil {
		c.logger.WarnContext(ctx, "dedup cache unreachable, failing open",
			"key", key, "error", err)
		return true
	}

	if found {
		var stored entry
		if unmarshalErr := json.Unmarshal([]byte(raw), &stored); unmarshalErr != nil {
			// Unreadable entry: overwrite below rather than reject forever.
			c.logger.WarnContext(ctx, "discarding unreadable dedup entry",
				"key", key, "error", unmarshalErr)
		} else if incoming.OccurredAt <= stored.OccurredAt {
			c.logger.InfoContext(ctx, "event rejected by dedup cache",
				"key", key,
				"incoming_occurred_at", incoming.OccurredAt,
				"stored_occurred_at", stored.OccurredAt)
			return false
		}
		if delErr := c.store.Delete(ctx, fullKey); delErr != nil {
			c.logger.WarnContext(ctx, "failed to delete superseded dedup entry",
				"key", key, "error", delErr)
			return true
		}
	}

	if err := c.reserve(ctx, fullKey, incoming); err != nil {
		c.logger.WarnContext(ctx, "failed to reserve dedup entry, failing open",
			"key", key, "error", err)
	}
	return true
}

func (c *Cache) reserve(ctx context.Context, fullKey string, ev domain.Event) error {
	evJSON, err := ev.Marshal()
	if err != nil {
		return err
	}
	value, err := json.Marshal(entry{Event: evJSON, OccurredAt: ev.OccurredAt})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, fullKey, string(value), c.ttlFor(ev))
}

func (c *Cache) ttlFor(ev domain.Event) time.Duration {
	if ev.ChangeKind == domain.ChangePropertyChanged {
		return c.cfg.PropertyChangeTTL
	}
	return c.cfg.CreatedTTL
}
