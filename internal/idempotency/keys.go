package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"dealbridge.app/sync/internal/domain"
)

// EventKey derives a deterministic ledger key from a webhook event so that
// re-delivery of a byte-identical notification collapses to the same key.
func EventKey(ev domain.Event) string {
	fingerprint := fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		ev.EntityKind, ev.ChangeKind, ev.EntityID, ev.OccurredAt, ev.ChangedField, ev.ChangedValue)
	hash := sha256.Sum256([]byte(fingerprint))
	return fmt.Sprintf("event:%s", hex.EncodeToString(hash[:]))
}

// OperationKey builds a key for an operation-scoped run (e.g. a manual sync
// trigger). The random disambiguator keeps concurrent distinct operations on
// the same entity from colliding.
func OperationKey(scope, entityID string) string {
	return fmt.Sprintf("op:%s:%s:%s", scope, entityID, uuid.NewString())
}
