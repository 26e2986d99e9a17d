package domain

import (
	"encoding/json"
	"fmt"
)

// EntityKind identifies which CRM record an inbound event refers to.
type EntityKind string

const (
	EntityDeal     EntityKind = "deal"
	EntityLineItem EntityKind = "line_item"
)

// ChangeKind identifies what happened to the record.
type ChangeKind string

const (
	ChangeCreated         ChangeKind = "created"
	ChangePropertyChanged ChangeKind = "property_changed"
	ChangeRepublished     ChangeKind = "republished"
)

// Event is a single inbound change notification from the CRM. It is immutable
// once received. The (EntityKind, ChangeKind) pair acts as the discriminant:
// property-change events carry ChangedField/ChangedValue, line-item events may
// carry a forwarded snapshot so the aggregator can skip one fetch.
type Event struct {
	EntityKind EntityKind `json:"entity_kind"`
	ChangeKind ChangeKind `json:"change_kind"`
	EntityID   string     `json:"entity_id"`
	// DealID is the parent deal the event belongs to. For deal events it
	// equals EntityID; for line-item events it is resolved from the payload.
	DealID string `json:"deal_id"`
	// OccurredAt is the source-assigned timestamp in epoch milliseconds.
	// The CRM assigns these monotonically per record, which is what makes
	// the dedup cache's tie-break meaningful.
	OccurredAt   int64     `json:"occurred_at"`
	ChangedField string    `json:"changed_field,omitempty"`
	ChangedValue string    `json:"changed_value,omitempty"`
	LineItem     *LineItem `json:"line_item,omitempty"`
}

func DealCreated(dealID string, occurredAt int64) Event {
	return Event{
		EntityKind: EntityDeal,
		ChangeKind: ChangeCreated,
		EntityID:   dealID,
		DealID:     dealID,
		OccurredAt: occurredAt,
	}
}

func DealPropertyChanged(dealID, field, value string, occurredAt int64) Event {
	return Event{
		EntityKind:   EntityDeal,
		ChangeKind:   ChangePropertyChanged,
		EntityID:     dealID,
		DealID:       dealID,
		OccurredAt:   occurredAt,
		ChangedField: field,
		ChangedValue: value,
	}
}

func DealRepublished(dealID string, occurredAt int64) Event {
	return Event{
		EntityKind: EntityDeal,
		ChangeKind: ChangeRepublished,
		EntityID:   dealID,
		DealID:     dealID,
		OccurredAt: occurredAt,
	}
}

func LineItemCreated(itemID, dealID string, occurredAt int64, snapshot *LineItem) Event {
	return Event{
		EntityKind: EntityLineItem,
		ChangeKind: ChangeCreated,
		EntityID:   itemID,
		DealID:     dealID,
		OccurredAt: occurredAt,
		LineItem:   snapshot,
	}
}

func LineItemPropertyChanged(itemID, dealID, field, value string, occurredAt int64, snapshot *LineItem) Event {
	return Event{
		EntityKind:   EntityLineItem,
		ChangeKind:   ChangePropertyChanged,
		EntityID:     itemID,
		DealID:       dealID,
		OccurredAt:   occurredAt,
		ChangedField: field,
		ChangedValue: value,
		LineItem:     snapshot,
	}
}

// Validate checks the discriminant-dependent fields so downstream branching
// over (EntityKind, ChangeKind) can be exhaustive.
func (e Event) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("event missing entity id")
	}
	if e.DealID == "" {
		return fmt.Errorf("event missing deal id")
	}
	switch e.EntityKind {
	case EntityDeal, EntityLineItem:
	default:
		return fmt.Errorf("unknown entity kind %q", e.EntityKind)
	}
	switch e.ChangeKind {
	case ChangeCreated, ChangeRepublished:
	case ChangePropertyChanged:
		if e.ChangedField == "" {
			return fmt.Errorf("property change event missing changed field")
		}
	default:
		return fmt.Errorf("unknown change kind %q", e.ChangeKind)
	}
	return nil
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}
