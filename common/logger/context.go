package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Business context (deal_id, workflow, etc.) is set once at the
// workflow boundary and flows through every log statement underneath it.
type LogFields struct {
	DealID     *string // CRM deal id
	LineItemID *string // CRM line item id
	OrderID    *string // ERP sales order id
	EventType  *string // inbound event type (e.g. "deal.property_changed")
	Workflow   string  // entry workflow name (e.g. "deal_created")
	Component  string  // component name (e.g. "sync.orchestrator")
}

// WithLogFields enriches context with structured log fields. Multiple calls
// merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context, empty if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.DealID != nil {
		result.DealID = next.DealID
	}
	if next.LineItemID != nil {
		result.LineItemID = next.LineItemID
	}
	if next.OrderID != nil {
		result.OrderID = next.OrderID
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Workflow != "" {
		result.Workflow = next.Workflow
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for setting LogFields
// inline.
func Ptr[T any](v T) *T {
	return &v
}
