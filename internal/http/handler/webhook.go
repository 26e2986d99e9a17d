package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/http/dto"
	"dealbridge.app/sync/internal/queue"
)

// WebhookHandler accepts CRM change notifications and enqueues them. The
// webhook returns 202 as soon as the event is durable on the stream; all
// processing happens in the worker.
type WebhookHandler struct {
	producer    queue.Producer
	traceHeader string
}

func NewWebhookHandler(producer queue.Producer, traceHeader string) *WebhookHandler {
	return &WebhookHandler{
		producer:    producer,
		traceHeader: traceHeader,
	}
}

func (h *WebhookHandler) DealEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.DealEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid deal event payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var ev domain.Event
	switch req.EventType {
	case string(domain.ChangeCreated):
		ev = domain.DealCreated(req.DealID, req.OccurredAt)
	case string(domain.ChangePropertyChanged):
		ev = domain.DealPropertyChanged(req.DealID, req.Property, req.Value, req.OccurredAt)
	case string(domain.ChangeRepublished):
		ev = domain.DealRepublished(req.DealID, req.OccurredAt)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event_type"})
		return
	}

	h.enqueue(c, ev)
}

func (h *WebhookHandler) LineItemEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.LineItemEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid line item event payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot := toLineItem(req)

	var ev domain.Event
	switch req.EventType {
	case string(domain.ChangeCreated):
		ev = domain.LineItemCreated(req.LineItemID, req.DealID, req.OccurredAt, snapshot)
	case string(domain.ChangePropertyChanged):
		ev = domain.LineItemPropertyChanged(req.LineItemID, req.DealID, req.Property, req.Value, req.OccurredAt, snapshot)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event_type"})
		return
	}

	h.enqueue(c, ev)
}

func (h *WebhookHandler) enqueue(c *gin.Context, ev domain.Event) {
	ctx := c.Request.Context()

	if err := ev.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}
	}

	if err := h.producer.Enqueue(ctx, queue.Message{Event: ev, Attempt: 1, TraceID: traceID}); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue event", "error", err, "deal_id", ev.DealID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue event"})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueResponse{Enqueued: true, DealID: ev.DealID})
}

func toLineItem(req dto.LineItemEventRequest) *domain.LineItem {
	if req.LineItem == nil {
		return nil
	}
	return &domain.LineItem{
		ID:          req.LineItemID,
		DealID:      req.DealID,
		Name:        req.LineItem.Name,
		ERPItemID:   req.LineItem.ERPItemID,
		Quantity:    req.LineItem.Quantity,
		UnitCost:    req.LineItem.UnitCost,
		Price:       req.LineItem.Price,
		Position:    req.LineItem.Position,
		AnchorPrice: req.LineItem.AnchorPrice,
	}
}
