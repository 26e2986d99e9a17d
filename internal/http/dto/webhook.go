package dto

// DealEventRequest is the CRM webhook payload for deal-level changes.
type DealEventRequest struct {
	EventType  string `json:"event_type" binding:"required"`
	DealID     string `json:"deal_id" binding:"required"`
	OccurredAt int64  `json:"occurred_at" binding:"required"`
	Property   string `json:"property,omitempty"`
	Value      string `json:"value,omitempty"`
}

// LineItemEventRequest is the CRM webhook payload for line-item changes. The
// optional snapshot saves the aggregator one fetch for the triggering item.
type LineItemEventRequest struct {
	EventType  string            `json:"event_type" binding:"required"`
	LineItemID string            `json:"line_item_id" binding:"required"`
	DealID     string            `json:"deal_id" binding:"required"`
	OccurredAt int64             `json:"occurred_at" binding:"required"`
	Property   string            `json:"property,omitempty"`
	Value      string            `json:"value,omitempty"`
	LineItem   *LineItemSnapshot `json:"line_item,omitempty"`
}

type LineItemSnapshot struct {
	Name        string   `json:"name"`
	ERPItemID   string   `json:"erp_item_id"`
	Quantity    float64  `json:"quantity"`
	UnitCost    float64  `json:"unit_cost"`
	Price       float64  `json:"price"`
	Position    *int     `json:"position,omitempty"`
	AnchorPrice *float64 `json:"anchor_price,omitempty"`
}

type EnqueueResponse struct {
	Enqueued bool   `json:"enqueued"`
	DealID   string `json:"deal_id"`
}

type SyncResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	ItemCount int    `json:"item_count,omitempty"`
}

type SyncRunResponse struct {
	ID         int64  `json:"id"`
	DealID     string `json:"deal_id"`
	Workflow   string `json:"workflow"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	ItemCount  int    `json:"item_count"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}
