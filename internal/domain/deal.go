package domain

import "time"

// DealSnapshot is the freshly fetched state of a deal plus its association
// sets. It is never cached across events: a stale snapshot would defeat the
// validity checks that are evaluated against it.
type DealSnapshot struct {
	ID           string
	Name         string
	Stage        string
	PipelineID   string
	ERPOrderID   string // id of the mirrored sales order in the ERP, empty when not yet linked
	OrderNumber  string // human-facing reference number, used for the fallback lookup
	ContractID   string
	CreatedAt    time.Time
	LastEditorID string
	LineItemIDs  []string
	AccountIDs   []string
}

// Account is a company record associated with a deal.
type Account struct {
	ID   string
	Name string
}

// LineItem is a CRM line item belonging to a deal.
type LineItem struct {
	ID          string   `json:"id"`
	DealID      string   `json:"deal_id"`
	Name        string   `json:"name"`
	ERPItemID   string   `json:"erp_item_id"` // mapped catalog item in the ERP, empty when unmapped
	Quantity    float64  `json:"quantity"`
	UnitCost    float64  `json:"unit_cost"`
	Price       float64  `json:"price"`
	Position    *int     `json:"position,omitempty"` // display/sort order; nil sorts last
	AnchorPrice *float64 `json:"anchor_price,omitempty"`
}

// CatalogItem is the ERP's recorded pricing for a catalog item. Overrides on
// outbound order items are only emitted when the CRM side diverges from it.
type CatalogItem struct {
	ID    string
	Cost  float64
	Price float64
}

// OrderItem is the downstream shape written to the ERP sales order.
type OrderItem struct {
	ItemID       string   `json:"item_id"`
	Description  string   `json:"description,omitempty"`
	Quantity     float64  `json:"quantity"`
	Rate         float64  `json:"rate"`
	CostEstimate *float64 `json:"cost_estimate,omitempty"`
	// PriceLevelCustom marks the rate as an explicit override so the ERP
	// does not fall back to catalog pricing for this line.
	PriceLevelCustom bool `json:"price_level_custom,omitempty"`
}

// Verdict is the full, non-short-circuited result of the validity gate. All
// flags are populated on every evaluation so the complete picture is
// observable in logs and tests; precedence is applied by the caller.
type Verdict struct {
	IsTestDeal        bool
	IsDisallowedStage bool
	IsClosed          bool
	IsClosedWon       bool
	IsValidPipeline   bool
	IsTestAccount     bool
	DedupAccepted     bool

	ERPOrderID   string
	OrderNumber  string
	ContractID   string
	LastEditorID string
	LineItemIDs  []string
	Accounts     []Account
}
