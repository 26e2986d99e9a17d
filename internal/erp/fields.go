package erp

// ERP field names on outbound order-item writes.
const (
	FieldItemID           = "item"
	FieldDescription      = "description"
	FieldQuantity         = "quantity"
	FieldRate             = "rate"
	FieldCostEstimate     = "costestimate"
	FieldCostEstimateType = "costestimatetype"
	FieldPriceLevel       = "price"

	// CostEstimateTypeCustom marks a cost estimate as an explicit override
	// rather than a catalog-derived value.
	CostEstimateTypeCustom = "CUSTOM"

	// PriceLevelCustom is the sentinel the ERP expects when the rate should
	// not be resolved against catalog pricing.
	PriceLevelCustom = "-1"
)
