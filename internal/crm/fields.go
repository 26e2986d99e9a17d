package crm

// CRM property names for the records DealBridge reads. Kept in one place so
// upstream renames are a one-line change.
const (
	DealPropName         = "dealname"
	DealPropStage        = "dealstage"
	DealPropPipeline     = "pipeline"
	DealPropERPOrderID   = "erp_order_id"
	DealPropOrderNumber  = "order_number"
	DealPropContractID   = "contract_id"
	DealPropLastEditorID = "last_modified_by"
	DealPropCreatedAt    = "createdate"

	ItemPropName        = "name"
	ItemPropERPItemID   = "erp_item_id"
	ItemPropQuantity    = "quantity"
	ItemPropUnitCost    = "unit_cost"
	ItemPropPrice       = "price"
	ItemPropPosition    = "position"
	ItemPropAnchorPrice = "anchor_price"
	ItemPropDealID      = "deal_id"

	AccountPropName = "name"
)

// dealProperties is the projection requested when fetching a deal snapshot.
var dealProperties = []string{
	DealPropName,
	DealPropStage,
	DealPropPipeline,
	DealPropERPOrderID,
	DealPropOrderNumber,
	DealPropContractID,
	DealPropLastEditorID,
	DealPropCreatedAt,
}

// lineItemProperties is the projection requested when fetching a line item.
var lineItemProperties = []string{
	ItemPropName,
	ItemPropERPItemID,
	ItemPropQuantity,
	ItemPropUnitCost,
	ItemPropPrice,
	ItemPropPosition,
	ItemPropAnchorPrice,
	ItemPropDealID,
}
