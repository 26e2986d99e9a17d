// Package lineitem aggregates a deal's line items and transforms them into
// the downstream order-item shape.
package lineitem

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"

	"dealbridge.app/sync/internal/domain"
)

// positionSentinel sorts items with no position after every positioned item.
const positionSentinel = math.MaxInt32

// CRM is the slice of the record-store client the builder depends on.
type CRM interface {
	FetchLineItem(ctx context.Context, id string) (*domain.LineItem, error)
}

// Catalog resolves ERP catalog pricing for override decisions.
type Catalog interface {
	GetCatalogItem(ctx context.Context, id string) (*domain.CatalogItem, error)
}

// ItemFailure records one line item that could not be aggregated. A batch
// with partial failures still proceeds with the items that succeeded.
type ItemFailure struct {
	LineItemID string
	Err        error
}

type Builder struct {
	crm               CRM
	catalog           Catalog
	placeholderItemID string
	logger            *slog.Logger
}

func NewBuilder(crm CRM, catalog Catalog, placeholderItemID string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		crm:               crm,
		catalog:           catalog,
		placeholderItemID: placeholderItemID,
		logger:            logger,
	}
}

// BuildOrderItems collects the deal's line items and transforms each to the
// downstream shape. When the triggering event carries a line-item snapshot it
// seeds the result directly, skipping one fetch. Items deleted between the
// association lookup and the fetch are skipped; other per-item failures are
// collected rather than aborting the batch.
func (b *Builder) BuildOrderItems(ctx context.Context, lineItemIDs []string, triggering *domain.LineItem, source string) ([]domain.OrderItem, []ItemFailure) {
	items := make([]domain.LineItem, 0, len(lineItemIDs)+1)
	var failures []ItemFailure

	toFetch := lineItemIDs
	if triggering != nil {
		items = append(items, *triggering)
		toFetch = removeID(lineItemIDs, triggering.ID)
	}

	for _, id := range toFetch {
		item, err := b.crm.FetchLineItem(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				b.logger.InfoContext(ctx, "line item gone, skipping",
					"line_item_id", id, "source", source)
				continue
			}
			b.logger.WarnContext(ctx, "failed to fetch line item",
				"line_item_id", id, "source", source, "error", err)
			failures = append(failures, ItemFailure{LineItemID: id, Err: err})
			continue
		}
		items = append(items, *item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return position(items[i]) < position(items[j])
	})

	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, b.transform(ctx, item))
	}
	return out, failures
}

func (b *Builder) transform(ctx context.Context, item domain.LineItem) domain.OrderItem {
	if item.ERPItemID == "" || item.ERPItemID == b.placeholderItemID {
		estimate := RoundHalfUp(item.UnitCost * item.Quantity)
		return domain.OrderItem{
			ItemID:       b.placeholderItemID,
			Description:  item.Name,
			Quantity:     item.Quantity,
			Rate:         item.Price,
			CostEstimate: &estimate,
		}
	}

	out := domain.OrderItem{
		ItemID:   item.ERPItemID,
		Quantity: item.Quantity,
		Rate:     item.Price,
	}

	catalogItem, err := b.catalog.GetCatalogItem(ctx, item.ERPItemID)
	if err != nil {
		// Without catalog pricing we cannot tell divergence; emit the item
		// without overrides so catalog pricing stays authoritative.
		b.logger.WarnContext(ctx, "catalog lookup failed, skipping overrides",
			"erp_item_id", item.ERPItemID, "error", err)
		return out
	}

	// Overrides only when the two sides actually disagree, so syncs do not
	// clobber catalog pricing that already matches.
	if item.UnitCost != catalogItem.Cost {
		estimate := RoundHalfUp(item.UnitCost * item.Quantity)
		out.CostEstimate = &estimate
	}
	if item.Price != catalogItem.Price {
		out.PriceLevelCustom = true
	}
	return out
}

// RoundHalfUp rounds to 2 decimal places, half away from zero. Pinned
// explicitly: 12.345 × 3 = 37.035 must become 37.04.
func RoundHalfUp(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func position(item domain.LineItem) int {
	if item.Position == nil {
		return positionSentinel
	}
	return *item.Position
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}
