package lineitem

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"dealbridge.app/sync/internal/kv"
)

const markerPrefix = "override-revert"

// priceEpsilon absorbs float formatting noise when comparing a patched price
// string against the stored anchor.
const priceEpsilon = 1e-9

// Patcher issues corrective field updates back to the CRM.
type Patcher interface {
	PatchLineItemProperty(ctx context.Context, lineItemID, field, value string) error
}

// Guard implements the contract-conditioned override-revert workflow: a price
// edit diverging from the item's anchor price is reverted upstream, and a
// marker is recorded so the derived-margin recompute the revert triggers is
// recognized as an echo and suppressed instead of being synced as an
// independent edit. Without the marker the revert write and the margin
// recompute would feed each other forever.
type Guard struct {
	store            kv.Store
	patcher          Patcher
	anchorContractID string
	markerTTL        time.Duration
	logger           *slog.Logger
}

func NewGuard(store kv.Store, patcher Patcher, anchorContractID string, markerTTL time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if markerTTL <= 0 {
		markerTTL = 30 * time.Second
	}
	return &Guard{
		store:            store,
		patcher:          patcher,
		anchorContractID: anchorContractID,
		markerTTL:        markerTTL,
		logger:           logger,
	}
}

// HandlePriceChange reverts a divergent price edit back to the anchor value.
// Returns true when a revert was issued. Only applies to deals on the
// configured contract whose items carry an anchor price.
func (g *Guard) HandlePriceChange(ctx context.Context, dealContractID, lineItemID, priceField, newValue string, anchorPrice *float64) (bool, error) {
	if g.anchorContractID == "" || dealContractID != g.anchorContractID || anchorPrice == nil {
		return false, nil
	}

	price, err := strconv.ParseFloat(newValue, 64)
	if err != nil {
		return false, fmt.Errorf("parsing changed price %q: %w", newValue, err)
	}
	if math.Abs(price-*anchorPrice) < priceEpsilon {
		return false, nil
	}

	markerKey := markerPrefix + ":" + lineItemID
	if err := g.store.Set(ctx, markerKey, "1", g.markerTTL); err != nil {
		// The revert still goes out; worst case the echo is synced once.
		g.logger.WarnContext(ctx, "failed to record override-revert marker",
			"line_item_id", lineItemID, "error", err)
	}

	anchor := strconv.FormatFloat(*anchorPrice, 'f', -1, 64)
	if err := g.patcher.PatchLineItemProperty(ctx, lineItemID, priceField, anchor); err != nil {
		return false, fmt.Errorf("reverting price on line item %s: %w", lineItemID, err)
	}

	g.logger.InfoContext(ctx, "reverted price to contract anchor",
		"line_item_id", lineItemID, "attempted_price", newValue, "anchor_price", anchor)
	return true, nil
}

// ShouldSuppressMarginChange reports whether a margin-field change on the
// item is an echo of a recent revert. After the marker TTL expires the same
// change is processed normally. Store errors fail open to processing.
func (g *Guard) ShouldSuppressMarginChange(ctx context.Context, lineItemID string) bool {
	_, found, err := g.store.Get(ctx, markerPrefix+":"+lineItemID)
	if err != nil {
		g.logger.WarnContext(ctx, "override marker lookup failed, processing normally",
			"line_item_id", lineItemID, "error", err)
		return false
	}
	return found
}
