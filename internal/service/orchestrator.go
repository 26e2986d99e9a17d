// Package service composes the pipeline: validity gate, dedup cache,
// idempotency ledger, line-item aggregation, and the resilient downstream
// write. The ledger wraps the entry workflows, not individual sub-steps.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealbridge.app/sync/common/id"
	"dealbridge.app/sync/common/logger"
	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/gate"
	"dealbridge.app/sync/internal/idempotency"
	"dealbridge.app/sync/internal/lineitem"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result is what entry-point callers observe. Retry counts and breaker state
// never leak through it.
type Result struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	ItemCount int    `json:"item_count,omitempty"`
}

// ERP is the downstream record-store client the orchestrator drives. The
// implementation wraps every call in the resilient executor.
type ERP interface {
	WriteOrderItems(ctx context.Context, orderID string, items []domain.OrderItem) error
	LookupOrderID(ctx context.Context, dealID string) (string, error)
}

// Notifier escalates failures. Best-effort: its own errors are only logged.
type Notifier interface {
	Notify(ctx context.Context, subject, message, recipient string) error
}

// MirrorStore persists the order mapping and sync-run audit rows. Optional;
// all writes to it are best-effort.
type MirrorStore interface {
	UpsertOrderMapping(ctx context.Context, dealID, orderID string) error
	RecordSyncRun(ctx context.Context, run domain.SyncRun) error
}

type Orchestrator struct {
	gate      *gate.Gate
	builder   *lineitem.Builder
	guard     *lineitem.Guard
	ledger    *idempotency.Ledger
	erp       ERP
	notifier  Notifier
	mirror    MirrorStore
	rules     config.SyncRules
	recipient string
	logger    *slog.Logger
}

func NewOrchestrator(
	g *gate.Gate,
	builder *lineitem.Builder,
	guard *lineitem.Guard,
	ledger *idempotency.Ledger,
	erp ERP,
	notifier Notifier,
	mirror MirrorStore,
	rules config.SyncRules,
	recipient string,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		gate:      g,
		builder:   builder,
		guard:     guard,
		ledger:    ledger,
		erp:       erp,
		notifier:  notifier,
		mirror:    mirror,
		rules:     rules,
		recipient: recipient,
		logger:    log,
	}
}

// --- Entry points -----------------------------------------------------------

func (o *Orchestrator) DealCreated(ctx context.Context, dealID string, occurredAt int64) (Result, error) {
	return o.run(ctx, domain.DealCreated(dealID, occurredAt), "deal_created")
}

func (o *Orchestrator) DealPropertyChanged(ctx context.Context, dealID, field, value string, occurredAt int64) (Result, error) {
	return o.run(ctx, domain.DealPropertyChanged(dealID, field, value, occurredAt), "deal_property_changed")
}

func (o *Orchestrator) LineItemCreated(ctx context.Context, ev domain.Event) (Result, error) {
	return o.run(ctx, ev, "line_item_created")
}

func (o *Orchestrator) LineItemPropertyChanged(ctx context.Context, ev domain.Event) (Result, error) {
	return o.run(ctx, ev, "line_item_property_changed")
}

// DealRepublished re-emits the full consolidated write for a deal, e.g. after
// a manual trigger or an upstream recovery.
func (o *Orchestrator) DealRepublished(ctx context.Context, dealID string, occurredAt int64) (Result, error) {
	return o.run(ctx, domain.DealRepublished(dealID, occurredAt), "deal_republished")
}

// --- Workflow ---------------------------------------------------------------

func (o *Orchestrator) run(ctx context.Context, ev domain.Event, workflow string) (Result, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		DealID:    logger.Ptr(ev.DealID),
		EventType: logger.Ptr(fmt.Sprintf("%s.%s", ev.EntityKind, ev.ChangeKind)),
		Workflow:  workflow,
		Component: "sync.orchestrator",
	})

	if err := ev.Validate(); err != nil {
		return Result{Status: StatusFailed, Reason: err.Error()}, err
	}

	outcome, err := o.ledger.Run(ctx, idempotency.EventKey(ev), func(ctx context.Context) (any, error) {
		return o.process(ctx, ev, workflow)
	})
	if err != nil {
		return Result{Status: StatusFailed, Reason: err.Error()}, err
	}

	if outcome.InFlight {
		return Result{Status: StatusDuplicate, Reason: "operation in flight"}, nil
	}

	var result Result
	if len(outcome.Result) > 0 {
		if unmarshalErr := json.Unmarshal(outcome.Result, &result); unmarshalErr != nil {
			return Result{Status: StatusFailed}, fmt.Errorf("decoding stored result: %w", unmarshalErr)
		}
	}
	if outcome.Duplicate {
		result.Status = StatusDuplicate
	}
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, ev domain.Event, workflow string) (Result, error) {
	startedAt := time.Now()

	// A margin change right after a revert is the revert's own echo, not an
	// independent edit.
	if ev.EntityKind == domain.EntityLineItem &&
		ev.ChangeKind == domain.ChangePropertyChanged &&
		ev.ChangedField == o.rules.MarginField &&
		o.guard.ShouldSuppressMarginChange(ctx, ev.EntityID) {
		o.logger.InfoContext(ctx, "suppressing margin change echo", "line_item_id", ev.EntityID)
		return o.finish(ctx, ev, workflow, startedAt, Result{Status: StatusSkipped, Reason: "override revert echo"}, nil)
	}

	verdict, err := o.gate.Evaluate(ctx, ev.DealID, &ev)
	if err != nil {
		return o.finish(ctx, ev, workflow, startedAt, Result{Status: StatusFailed, Reason: "upstream fetch failed"}, err)
	}

	// Compensating lookup before the verdict is applied: a missing ERP link
	// with a reference number present may just mean the mirror write has not
	// landed yet.
	if verdict.ERPOrderID == "" && verdict.OrderNumber != "" {
		orderID, lookupErr := o.erp.LookupOrderID(ctx, ev.DealID)
		if lookupErr != nil {
			o.logger.WarnContext(ctx, "fallback order lookup failed", "error", lookupErr)
		} else if orderID != "" {
			verdict.ERPOrderID = orderID
			o.upsertMapping(ctx, ev.DealID, orderID)
		}
	}

	if reason := skipReason(verdict); reason != "" {
		o.logger.InfoContext(ctx, "sync skipped", "reason", reason)
		return o.finish(ctx, ev, workflow, startedAt, Result{Status: StatusSkipped, Reason: reason}, nil)
	}

	if ev.EntityKind == domain.EntityLineItem &&
		ev.ChangeKind == domain.ChangePropertyChanged &&
		ev.ChangedField == o.rules.PriceField &&
		ev.LineItem != nil {
		reverted, revertErr := o.guard.HandlePriceChange(
			ctx, verdict.ContractID, ev.EntityID, o.rules.PriceField, ev.ChangedValue, ev.LineItem.AnchorPrice)
		if revertErr != nil {
			// The sync itself still proceeds; the next price event retries
			// the revert.
			o.logger.WarnContext(ctx, "override revert failed", "error", revertErr)
		} else if reverted {
			o.logger.InfoContext(ctx, "price reverted to anchor, continuing sync")
		}
	}

	var triggering *domain.LineItem
	if ev.EntityKind == domain.EntityLineItem {
		triggering = ev.LineItem
	}

	items, failures := o.builder.BuildOrderItems(ctx, verdict.LineItemIDs, triggering, workflow)
	if len(failures) > 0 {
		o.escalate(ctx, "Line item aggregation failures", aggregationFailureMessage(ev.DealID, workflow, failures))
	}

	if err := o.erp.WriteOrderItems(ctx, verdict.ERPOrderID, items); err != nil {
		writeErr := &domain.DownstreamWriteError{Service: "erp", Err: err}
		o.escalate(ctx, "Sales order sync failed",
			fmt.Sprintf("deal=%s workflow=%s order=%s error=%v", ev.DealID, workflow, verdict.ERPOrderID, err))
		result, _ := o.finish(ctx, ev, workflow, startedAt, Result{Status: StatusFailed, Reason: "downstream write failed"}, writeErr)
		return result, writeErr
	}

	return o.finish(ctx, ev, workflow, startedAt, Result{
		Status:    StatusSuccess,
		OrderID:   verdict.ERPOrderID,
		ItemCount: len(items),
	}, nil)
}

// skipReason applies the verdict in precedence order. The ordering is a
// policy choice: the common "stage already terminal" case is ruled out before
// any effort is spent on fallback lookups or item work.
func skipReason(v *domain.Verdict) string {
	switch {
	case v.IsClosed && !v.IsClosedWon:
		return "deal closed without win"
	case !v.IsClosedWon && v.ERPOrderID == "":
		return "no linked sales order"
	case v.IsTestDeal:
		return "test deal"
	case v.IsDisallowedStage:
		return "disallowed stage"
	case v.IsTestAccount:
		return "test account"
	case !v.IsValidPipeline:
		return "pipeline not allowed"
	case !v.DedupAccepted:
		return "superseded by newer event"
	case v.ERPOrderID == "":
		return "no linked sales order"
	}
	return ""
}

func (o *Orchestrator) finish(ctx context.Context, ev domain.Event, workflow string, startedAt time.Time, result Result, cause error) (Result, error) {
	if o.mirror != nil {
		run := domain.SyncRun{
			ID:         id.New(),
			DealID:     ev.DealID,
			Workflow:   workflow,
			Status:     string(result.Status),
			Reason:     result.Reason,
			ItemCount:  result.ItemCount,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
		if cause != nil {
			run.Error = cause.Error()
		}
		if err := o.mirror.RecordSyncRun(ctx, run); err != nil {
			o.logger.WarnContext(ctx, "failed to record sync run", "error", err)
		}
	}
	return result, cause
}

func (o *Orchestrator) upsertMapping(ctx context.Context, dealID, orderID string) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.UpsertOrderMapping(ctx, dealID, orderID); err != nil {
		o.logger.WarnContext(ctx, "failed to persist order mapping",
			"order_id", orderID, "error", err)
	}
}

func (o *Orchestrator) escalate(ctx context.Context, subject, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, subject, message, o.recipient); err != nil {
		o.logger.WarnContext(ctx, "notification failed", "subject", subject, "error", err)
	}
}

func aggregationFailureMessage(dealID, workflow string, failures []lineitem.ItemFailure) string {
	msg := fmt.Sprintf("deal=%s workflow=%s failed_items=%d", dealID, workflow, len(failures))
	for _, f := range failures {
		msg += fmt.Sprintf("\n- %s: %v", f.LineItemID, f.Err)
	}
	return msg
}

// ErrInvalidEvent is returned by transport adapters for payloads that do not
// form a processable event.
var ErrInvalidEvent = errors.New("invalid event payload")
