package service

import (
	"log/slog"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/crm"
	"dealbridge.app/sync/internal/dedup"
	"dealbridge.app/sync/internal/erp"
	"dealbridge.app/sync/internal/gate"
	"dealbridge.app/sync/internal/idempotency"
	"dealbridge.app/sync/internal/kv"
	"dealbridge.app/sync/internal/lineitem"
	"dealbridge.app/sync/internal/notify"
	"dealbridge.app/sync/internal/resilience"
)

// BuildOrchestrator wires the full pipeline from config. Shared by the server
// (synchronous admin resync) and the worker.
func BuildOrchestrator(cfg config.Config, kvStore kv.Store, mirror MirrorStore, log *slog.Logger) *Orchestrator {
	exec := resilience.NewExecutor(cfg.Breaker, log)
	crmClient := crm.NewClient(cfg.CRM, exec)
	erpClient := erp.NewClient(cfg.ERP, exec)

	dedupCache := dedup.NewCache(kvStore, cfg.Dedup, log)
	ledger := idempotency.NewLedger(kvStore, cfg.Ledger, log)
	validityGate := gate.New(crmClient, dedupCache, cfg.Rules, log)
	builder := lineitem.NewBuilder(crmClient, erpClient, cfg.Rules.PlaceholderItemID, log)
	guard := lineitem.NewGuard(kvStore, crmClient, cfg.Rules.AnchorContractID, cfg.Rules.MarkerTTL, log)
	notifier := notify.New(cfg.Notify, exec, log)

	return NewOrchestrator(
		validityGate, builder, guard, ledger,
		erpClient, notifier, mirror,
		cfg.Rules, cfg.Notify.Recipient, log)
}
