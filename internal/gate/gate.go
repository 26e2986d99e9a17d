// Package gate implements the event validity gate: business predicates
// evaluated against a freshly fetched deal snapshot. Every predicate is
// computed on every evaluation — nothing short-circuits — so the full
// verdict is observable in logs and tests. Precedence between predicates is
// the caller's policy, not the gate's.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/dedup"
	"dealbridge.app/sync/internal/domain"
)

// CRM is the slice of the record-store client the gate depends on.
type CRM interface {
	FetchDeal(ctx context.Context, id string) (*domain.DealSnapshot, error)
	FetchLineItemIDs(ctx context.Context, dealID string) ([]string, error)
	FetchAccountIDs(ctx context.Context, dealID string) ([]string, error)
	FetchAccount(ctx context.Context, id string) (*domain.Account, error)
}

type Gate struct {
	crm    CRM
	dedup  *dedup.Cache
	rules  config.SyncRules
	logger *slog.Logger
}

func New(crm CRM, dedupCache *dedup.Cache, rules config.SyncRules, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{crm: crm, dedup: dedupCache, rules: rules, logger: logger}
}

// Evaluate fetches the deal snapshot and both association sets in parallel,
// then computes the verdict. The snapshot is fetched fresh per call; caching
// it across events would defeat the validity logic. For property-change
// events the dedup cache is consulted and its answer lands in DedupAccepted.
func (g *Gate) Evaluate(ctx context.Context, dealID string, ev *domain.Event) (*domain.Verdict, error) {
	var (
		deal        *domain.DealSnapshot
		lineItemIDs []string
		accountIDs  []string
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		deal, err = g.crm.FetchDeal(groupCtx, dealID)
		return err
	})
	group.Go(func() error {
		var err error
		lineItemIDs, err = g.crm.FetchLineItemIDs(groupCtx, dealID)
		return err
	})
	group.Go(func() error {
		var err error
		accountIDs, err = g.crm.FetchAccountIDs(groupCtx, dealID)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, &domain.UpstreamFetchError{Op: fmt.Sprintf("deal %s", dealID), Err: err}
	}

	accounts, err := g.fetchAccounts(ctx, accountIDs)
	if err != nil {
		return nil, &domain.UpstreamFetchError{Op: fmt.Sprintf("accounts of deal %s", dealID), Err: err}
	}

	verdict := &domain.Verdict{
		IsTestDeal:        containsKeyword(deal.Name, g.rules.TestKeywords),
		IsDisallowedStage: containsStage(g.rules.DisallowedStages, deal.Stage),
		IsClosed:          containsStage(g.rules.ClosedStages, deal.Stage),
		IsClosedWon:       containsStage(g.rules.ClosedWonStages, deal.Stage),
		IsValidPipeline:   g.validPipeline(deal.PipelineID),
		IsTestAccount:     g.anyTestAccount(accounts),
		DedupAccepted:     true,
		ERPOrderID:        deal.ERPOrderID,
		OrderNumber:       deal.OrderNumber,
		ContractID:        deal.ContractID,
		LastEditorID:      deal.LastEditorID,
		LineItemIDs:       lineItemIDs,
		Accounts:          accounts,
	}

	if ev != nil && ev.ChangeKind == domain.ChangePropertyChanged && ev.ChangedField != "" {
		key := dedup.Key(ev.EntityID, ev.ChangedField)
		verdict.DedupAccepted = g.dedup.CheckAndReserve(ctx, key, *ev)
	}

	g.logger.DebugContext(ctx, "validity verdict",
		"deal_id", dealID,
		"test_deal", verdict.IsTestDeal,
		"disallowed_stage", verdict.IsDisallowedStage,
		"closed", verdict.IsClosed,
		"closed_won", verdict.IsClosedWon,
		"valid_pipeline", verdict.IsValidPipeline,
		"test_account", verdict.IsTestAccount,
		"dedup_accepted", verdict.DedupAccepted)

	return verdict, nil
}

// fetchAccounts resolves association ids to records. An account deleted
// after the association lookup is skipped, not an error.
func (g *Gate) fetchAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		account, err := g.crm.FetchAccount(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (g *Gate) validPipeline(pipelineID string) bool {
	// An empty allow-list means every pipeline is eligible.
	if len(g.rules.AllowedPipelines) == 0 {
		return true
	}
	for _, allowed := range g.rules.AllowedPipelines {
		if allowed == pipelineID {
			return true
		}
	}
	return false
}

func (g *Gate) anyTestAccount(accounts []domain.Account) bool {
	for _, account := range accounts {
		if containsKeyword(account.Name, g.rules.TestKeywords) {
			return true
		}
	}
	return false
}

func containsKeyword(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func containsStage(stages []string, stage string) bool {
	for _, s := range stages {
		if strings.EqualFold(s, stage) {
			return true
		}
	}
	return false
}
