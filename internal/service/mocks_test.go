package service_test

import (
	"context"
	"sync"

	"dealbridge.app/sync/internal/domain"
)

// Mock CRM covering the gate, builder, and guard dependencies in one place.
type mockCRM struct {
	fetchDealFn        func(ctx context.Context, id string) (*domain.DealSnapshot, error)
	fetchLineItemIDsFn func(ctx context.Context, dealID string) ([]string, error)
	fetchAccountIDsFn  func(ctx context.Context, dealID string) ([]string, error)
	fetchAccountFn     func(ctx context.Context, id string) (*domain.Account, error)
	fetchLineItemFn    func(ctx context.Context, id string) (*domain.LineItem, error)
	patchFn            func(ctx context.Context, lineItemID, field, value string) error

	mu      sync.Mutex
	patches []string
}

func (m *mockCRM) FetchDeal(ctx context.Context, id string) (*domain.DealSnapshot, error) {
	if m.fetchDealFn != nil {
		return m.fetchDealFn(ctx, id)
	}
	return &domain.DealSnapshot{
		ID:         id,
		Name:       "Acme renewal",
		Stage:      "contractsent",
		PipelineID: "default",
		ERPOrderID: "SO-100",
	}, nil
}

func (m *mockCRM) FetchLineItemIDs(ctx context.Context, dealID string) ([]string, error) {
	if m.fetchLineItemIDsFn != nil {
		return m.fetchLineItemIDsFn(ctx, dealID)
	}
	return []string{"li-1", "li-2"}, nil
}

func (m *mockCRM) FetchAccountIDs(ctx context.Context, dealID string) ([]string, error) {
	if m.fetchAccountIDsFn != nil {
		return m.fetchAccountIDsFn(ctx, dealID)
	}
	return []string{"acct-1"}, nil
}

func (m *mockCRM) FetchAccount(ctx context.Context, id string) (*domain.Account, error) {
	if m.fetchAccountFn != nil {
		return m.fetchAccountFn(ctx, id)
	}
	return &domain.Account{ID: id, Name: "Acme Corp"}, nil
}

func (m *mockCRM) FetchLineItem(ctx context.Context, id string) (*domain.LineItem, error) {
	if m.fetchLineItemFn != nil {
		return m.fetchLineItemFn(ctx, id)
	}
	return &domain.LineItem{
		ID:        id,
		Name:      "Widget " + id,
		ERPItemID: "sku-" + id,
		Quantity:  1,
		UnitCost:  10,
		Price:     20,
	}, nil
}

func (m *mockCRM) PatchLineItemProperty(ctx context.Context, lineItemID, field, value string) error {
	m.mu.Lock()
	m.patches = append(m.patches, lineItemID+"/"+field+"="+value)
	m.mu.Unlock()
	if m.patchFn != nil {
		return m.patchFn(ctx, lineItemID, field, value)
	}
	return nil
}

type erpWrite struct {
	orderID string
	items   []domain.OrderItem
}

type mockERP struct {
	writeOrderItemsFn func(ctx context.Context, orderID string, items []domain.OrderItem) error
	lookupOrderIDFn   func(ctx context.Context, dealID string) (string, error)
	getCatalogItemFn  func(ctx context.Context, id string) (*domain.CatalogItem, error)

	mu      sync.Mutex
	writes  []erpWrite
	lookups []string
}

func (m *mockERP) WriteOrderItems(ctx context.Context, orderID string, items []domain.OrderItem) error {
	m.mu.Lock()
	m.writes = append(m.writes, erpWrite{orderID: orderID, items: items})
	m.mu.Unlock()
	if m.writeOrderItemsFn != nil {
		return m.writeOrderItemsFn(ctx, orderID, items)
	}
	return nil
}

func (m *mockERP) LookupOrderID(ctx context.Context, dealID string) (string, error) {
	m.mu.Lock()
	m.lookups = append(m.lookups, dealID)
	m.mu.Unlock()
	if m.lookupOrderIDFn != nil {
		return m.lookupOrderIDFn(ctx, dealID)
	}
	return "", nil
}

func (m *mockERP) GetCatalogItem(ctx context.Context, id string) (*domain.CatalogItem, error) {
	if m.getCatalogItemFn != nil {
		return m.getCatalogItemFn(ctx, id)
	}
	return &domain.CatalogItem{ID: id, Cost: 10, Price: 20}, nil
}

func (m *mockERP) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

type notification struct {
	subject   string
	message   string
	recipient string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (m *mockNotifier) Notify(_ context.Context, subject, message, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification{subject, message, recipient})
	return nil
}

type mockMirror struct {
	mu       sync.Mutex
	mappings map[string]string
	runs     []domain.SyncRun
}

func newMockMirror() *mockMirror {
	return &mockMirror{mappings: make(map[string]string)}
}

func (m *mockMirror) UpsertOrderMapping(_ context.Context, dealID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[dealID] = orderID
	return nil
}

func (m *mockMirror) RecordSyncRun(_ context.Context, run domain.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockMirror) lastRun() *domain.SyncRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return nil
	}
	run := m.runs[len(m.runs)-1]
	return &run
}
