package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/dedup"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/gate"
	"dealbridge.app/sync/internal/idempotency"
	"dealbridge.app/sync/internal/kv"
	"dealbridge.app/sync/internal/lineitem"
	"dealbridge.app/sync/internal/service"
)

const anchorContract = "contract-epp"

var _ = Describe("Orchestrator", func() {
	var (
		crm      *mockCRM
		erp      *mockERP
		notifier *mockNotifier
		mirror   *mockMirror
		orch     *service.Orchestrator
		ctx      context.Context
		now      int64
	)

	rules := config.SyncRules{
		TestKeywords:      []string{"test"},
		DisallowedStages:  []string{"onhold"},
		ClosedStages:      []string{"closedwon", "closedlost"},
		ClosedWonStages:   []string{"closedwon"},
		PriceField:        "price",
		MarginField:       "margin",
		PlaceholderItemID: "0",
		AnchorContractID:  anchorContract,
		MarkerTTL:         time.Minute,
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Now().UnixMilli()
		crm = &mockCRM{}
		erp = &mockERP{}
		notifier = &mockNotifier{}
		mirror = newMockMirror()

		store := kv.NewMemoryStore()
		validityGate := gate.New(crm, dedup.NewCache(store, config.DedupConfig{}, nil), rules, nil)
		builder := lineitem.NewBuilder(crm, erp, rules.PlaceholderItemID, nil)
		guard := lineitem.NewGuard(store, crm, rules.AnchorContractID, rules.MarkerTTL, nil)
		ledger := idempotency.NewLedger(store, config.LedgerConfig{}, nil)

		orch = service.NewOrchestrator(
			validityGate, builder, guard, ledger,
			erp, notifier, mirror, rules, "ops", nil)
	})

	dealWith := func(mutate func(*domain.DealSnapshot)) {
		crm.fetchDealFn = func(_ context.Context, id string) (*domain.DealSnapshot, error) {
			deal := &domain.DealSnapshot{
				ID:         id,
				Name:       "Acme renewal",
				Stage:      "contractsent",
				PipelineID: "default",
				ERPOrderID: "SO-100",
			}
			mutate(deal)
			return deal, nil
		}
	}

	Describe("successful sync", func() {
		It("writes the consolidated items to the linked order", func() {
			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Status).To(Equal(service.StatusSuccess))
			Expect(result.OrderID).To(Equal("SO-100"))
			Expect(result.ItemCount).To(Equal(2))

			Expect(erp.writes).To(HaveLen(1))
			Expect(erp.writes[0].orderID).To(Equal("SO-100"))
			Expect(erp.writes[0].items).To(HaveLen(2))
		})

		It("records a success audit row", func() {
			_, err := orch.DealCreated(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())

			run := mirror.lastRun()
			Expect(run).NotTo(BeNil())
			Expect(run.DealID).To(Equal("deal-1"))
			Expect(run.Workflow).To(Equal("deal_created"))
			Expect(run.Status).To(Equal(string(service.StatusSuccess)))
			Expect(run.ItemCount).To(Equal(2))
			Expect(run.ID).NotTo(BeZero())
		})
	})

	Describe("idempotency", func() {
		It("replays the stored result for a redelivered event", func() {
			first, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(service.StatusSuccess))

			second, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(service.StatusDuplicate))
			Expect(second.OrderID).To(Equal("SO-100"))

			Expect(erp.writeCount()).To(Equal(1))
		})
	})

	Describe("validity gate skips", func() {
		It("skips a deal closed without a win", func() {
			dealWith(func(d *domain.DealSnapshot) { d.Stage = "closedlost" })

			result, err := orch.DealPropertyChanged(ctx, "deal-1", "dealstage", "closedlost", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("deal closed without win"))
			Expect(erp.writeCount()).To(BeZero())
		})

		It("skips a disallowed stage", func() {
			dealWith(func(d *domain.DealSnapshot) { d.Stage = "onhold" })

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("disallowed stage"))
			Expect(erp.writeCount()).To(BeZero())
		})

		It("skips a test deal", func() {
			dealWith(func(d *domain.DealSnapshot) { d.Name = "Test migration dry run" })

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("test deal"))
			Expect(erp.writeCount()).To(BeZero())
		})

		It("skips an unlinked deal without attempting a lookup when no order number exists", func() {
			dealWith(func(d *domain.DealSnapshot) { d.ERPOrderID = "" })

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("no linked sales order"))
			Expect(erp.lookups).To(BeEmpty())
			Expect(erp.writeCount()).To(BeZero())
		})

		It("skips an event superseded by a newer one on the same field", func() {
			newer, err := orch.DealPropertyChanged(ctx, "deal-1", "dealstage", "contractsent", now+1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(newer.Status).To(Equal(service.StatusSuccess))

			older, err := orch.DealPropertyChanged(ctx, "deal-1", "dealstage", "qualified", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(older.Status).To(Equal(service.StatusSkipped))
			Expect(older.Reason).To(Equal("superseded by newer event"))

			Expect(erp.writeCount()).To(Equal(1))
		})
	})

	Describe("fallback order lookup", func() {
		It("resolves the order through the ERP when only an order number exists", func() {
			dealWith(func(d *domain.DealSnapshot) {
				d.ERPOrderID = ""
				d.OrderNumber = "SO-77"
			})
			erp.lookupOrderIDFn = func(_ context.Context, _ string) (string, error) {
				return "erp-order-9", nil
			}

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSuccess))
			Expect(result.OrderID).To(Equal("erp-order-9"))

			Expect(erp.lookups).To(Equal([]string{"deal-1"}))
			Expect(mirror.mappings).To(HaveKeyWithValue("deal-1", "erp-order-9"))
		})

		It("skips when the lookup also finds nothing", func() {
			dealWith(func(d *domain.DealSnapshot) {
				d.ERPOrderID = ""
				d.OrderNumber = "SO-77"
			})

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("no linked sales order"))
			Expect(erp.lookups).To(HaveLen(1))
		})
	})

	Describe("downstream write failure", func() {
		It("escalates and reports the failure", func() {
			erp.writeOrderItemsFn = func(context.Context, string, []domain.OrderItem) error {
				return errors.New("erp 503")
			}

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).To(HaveOccurred())

			var writeErr *domain.DownstreamWriteError
			Expect(errors.As(err, &writeErr)).To(BeTrue())
			Expect(result.Status).To(Equal(service.StatusFailed))

			Expect(notifier.sent).To(HaveLen(1))
			Expect(notifier.sent[0].subject).To(Equal("Sales order sync failed"))
			Expect(notifier.sent[0].recipient).To(Equal("ops"))

			run := mirror.lastRun()
			Expect(run).NotTo(BeNil())
			Expect(run.Status).To(Equal(string(service.StatusFailed)))
			Expect(run.Error).To(ContainSubstring("erp 503"))
		})
	})

	Describe("partial aggregation failures", func() {
		It("escalates failed items but still writes the rest", func() {
			crm.fetchLineItemFn = func(_ context.Context, id string) (*domain.LineItem, error) {
				if id == "li-2" {
					return nil, errors.New("upstream 500")
				}
				return &domain.LineItem{ID: id, Name: "Widget", ERPItemID: "sku-1", Quantity: 1, UnitCost: 10, Price: 20}, nil
			}

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSuccess))
			Expect(result.ItemCount).To(Equal(1))

			Expect(notifier.sent).To(HaveLen(1))
			Expect(notifier.sent[0].subject).To(Equal("Line item aggregation failures"))
			Expect(notifier.sent[0].message).To(ContainSubstring("li-2"))
		})
	})

	Describe("override revert workflow", func() {
		anchoredEvent := func(value string, occurredAt int64) domain.Event {
			return domain.LineItemPropertyChanged("li-1", "deal-1", "price", value, occurredAt, &domain.LineItem{
				ID:          "li-1",
				DealID:      "deal-1",
				Name:        "Widget li-1",
				ERPItemID:   "sku-li-1",
				Quantity:    1,
				UnitCost:    10,
				Price:       20,
				AnchorPrice: floatPtr(150),
			})
		}

		BeforeEach(func() {
			dealWith(func(d *domain.DealSnapshot) { d.ContractID = anchorContract })
		})

		It("reverts a divergent price and continues the sync", func() {
			result, err := orch.LineItemPropertyChanged(ctx, anchoredEvent("99.99", now))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSuccess))

			Expect(crm.patches).To(Equal([]string{"li-1/price=150"}))
			Expect(erp.writeCount()).To(Equal(1))
		})

		It("suppresses the margin recompute echo that follows a revert", func() {
			_, err := orch.LineItemPropertyChanged(ctx, anchoredEvent("99.99", now))
			Expect(err).NotTo(HaveOccurred())

			echo := domain.LineItemPropertyChanged("li-1", "deal-1", "margin", "0.42", now+1, nil)
			result, err := orch.LineItemPropertyChanged(ctx, echo)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSkipped))
			Expect(result.Reason).To(Equal("override revert echo"))

			// Only the price-change sync reached the ERP.
			Expect(erp.writeCount()).To(Equal(1))
		})

		It("processes margin changes normally with no marker present", func() {
			marginOnly := domain.LineItemPropertyChanged("li-1", "deal-1", "margin", "0.42", now, nil)
			result, err := orch.LineItemPropertyChanged(ctx, marginOnly)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSuccess))
		})

		It("leaves matching prices untouched", func() {
			result, err := orch.LineItemPropertyChanged(ctx, anchoredEvent("150", now))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusSuccess))
			Expect(crm.patches).To(BeEmpty())
		})
	})

	Describe("invalid events", func() {
		It("rejects an event with no deal id", func() {
			_, err := orch.LineItemPropertyChanged(ctx, domain.Event{
				EntityKind: domain.EntityLineItem,
				ChangeKind: domain.ChangePropertyChanged,
				EntityID:   "li-1",
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("upstream fetch failure", func() {
		It("fails the run without touching the ERP", func() {
			crm.fetchDealFn = func(_ context.Context, _ string) (*domain.DealSnapshot, error) {
				return nil, errors.New("crm timeout")
			}

			result, err := orch.DealRepublished(ctx, "deal-1", now)
			Expect(err).To(HaveOccurred())
			Expect(result.Status).To(Equal(service.StatusFailed))
			Expect(erp.writeCount()).To(BeZero())
		})
	})
})

func floatPtr(v float64) *float64 { return &v }
