package lineitem_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dealbridge.app/sync/internal/kv"
	"dealbridge.app/sync/internal/lineitem"
)

const anchorContract = "contract-epp"

type mockPatcher struct {
	patchFn func(ctx context.Context, lineItemID, field, value string) error
	patches []patchCall
}

type patchCall struct {
	lineItemID string
	field      string
	value      string
}

func (m *mockPatcher) PatchLineItemProperty(ctx context.Context, lineItemID, field, value string) error {
	m.patches = append(m.patches, patchCall{lineItemID, field, value})
	if m.patchFn != nil {
		return m.patchFn(ctx, lineItemID, field, value)
	}
	return nil
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) Delete(context.Context, string) error {
	return errors.New("store down")
}

func floatPtr(v float64) *float64 { return &v }

var _ = Describe("Guard", func() {
	var (
		guard   *lineitem.Guard
		patcher *mockPatcher
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		patcher = &mockPatcher{}
		guard = lineitem.NewGuard(kv.NewMemoryStore(), patcher, anchorContract, time.Minute, nil)
	})

	Describe("HandlePriceChange", func() {
		It("reverts a divergent price to the anchor", func() {
			reverted, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "99.99", floatPtr(150))
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted).To(BeTrue())

			Expect(patcher.patches).To(HaveLen(1))
			Expect(patcher.patches[0].lineItemID).To(Equal("li-1"))
			Expect(patcher.patches[0].field).To(Equal("price"))
			Expect(patcher.patches[0].value).To(Equal("150"))
		})

		It("does nothing for deals on other contracts", func() {
			reverted, err := guard.HandlePriceChange(ctx, "contract-other", "li-1", "price", "99.99", floatPtr(150))
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted).To(BeFalse())
			Expect(patcher.patches).To(BeEmpty())
		})

		It("does nothing when the item carries no anchor price", func() {
			reverted, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "99.99", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted).To(BeFalse())
			Expect(patcher.patches).To(BeEmpty())
		})

		It("does nothing when the new price already equals the anchor", func() {
			reverted, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "150", floatPtr(150))
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted).To(BeFalse())
			Expect(patcher.patches).To(BeEmpty())
		})

		It("errors on an unparseable price value", func() {
			_, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "not-a-number", floatPtr(150))
			Expect(err).To(HaveOccurred())
			Expect(patcher.patches).To(BeEmpty())
		})

		It("propagates a failed revert write", func() {
			patcher.patchFn = func(context.Context, string, string, string) error {
				return errors.New("crm rejected patch")
			}
			reverted, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "99.99", floatPtr(150))
			Expect(err).To(MatchError(ContainSubstring("crm rejected patch")))
			Expect(reverted).To(BeFalse())
		})
	})

	Describe("ShouldSuppressMarginChange", func() {
		It("suppresses a margin change that follows a revert", func() {
			_, err := guard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "99.99", floatPtr(150))
			Expect(err).NotTo(HaveOccurred())

			Expect(guard.ShouldSuppressMarginChange(ctx, "li-1")).To(BeTrue())
			Expect(guard.ShouldSuppressMarginChange(ctx, "li-2")).To(BeFalse())
		})

		It("processes the same change normally after the marker expires", func() {
			shortGuard := lineitem.NewGuard(kv.NewMemoryStore(), patcher, anchorContract, 20*time.Millisecond, nil)

			_, err := shortGuard.HandlePriceChange(ctx, anchorContract, "li-1", "price", "99.99", floatPtr(150))
			Expect(err).NotTo(HaveOccurred())
			Expect(shortGuard.ShouldSuppressMarginChange(ctx, "li-1")).To(BeTrue())

			time.Sleep(30 * time.Millisecond)
			Expect(shortGuard.ShouldSuppressMarginChange(ctx, "li-1")).To(BeFalse())
		})

		It("fails open to processing when the marker store is down", func() {
			broken := lineitem.NewGuard(brokenStore{}, patcher, anchorContract, time.Minute, nil)
			Expect(broken.ShouldSuppressMarginChange(ctx, "li-1")).To(BeFalse())
		})
	})
})
