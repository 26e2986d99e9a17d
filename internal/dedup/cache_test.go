package dedup_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/dedup"
	"dealbridge.app/sync/internal/domain"
	"dealbridge.app/sync/internal/kv"
)

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("store down")
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("store down")
}

var _ = Describe("Cache", func() {
	var (
		cache *dedup.Cache
		ctx   context.Context
	)

	cfg := config.DedupConfig{
		CreatedTTL:        time.Minute,
		PropertyChangeTTL: time.Minute,
	}

	event := func(occurredAt int64) domain.Event {
		return domain.DealPropertyChanged("deal-1", "stage", "qualified", occurredAt)
	}

	BeforeEach(func() {
		ctx = context.Background()
		cache = dedup.NewCache(kv.NewMemoryStore(), cfg, nil)
	})

	Describe("CheckAndReserve", func() {
		It("accepts the first event for a key", func() {
			Expect(cache.CheckAndReserve(ctx, dedup.Key("deal-1", "stage"), event(1000))).To(BeTrue())
		})

		It("rejects an event with the same timestamp as the stored one", func() {
			key := dedup.Key("deal-1", "stage")
			Expect(cache.CheckAndReserve(ctx, key, event(1000))).To(BeTrue())
			Expect(cache.CheckAndReserve(ctx, key, event(1000))).To(BeFalse())
		})

		It("rejects an older event", func() {
			key := dedup.Key("deal-1", "stage")
			Expect(cache.CheckAndReserve(ctx, key, event(2000))).To(BeTrue())
			Expect(cache.CheckAndReserve(ctx, key, event(1000))).To(BeFalse())
		})

		It("accepts a strictly newer event and supersedes the stored one", func() {
			key := dedup.Key("deal-1", "stage")
			Expect(cache.CheckAndReserve(ctx, key, event(1000))).To(BeTrue())
			Expect(cache.CheckAndReserve(ctx, key, event(2000))).To(BeTrue())

			// The newer event now owns the key.
			Expect(cache.CheckAndReserve(ctx, key, event(2000))).To(BeFalse())
		})

		It("keeps distinct fields of the same entity independent", func() {
			Expect(cache.CheckAndReserve(ctx, dedup.Key("deal-1", "stage"), event(1000))).To(BeTrue())

			amount := domain.DealPropertyChanged("deal-1", "amount", "500", 1000)
			Expect(cache.CheckAndReserve(ctx, dedup.Key("deal-1", "amount"), amount)).To(BeTrue())
		})

		It("accepts again after the entry expires", func() {
			shortLived := dedup.NewCache(kv.NewMemoryStore(), config.DedupConfig{
				CreatedTTL:        20 * time.Millisecond,
				PropertyChangeTTL: 20 * time.Millisecond,
			}, nil)

			key := dedup.Key("deal-1", "stage")
			Expect(shortLived.CheckAndReserve(ctx, key, event(1000))).To(BeTrue())
			Expect(shortLived.CheckAndReserve(ctx, key, event(1000))).To(BeFalse())

			time.Sleep(30 * time.Millisecond)
			Expect(shortLived.CheckAndReserve(ctx, key, event(1000))).To(BeTrue())
		})

		It("fails open when the backing store is unreachable", func() {
			broken := dedup.NewCache(failingStore{}, cfg, nil)
			Expect(broken.CheckAndReserve(ctx, dedup.Key("deal-1", "stage"), event(1000))).To(BeTrue())
			Expect(broken.CheckAndReserve(ctx, dedup.Key("deal-1", "stage"), event(1000))).To(BeTrue())
		})
	})
})
