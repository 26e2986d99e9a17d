package resilience_test

import (
	"context"
	"errors"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/resilience"
)

// fastPolicy keeps retry delays negligible so specs stay quick.
func fastPolicy(maxRetries int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

var _ = Describe("Executor", func() {
	var (
		exec *resilience.Executor
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		exec = resilience.NewExecutor(config.BreakerConfig{
			FailureThreshold: 3,
			CoolDown:         50 * time.Millisecond,
		}, nil)
	})

	Describe("Execute", func() {
		It("returns immediately on success", func() {
			calls := 0
			err := exec.Execute(ctx, "svc", fastPolicy(3), func(_ context.Context) error {
				calls++
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("retries transient failures until success", func() {
			calls := 0
			err := exec.Execute(ctx, "svc", fastPolicy(3), func(_ context.Context) error {
				calls++
				if calls < 3 {
					return &resilience.HTTPError{StatusCode: 503}
				}
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(3))
		})

		It("does not retry permanent failures", func() {
			calls := 0
			err := exec.Execute(ctx, "svc", fastPolicy(3), func(_ context.Context) error {
				calls++
				return &resilience.HTTPError{StatusCode: 400, Body: "bad payload"}
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("stops after max retries are exhausted", func() {
			calls := 0
			err := exec.Execute(ctx, "svc", fastPolicy(2), func(_ context.Context) error {
				calls++
				return &resilience.HTTPError{StatusCode: 500}
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(3))
		})

		It("honors a custom retryable predicate", func() {
			policy := fastPolicy(3)
			policy.Retryable = func(error) bool { return false }

			calls := 0
			err := exec.Execute(ctx, "svc", policy, func(_ context.Context) error {
				calls++
				return &resilience.HTTPError{StatusCode: 500}
			})
			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("applies the per-call timeout to each attempt", func() {
			policy := fastPolicy(0)
			policy.PerCallTimeout = 10 * time.Millisecond

			var sawDeadline bool
			err := exec.Execute(ctx, "svc", policy, func(callCtx context.Context) error {
				_, sawDeadline = callCtx.Deadline()
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sawDeadline).To(BeTrue())
		})
	})

	Describe("circuit breaking", func() {
		failOnce := func(service string) error {
			return exec.Execute(ctx, service, fastPolicy(0), func(_ context.Context) error {
				return errors.New("downstream broken")
			})
		}

		It("opens after the consecutive failure threshold", func() {
			for range 3 {
				Expect(failOnce("erp")).To(HaveOccurred())
			}
			Expect(exec.State("erp")).To(Equal(gobreaker.StateOpen))

			calls := 0
			err := exec.Execute(ctx, "erp", fastPolicy(3), func(_ context.Context) error {
				calls++
				return nil
			})
			Expect(err).To(MatchError(gobreaker.ErrOpenState))
			Expect(calls).To(BeZero())
		})

		It("recovers through a half-open probe after the cooldown", func() {
			for range 3 {
				Expect(failOnce("erp")).To(HaveOccurred())
			}
			Expect(exec.State("erp")).To(Equal(gobreaker.StateOpen))

			time.Sleep(70 * time.Millisecond)

			err := exec.Execute(ctx, "erp", fastPolicy(0), func(_ context.Context) error {
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(exec.State("erp")).To(Equal(gobreaker.StateClosed))
		})

		It("keeps breakers independent per service", func() {
			for range 3 {
				Expect(failOnce("erp")).To(HaveOccurred())
			}
			Expect(exec.State("erp")).To(Equal(gobreaker.StateOpen))
			Expect(exec.State("crm")).To(Equal(gobreaker.StateClosed))

			err := exec.Execute(ctx, "crm", fastPolicy(0), func(_ context.Context) error {
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Call", func() {
		It("returns the typed result", func() {
			out, err := resilience.Call(ctx, exec, "svc", fastPolicy(0), func(_ context.Context) (string, error) {
				return "payload", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("payload"))
		})
	})
})

var _ = Describe("DefaultRetryable", func() {
	DescribeTable("classification",
		func(err error, want bool) {
			Expect(resilience.DefaultRetryable(err)).To(Equal(want))
		},
		Entry("nil", nil, false),
		Entry("500", &resilience.HTTPError{StatusCode: 500}, true),
		Entry("503", &resilience.HTTPError{StatusCode: 503}, true),
		Entry("429", &resilience.HTTPError{StatusCode: 429}, true),
		Entry("408", &resilience.HTTPError{StatusCode: 408}, true),
		Entry("404", &resilience.HTTPError{StatusCode: 404}, false),
		Entry("400", &resilience.HTTPError{StatusCode: 400}, false),
		Entry("deadline exceeded", context.DeadlineExceeded, true),
		Entry("unexpected EOF", io.ErrUnexpectedEOF, true),
		Entry("plain error", errors.New("boom"), false),
	)
})
