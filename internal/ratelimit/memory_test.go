package ratelimit_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"chainpulse.dev/pulse/internal/ratelimit"
)

var _ = Describe("MemoryCounter", func() {
	var (
		ctx     context.Context
		counter *ratelimit.MemoryCounter
		now     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		counter = ratelimit.NewMemoryCounter()
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		counter.Now = func() time.Time { return now }
	})

	Describe("Increment", func() {
		It("allows up to the limit and rejects the next call", func() {
			for i := 0; i < 10; i++ {
				res, err := counter.Increment(ctx, "k", 1, time.Hour, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Allowed).To(BeTrue())
				Expect(res.Current).To(Equal(int64(i + 1)))
			}

			res, err := counter.Increment(ctx, "k", 1, time.Hour, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())
			Expect(res.Current).To(Equal(int64(10)))
			Expect(res.Remaining).To(Equal(int64(0)))
			Expect(res.RetryAfter).To(BeNumerically(">", 0))
		})

		It("does not apply the increment on a denied call", func() {
			_, err := counter.Increment(ctx, "k", 5, time.Hour, 5)
			Expect(err).NotTo(HaveOccurred())

			res, err := counter.Increment(ctx, "k", 1, time.Hour, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())

			peek, err := counter.Peek(ctx, "k", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(peek.Current).To(Equal(int64(5)))
		})

		It("always allows when no limit is given", func() {
			for i := 0; i < 100; i++ {
				res, err := counter.Increment(ctx, "k", 1, time.Hour, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Allowed).To(BeTrue())
			}

			peek, err := counter.Peek(ctx, "k", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(peek.Current).To(Equal(int64(100)))
		})

		It("tracks keys independently", func() {
			_, err := counter.Increment(ctx, "a", 3, time.Hour, 3)
			Expect(err).NotTo(HaveOccurred())

			res, err := counter.Increment(ctx, "b", 1, time.Hour, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(res.Current).To(Equal(int64(1)))
		})

		It("ages counts out gradually as buckets expire", func() {
			window := time.Hour

			// Fill three different one-minute buckets.
			for i := 0; i < 3; i++ {
				_, err := counter.Increment(ctx, "k", 1, window, 3)
				Expect(err).NotTo(HaveOccurred())
				now = now.Add(time.Minute)
			}

			res, err := counter.Increment(ctx, "k", 1, window, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())

			// Advance until the two oldest buckets leave the window.
			// Slots free up bucket by bucket, not all at once.
			now = now.Add(58 * time.Minute)
			res, err = counter.Increment(ctx, "k", 1, window, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(res.Current).To(Equal(int64(2)))
		})

		It("expires sub-minute windows on time", func() {
			// 30s window: one-second buckets, 30 of them. The count must
			// be gone 45s later, not held for a full minute.
			_, err := counter.Increment(ctx, "k", 1, 30*time.Second, 0)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(15 * time.Second)
			res, err := counter.Peek(ctx, "k", 30*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Current).To(Equal(int64(1)))

			now = now.Add(30 * time.Second)
			res, err = counter.Peek(ctx, "k", 30*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Current).To(Equal(int64(0)))
		})

		It("reports the retry delay from when the oldest bucket leaves the window", func() {
			_, err := counter.Increment(ctx, "k", 3, time.Hour, 3)
			Expect(err).NotTo(HaveOccurred())

			res, err := counter.Increment(ctx, "k", 1, time.Hour, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())
			Expect(res.RetryAfter).To(Equal(time.Hour))

			now = now.Add(45 * time.Minute)
			res, err = counter.Increment(ctx, "k", 1, time.Hour, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())
			Expect(res.RetryAfter).To(Equal(15 * time.Minute))
		})

		It("recovers fully after the whole window passes", func() {
			_, err := counter.Increment(ctx, "k", 5, time.Hour, 5)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(time.Hour + time.Minute)
			res, err := counter.Increment(ctx, "k", 1, time.Hour, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(res.Current).To(Equal(int64(1)))
		})
	})

	Describe("Peek", func() {
		It("reports zero for an unknown key", func() {
			res, err := counter.Peek(ctx, "missing", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(res.Current).To(Equal(int64(0)))
		})
	})
})
