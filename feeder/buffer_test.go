package feeder_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/feeder"
)

var _ = Describe("Buffer", func() {
	var (
		ctx context.Context
		buf *feeder.Buffer
	)

	BeforeEach(func() {
		ctx = context.Background()
		buf = feeder.NewBuffer(2)
	})

	It("should be empty but not exhausted while open", func() {
		_, ok := buf.Peek()
		Expect(ok).To(BeFalse())
		Expect(buf.Exhausted()).To(BeFalse())
		Expect(buf.Len()).To(BeZero())
	})

	It("should return handshakes in order", func() {
		Expect(buf.Push(ctx, feeder.Handshake{PC: 1})).To(Succeed())
		Expect(buf.Push(ctx, feeder.Handshake{PC: 2})).To(Succeed())
		Expect(buf.Len()).To(Equal(2))

		h, ok := buf.Peek()
		Expect(ok).To(BeTrue())
		Expect(h.PC).To(Equal(uint64(1)))

		h, _ = buf.Peek()
		Expect(h.PC).To(Equal(uint64(1)))

		buf.Pop()
		h, _ = buf.Peek()
		Expect(h.PC).To(Equal(uint64(2)))
	})

	It("should be exhausted after the last handshake is consumed", func() {
		Expect(buf.Push(ctx, feeder.Handshake{PC: 1})).To(Succeed())
		buf.Close()

		Expect(buf.Exhausted()).To(BeFalse())
		_, ok := buf.Peek()
		Expect(ok).To(BeTrue())
		buf.Pop()

		Expect(buf.Exhausted()).To(BeTrue())
	})

	It("should stop a blocked producer on cancellation", func() {
		Expect(buf.Push(ctx, feeder.Handshake{})).To(Succeed())
		Expect(buf.Push(ctx, feeder.Handshake{})).To(Succeed())

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		Expect(buf.Push(cctx, feeder.Handshake{})).To(MatchError(context.Canceled))
	})

	It("should wake a waiting consumer", func() {
		go func() {
			defer GinkgoRecover()
			time.Sleep(10 * time.Millisecond)
			Expect(buf.Push(ctx, feeder.Handshake{PC: 7})).To(Succeed())
		}()

		Expect(buf.Wait(ctx)).To(Succeed())
		h, ok := buf.Peek()
		Expect(ok).To(BeTrue())
		Expect(h.PC).To(Equal(uint64(7)))
	})

	It("should return from Wait when the stream ends", func() {
		buf.Close()

		Expect(buf.Wait(ctx)).To(Succeed())
		Expect(buf.Exhausted()).To(BeTrue())
	})

	It("should return from Wait on cancellation", func() {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		Expect(buf.Wait(cctx)).To(MatchError(context.DeadlineExceeded))
	})
})
