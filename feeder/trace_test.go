package feeder_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/feeder"
)

var _ = Describe("Trace", func() {
	It("should write one hex-coded record per line", func() {
		var out bytes.Buffer
		w := feeder.NewTraceWriter(&out)

		Expect(w.Write(feeder.Handshake{
			PC: 0x401000, NPC: 0x401002, TPC: 0x401002,
			Code: feeder.Code{0x01, 0xc3},
		})).To(Succeed())
		Expect(w.Flush()).To(Succeed())

		Expect(out.String()).To(ContainSubstring(`"code":"01c3"`))
		Expect(strings.Count(out.String(), "\n")).To(Equal(1))
	})

	It("should read records back", func() {
		in := `{"pc":4198400,"npc":4198402,"tpc":4198402,"code":"01c3","first":true}
{"pc":4198402,"npc":4198400,"tpc":4198400,"taken":true,"code":"ebfc","mem":[{"addr":16,"size":8}]}
`
		r := feeder.NewTraceReader(strings.NewReader(in))

		h, err := r.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(h.PC).To(Equal(uint64(0x401000)))
		Expect(h.FirstInsn).To(BeTrue())
		Expect([]byte(h.Code)).To(Equal([]byte{0x01, 0xc3}))

		h, err = r.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Taken).To(BeTrue())
		Expect(h.Mem).To(ConsistOf(feeder.MemAccess{Addr: 16, Size: 8}))

		_, err = r.Next()
		Expect(err).To(MatchError(io.EOF))
	})

	It("should report the failing record", func() {
		r := feeder.NewTraceReader(strings.NewReader(`{"pc":1,"code":"zz"}`))

		_, err := r.Next()
		Expect(err).To(MatchError(ContainSubstring("record 1")))
	})

	It("should reject records without instruction bytes", func() {
		r := feeder.NewTraceReader(strings.NewReader(`{"pc":1,"code":""}`))

		_, err := r.Next()
		Expect(err).To(MatchError(ContainSubstring("no instruction bytes")))
	})

	Describe("Produce", func() {
		It("should copy a source into a buffer and close it", func() {
			src := feeder.NewKernel(feeder.KernelConfig{
				Iterations: 1, InnerTrips: 1, RepCount: 1, Base: 0x1000,
			})
			buf := feeder.NewBuffer(64)

			n, err := feeder.Produce(context.Background(), src, buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(buf.Len()))

			for i := 0; i < n; i++ {
				_, ok := buf.Peek()
				Expect(ok).To(BeTrue())
				buf.Pop()
			}
			Expect(buf.Exhausted()).To(BeTrue())
		})

		It("should stop at a kill record", func() {
			var trace bytes.Buffer
			w := feeder.NewTraceWriter(&trace)
			Expect(w.Write(feeder.Handshake{Code: feeder.Code{0x90}})).To(Succeed())
			Expect(w.Write(feeder.Handshake{Code: feeder.Code{0x90}, KillThread: true})).To(Succeed())
			Expect(w.Write(feeder.Handshake{Code: feeder.Code{0x90}})).To(Succeed())
			Expect(w.Flush()).To(Succeed())

			buf := feeder.NewBuffer(8)
			n, err := feeder.Produce(context.Background(), feeder.NewTraceReader(&trace), buf)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("should pass source errors through", func() {
			buf := feeder.NewBuffer(8)
			_, err := feeder.Produce(context.Background(), failingSource{}, buf)

			Expect(errors.Is(err, errBroken)).To(BeTrue())
			Expect(buf.Exhausted()).To(BeTrue())
		})
	})
})

var errBroken = errors.New("broken source")

type failingSource struct{}

func (failingSource) Next() (feeder.Handshake, error) {
	return feeder.Handshake{}, errBroken
}
