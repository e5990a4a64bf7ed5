package feeder_test

import (
	"errors"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/feeder"
	"github.com/sarchlab/x86sim/insts"
)

func drain(src feeder.Source) []feeder.Handshake {
	var out []feeder.Handshake
	for {
		h, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		Expect(err).NotTo(HaveOccurred())
		out = append(out, h)
	}
}

var _ = Describe("Kernel", func() {
	var cfg feeder.KernelConfig

	BeforeEach(func() {
		cfg = feeder.KernelConfig{
			Iterations: 2,
			InnerTrips: 3,
			RepCount:   2,
			Base:       0x401000,
		}
	})

	It("should produce a connected path", func() {
		records := drain(feeder.NewKernel(cfg))

		// 7 per inner trip, the REP iterations, call, push, pop, ret, jmp.
		Expect(records).To(HaveLen(2 * (3*7 + 2 + 5)))
		Expect(records[0].FirstInsn).To(BeTrue())
		Expect(records[0].PC).To(Equal(cfg.Base))

		for i := 1; i < len(records); i++ {
			Expect(records[i].PC).To(Equal(records[i-1].NPC), "record %d", i)
			Expect(records[i].FirstInsn).To(BeFalse())
		}
	})

	It("should emit decodable instructions", func() {
		d := insts.NewDecoder()

		for _, h := range drain(feeder.NewKernel(cfg)) {
			Expect(h.Validate()).To(Succeed())

			inst, err := d.Decode(h.PC, h.Code)
			Expect(err).NotTo(HaveOccurred(), "pc %#x", h.PC)
			Expect(inst.Len).To(Equal(len(h.Code)))

			if h.Taken && inst.TargetKnown {
				Expect(inst.Target).To(Equal(h.TPC), "pc %#x", h.PC)
			}
		}
	})

	It("should repeat the REP handshake per iteration", func() {
		records := drain(feeder.NewKernel(cfg))
		rep := records[21]

		Expect(rep.NPC).To(Equal(rep.PC))
		Expect(records[22].PC).To(Equal(rep.PC))
		Expect(records[22].NPC).NotTo(Equal(rep.PC))
		Expect(rep.Mem).To(HaveLen(2))
	})

	It("should emit a single REP handshake for a zero count", func() {
		cfg.RepCount = 0
		records := drain(feeder.NewKernel(cfg))

		Expect(records).To(HaveLen(2 * (3*7 + 1 + 5)))
		Expect(records[21].Mem).To(BeEmpty())
	})

	It("should insert serializing and trapping instructions", func() {
		cfg.Serialize = true
		cfg.Syscall = true
		d := insts.NewDecoder()

		var serialize, traps int
		for _, h := range drain(feeder.NewKernel(cfg)) {
			inst, err := d.Decode(h.PC, h.Code)
			Expect(err).NotTo(HaveOccurred())
			if inst.Flags.Serialize {
				serialize++
			}
			if inst.Flags.Trap {
				traps++
			}
		}

		Expect(serialize).To(Equal(2))
		Expect(traps).To(Equal(2))
	})
})
