package latency_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/timing/latency"
)

var _ = Describe("Latency", func() {
	var (
		table   *latency.Table
		decoder *insts.Decoder
	)

	BeforeEach(func() {
		table = latency.NewTable(latency.DefaultTimingConfig())
		decoder = insts.NewDecoder()
	})

	Describe("Default Timing Values", func() {
		It("should have correct ALU latency", func() {
			Expect(table.GetLatency(insts.ClassALU)).To(Equal(uint64(1)))
		})

		It("should have correct divide latency", func() {
			Expect(table.GetLatency(insts.ClassDiv)).To(Equal(uint64(20)))
		})

		It("should time NOPs in one cycle", func() {
			Expect(table.GetLatency(insts.ClassNop)).To(Equal(uint64(1)))
		})

		It("should validate", func() {
			Expect(latency.DefaultTimingConfig().Validate()).To(Succeed())
		})
	})

	Describe("Uop class latencies", func() {
		It("should return the ALU latency for a register add", func() {
			// add ebx, eax
			inst, err := decoder.Decode(0, []byte{0x01, 0xc3})
			Expect(err).NotTo(HaveOccurred())
			Expect(table.GetLatency(inst.Flow[0].Class)).To(Equal(uint64(1)))
		})

		It("should return the multiply latency for MUL", func() {
			// mul rcx -> 48 f7 e1
			inst, err := decoder.Decode(0, []byte{0x48, 0xf7, 0xe1})
			Expect(err).NotTo(HaveOccurred())
			Expect(table.GetLatency(inst.Flow[0].Class)).To(Equal(uint64(3)))
		})

		It("should return the divide latency for DIV", func() {
			// div rcx -> 48 f7 f1
			inst, err := decoder.Decode(0, []byte{0x48, 0xf7, 0xf1})
			Expect(err).NotTo(HaveOccurred())
			Expect(table.GetLatency(inst.Flow[0].Class)).To(Equal(uint64(20)))
		})

		It("should fall back to one cycle for unknown classes", func() {
			Expect(table.GetLatency(insts.NumClasses + 3)).To(Equal(uint64(1)))
		})
	})

	Describe("Custom config", func() {
		It("should use the configured latencies", func() {
			config := latency.DefaultTimingConfig()
			config.FPLatency = 6
			table = latency.NewTable(config)

			Expect(table.GetLatency(insts.ClassFP)).To(Equal(uint64(6)))
		})

		It("should reject zero latencies", func() {
			config := latency.DefaultTimingConfig()
			config.BranchLatency = 0
			Expect(config.Validate()).To(MatchError(ContainSubstring("branch_latency")))
		})

		It("should clone independently", func() {
			config := latency.DefaultTimingConfig()
			clone := config.Clone()
			clone.ALULatency = 9
			Expect(config.ALULatency).To(Equal(uint64(1)))
		})
	})

	Describe("Config files", func() {
		var dir string

		BeforeEach(func() {
			var err error
			dir, err = os.MkdirTemp("", "latency")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)
		})

		It("should round trip through a file", func() {
			path := filepath.Join(dir, "timing.json")
			config := latency.DefaultTimingConfig()
			config.MultiplyLatency = 5
			Expect(config.SaveConfig(path)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.MultiplyLatency).To(Equal(uint64(5)))
		})

		It("should keep defaults for missing fields", func() {
			path := filepath.Join(dir, "partial.json")
			Expect(os.WriteFile(path, []byte(`{"fp_latency": 7}`), 0644)).To(Succeed())

			loaded, err := latency.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.FPLatency).To(Equal(uint64(7)))
			Expect(loaded.ALULatency).To(Equal(uint64(1)))
		})

		It("should reject zero latencies in a file", func() {
			path := filepath.Join(dir, "zero.json")
			Expect(os.WriteFile(path, []byte(`{"divide_latency": 0}`), 0644)).To(Succeed())

			_, err := latency.LoadConfig(path)
			Expect(err).To(MatchError(ContainSubstring("divide_latency must be > 0")))
		})

		It("should wrap read errors", func() {
			_, err := latency.LoadConfig(filepath.Join(dir, "missing.json"))
			Expect(err).To(MatchError(ContainSubstring("failed to read timing config file")))
		})
	})
})
