package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/x86sim/feeder"
	"github.com/sarchlab/x86sim/loader"
	"github.com/sarchlab/x86sim/timing/config"
	"github.com/sarchlab/x86sim/timing/core"
	"github.com/sarchlab/x86sim/timing/latency"
	"github.com/sarchlab/x86sim/timing/stats"
)

type runOptions struct {
	configPath  string
	latencyPath string
	elfPath     string
	maxCycles   uint64
	logLevel   string
	cores      int
	bufferSize int
	topInsts   int
	kernel     feeder.KernelConfig
}

func newRunCmd() *cobra.Command {
	opts := runOptions{kernel: feeder.DefaultKernelConfig()}

	cmd := &cobra.Command{
		Use:   "run [trace.jsonl ...]",
		Short: "Simulate one core per trace, or the synthetic kernel without traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Path to core configuration JSON file")
	f.StringVar(&opts.latencyPath, "latency", "", "Path to a uop latency table JSON file")
	f.Uint64Var(&opts.maxCycles, "max-cycles", 0, "Stop each core after this many cycles (0 for no limit)")
	f.StringVar(&opts.elfPath, "elf", "", "x86-64 executable the traces were recorded from")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.IntVar(&opts.cores, "cores", 1, "Number of cores running the synthetic kernel")
	f.IntVar(&opts.bufferSize, "buffer", 1024, "Handshake buffer capacity per core")
	f.IntVar(&opts.topInsts, "top", 10, "Instruction mix entries to report per core")
	addKernelFlags(cmd, &opts.kernel)

	return cmd
}

func addKernelFlags(cmd *cobra.Command, cfg *feeder.KernelConfig) {
	f := cmd.Flags()
	f.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Synthetic kernel outer iterations")
	f.IntVar(&cfg.InnerTrips, "inner-trips", cfg.InnerTrips, "Synthetic kernel inner loop trips")
	f.IntVar(&cfg.RepCount, "rep-count", cfg.RepCount, "Synthetic kernel REP MOVSB byte count")
	f.BoolVar(&cfg.Serialize, "serialize", cfg.Serialize, "Insert a CPUID per outer iteration")
	f.BoolVar(&cfg.Syscall, "syscall", cfg.Syscall, "Insert a SYSCALL per outer iteration")
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func loadKnobs(path, latencyPath string) (*config.Knobs, error) {
	knobs := config.DefaultKnobs()
	if path != "" {
		var err error
		if knobs, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	if latencyPath == "" {
		return knobs, nil
	}

	timing, err := latency.LoadConfig(latencyPath)
	if err != nil {
		return nil, err
	}
	knobs.Exec.Latency = timing

	return knobs, nil
}

// source opens the handshake stream of one core.
type source struct {
	feeder.Source
	close func() error
}

func openSources(opts runOptions, traces []string) ([]source, error) {
	if len(traces) == 0 {
		if opts.cores <= 0 {
			return nil, fmt.Errorf("--cores must be > 0, got %d", opts.cores)
		}

		srcs := make([]source, opts.cores)
		for i := range srcs {
			srcs[i] = source{Source: feeder.NewKernel(opts.kernel), close: func() error { return nil }}
		}
		return srcs, nil
	}

	srcs := make([]source, 0, len(traces))
	for _, path := range traces {
		f, err := os.Open(path)
		if err != nil {
			for _, s := range srcs {
				_ = s.close()
			}
			return nil, fmt.Errorf("failed to open trace: %w", err)
		}
		srcs = append(srcs, source{Source: feeder.NewTraceReader(f), close: f.Close})
	}

	return srcs, nil
}

func runSim(ctx context.Context, out io.Writer, opts runOptions, traces []string) error {
	logger, err := newLogger(os.Stderr, opts.logLevel)
	if err != nil {
		return err
	}

	knobs, err := loadKnobs(opts.configPath, opts.latencyPath)
	if err != nil {
		return err
	}

	coreOpts := []core.Option{core.WithLogger(logger), core.WithMaxCycles(opts.maxCycles)}
	if opts.elfPath != "" {
		prog, err := loader.Load(opts.elfPath)
		if err != nil {
			return err
		}
		coreOpts = append(coreOpts, core.WithCodeImage(loader.NewImage(prog)))
	}

	srcs, err := openSources(opts, traces)
	if err != nil {
		return err
	}

	reg := stats.NewRegistry()
	cores := make([]*core.Core, len(srcs))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		buf := feeder.NewBuffer(opts.bufferSize)
		c := core.NewCore(knobs.Clone(), buf, append([]core.Option{core.WithID(i)}, coreOpts...)...)
		c.RegisterStats(reg)
		cores[i] = c

		// A core that stops early releases its producer.
		pctx, stop := context.WithCancel(gctx)
		g.Go(func() error {
			defer src.close()

			n, err := feeder.Produce(pctx, src, buf)
			logger.Debug("producer done", "core", i, "handshakes", n)
			if errors.Is(err, context.Canceled) && gctx.Err() == nil {
				return nil
			}
			return err
		})
		g.Go(func() error {
			defer stop()

			err := c.Run(gctx)
			if errors.Is(err, core.ErrCycleLimit) {
				logger.Info("cycle limit reached", "core", i, "cycles", c.Cycle())
				return nil
			}
			return err
		})
	}

	err = g.Wait()

	for _, c := range cores {
		s := c.Stats()
		logger.Info("core finished",
			"core", c.ID(),
			"cycles", s.Cycles,
			"insns", s.Instructions,
			"ipc", fmt.Sprintf("%.3f", s.IPC()),
			"recoveries", s.Recoveries,
			"flushes", s.Flushes)
	}

	reg.Render(out)
	for _, c := range cores {
		if opts.topInsts > 0 {
			fmt.Fprintf(out, "\nc%d instruction mix\n", c.ID())
			c.Oracle.Histogram().Render(out, opts.topInsts)
		}
	}

	if errors.Is(err, core.ErrDeadlock) {
		logger.Warn("simulation deadlocked", "err", err)
	}

	return err
}
