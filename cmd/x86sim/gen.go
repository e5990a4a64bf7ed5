package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86sim/feeder"
)

func newGenCmd() *cobra.Command {
	cfg := feeder.DefaultKernelConfig()
	var (
		outPath string
		disasm  bool
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write the synthetic kernel as a JSON-lines trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("failed to create trace: %w", err)
				}
				defer f.Close()
				out = f
			}

			if disasm {
				return writeDisasm(out, feeder.NewKernel(cfg))
			}

			return writeTrace(out, feeder.NewKernel(cfg))
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&disasm, "disasm", false, "Print the executed path as assembly instead")
	addKernelFlags(cmd, &cfg)

	return cmd
}

func writeTrace(w io.Writer, src feeder.Source) error {
	tw := feeder.NewTraceWriter(w)

	for {
		h, err := src.Next()
		if errors.Is(err, io.EOF) {
			return tw.Flush()
		}
		if err != nil {
			return err
		}

		if err := tw.Write(h); err != nil {
			return err
		}
	}
}

func writeDisasm(w io.Writer, src feeder.Source) error {
	for {
		h, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		text := "(bad)"
		if inst, err := x86asm.Decode(h.Code, 64); err == nil {
			text = x86asm.IntelSyntax(inst, h.PC, nil)
		}

		if _, err := fmt.Fprintf(w, "%#x\t% x\t%s\n", h.PC, []byte(h.Code), text); err != nil {
			return err
		}
	}
}
