// Package main provides the x86sim command line.
// x86sim drives cycle-level x86 cores from instruction traces or from a
// built-in synthetic kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "x86sim",
		Short: "Cycle-level x86 core simulator",
		Long: `x86sim replays functional instruction traces through a cycle-level
model of an x86 core and reports pipeline statistics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newRunCmd(), newGenCmd(), newConfigCmd())

	return root
}
