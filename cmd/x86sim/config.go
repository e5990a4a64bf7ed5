package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/timing/config"
)

func newConfigCmd() *cobra.Command {
	var (
		outPath        string
		checkPath      string
		latencyOutPath string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the default core configuration or check a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkPath != "" {
				if _, err := config.LoadConfig(checkPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", checkPath)
				return nil
			}

			knobs := config.DefaultKnobs()
			if latencyOutPath != "" {
				return knobs.Exec.Latency.SaveConfig(latencyOutPath)
			}
			if outPath != "" {
				return knobs.SaveConfig(outPath)
			}

			data, err := json.MarshalIndent(knobs, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the defaults to a file")
	cmd.Flags().StringVar(&checkPath, "check", "", "Validate a configuration file")
	cmd.Flags().StringVar(&latencyOutPath, "latency-out", "", "Write the default uop latency table to a file")

	return cmd
}
