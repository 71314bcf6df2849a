package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Phase-oriented workflow engine",
		Long:          "stagehand drives multi-phase workflows: workers run per phase, artifacts are validated against checkpoints, and gated phases wait for human approval.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "stagehand.yaml", "path to the workflow configuration")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", ".stagehand", "directory holding run state and artifacts")

	root.AddCommand(newInitCmd())
	root.AddCommand(newStartCmd(opts))
	root.AddCommand(newAdvanceCmd(opts))
	root.AddCommand(newApproveCmd(opts))
	root.AddCommand(newRejectCmd(opts))
	root.AddCommand(newResumeCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newMetricsCmd(opts))

	return root
}
