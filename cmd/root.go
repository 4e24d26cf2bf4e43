package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the commlog CLI.
func NewRootCommand(deps *EngineDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEngineDeps()
	}

	root := &cobra.Command{
		Use:   "commlog",
		Short: "Communication log classification engine",
		Long: `commlog classifies practice communication logs.

It turns raw communication log rows into canonical events with a
direction, channel, category, and outcome; flags machine-generated
messages and their campaigns; correlates patient replies; matches
messages against the template catalog; and maintains per-day metrics.

Runs are incremental and idempotent: each run processes the rows past
the stream watermark and commits everything in one transaction.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&deps.ConfigPath, "config", "", "Config file path (default ~/.commlog/config.yaml)")

	root.AddCommand(NewRunCommand(deps))
	root.AddCommand(NewReprocessCommand(deps))
	root.AddCommand(NewStatusCommand(deps))
	root.AddCommand(NewMetricsCommand(deps))
	root.AddCommand(NewTemplatesCommand(deps))

	return root
}
