package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/practicepulse/commlog-engine/pkg/pipeline"
)

// NewRunCommand creates the 'run' command: one incremental pipeline run.
func NewRunCommand(deps *EngineDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEngineDeps()
	}

	var (
		dryRun bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process new communication log rows",
		Long: `Process raw communication log rows past the stream watermark.

A run acquires the stream lock, reads rows newer than the watermark,
normalizes and classifies them, detects automation, correlates replies,
matches templates, and commits all derived output in one transaction.
The watermark advances only when the transaction commits, so an
interrupted run leaves the previous state intact and the next run
retries the same window.

Only one run may hold the stream lock at a time; a second concurrent
run fails fast instead of waiting.

Examples:
  # Process everything past the watermark
  commlog run

  # Classify without writing anything
  commlog run --dry-run

  # Machine-readable run summary
  commlog run --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, store, closeStore, err := deps.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			locker := pipeline.Locker(pipeline.NoopLocker{})
			if !dryRun {
				locker = deps.NewLocker(cfg, logger)
			}

			p := pipeline.New(store, locker, cfg.Pipeline, logger).
				WithMetrics(engineMetrics())
			result, err := p.Run(ctx, dryRun)
			if err != nil {
				return err
			}
			return printResult(cmd, result, output)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Classify without writing or advancing the watermark")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")

	return cmd
}

func printResult(cmd *cobra.Command, r *pipeline.Result, output string) error {
	if output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	w := cmd.OutOrStdout()
	if r.DryRun {
		fmt.Fprintln(w, "dry run: nothing written")
	}
	fmt.Fprintf(w, "stream:     %s\n", r.Stream)
	fmt.Fprintf(w, "window:     %s .. %s\n", r.From.Format("2006-01-02 15:04:05"), r.To.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "rows read:  %d (%d skipped)\n", r.RowsRead, r.RowsSkipped)
	fmt.Fprintf(w, "events:     %d\n", r.Events)
	fmt.Fprintf(w, "flags:      %d (%d automated)\n", r.Flags, r.Automated)
	fmt.Fprintf(w, "matches:    %d\n", r.Matches)
	fmt.Fprintf(w, "buckets:    %d\n", r.Buckets)
	fmt.Fprintf(w, "replies:    %d backfilled\n", r.ReplyUpdates)
	fmt.Fprintf(w, "duration:   %s\n", r.Duration)
	return nil
}
