package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewMetricsCommand creates the 'metrics' command: query aggregated buckets.
func NewMetricsCommand(deps *EngineDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEngineDeps()
	}

	var (
		fromStr string
		toStr   string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregated communication metrics",
		Long: `Show the per-day communication metric buckets for a date range.

Buckets are grouped by date, user, type code, direction, and category.
Without --from, the last 7 days are shown.

Examples:
  commlog metrics
  commlog metrics --from 2025-06-01 --to 2025-06-30
  commlog metrics --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			to := time.Now()
			from := to.AddDate(0, 0, -7)
			var err error
			if fromStr != "" {
				if from, err = parseWindowTime(fromStr); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			if toStr != "" {
				if to, err = parseWindowTime(toStr); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}

			ctx := cmd.Context()
			_, _, store, closeStore, err := deps.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			buckets, err := store.ListMetrics(ctx, from, to)
			if err != nil {
				return fmt.Errorf("failed to read metrics: %w", err)
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(buckets)
			}

			w := cmd.OutOrStdout()
			if len(buckets) == 0 {
				fmt.Fprintln(w, "no metrics in range")
				return nil
			}
			fmt.Fprintf(w, "%-12s %6s %5s %-9s %-12s %6s %6s %6s %8s\n",
				"DATE", "USER", "TYPE", "DIR", "CATEGORY", "TOTAL", "OK", "FAIL", "RESP")
			for _, b := range buckets {
				fmt.Fprintf(w, "%-12s %6d %5d %-9s %-12s %6d %6d %6d %8s\n",
					b.Date, b.UserID, b.TypeCode, b.Direction, b.Category,
					b.TotalCount, b.SuccessfulCount, b.FailedCount, formatRate(b.ResponseRate))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromStr, "from", "", "Range start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "Range end date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}

func formatRate(r *float64) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *r*100)
}
