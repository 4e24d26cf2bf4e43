package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the 'status' command: show stream watermarks.
func NewStatusCommand(deps *EngineDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEngineDeps()
	}

	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stream watermarks and processing lag",
		Long: `Show each stream's watermark and how far it lags behind now.

A stream with no watermark has never been processed.

Examples:
  commlog status
  commlog status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, store, closeStore, err := deps.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			watermarks, err := store.Watermarks(ctx)
			if err != nil {
				return fmt.Errorf("failed to read watermarks: %w", err)
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(watermarks)
			}

			if len(watermarks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no streams processed yet")
				return nil
			}

			streams := make([]string, 0, len(watermarks))
			for s := range watermarks {
				streams = append(streams, s)
			}
			sort.Strings(streams)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %-25s %s\n", "STREAM", "WATERMARK", "LAG")
			for _, s := range streams {
				wm := watermarks[s]
				fmt.Fprintf(w, "%-20s %-25s %s\n",
					s, wm.Format("2006-01-02 15:04:05"), time.Since(wm).Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}
