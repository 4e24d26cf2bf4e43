package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewTemplatesCommand creates the 'templates' command: list the active
// template catalog as the matcher sees it.
func NewTemplatesCommand(deps *EngineDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultEngineDeps()
	}

	var output string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the active template catalog",
		Long: `List the active templates the matcher runs against.

Templates failing their structural checks (an email template without a
subject, an SMS template without content) are marked invalid; they are
still eligible for matching but should be fixed at the source.

Examples:
  commlog templates
  commlog templates --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, _, store, closeStore, err := deps.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			templates, err := store.ListActiveTemplates(ctx)
			if err != nil {
				return fmt.Errorf("failed to read templates: %w", err)
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(templates)
			}

			w := cmd.OutOrStdout()
			if len(templates) == 0 {
				fmt.Fprintln(w, "no active templates")
				return nil
			}
			fmt.Fprintf(w, "%-5s %-30s %-8s %-12s %s\n", "ID", "NAME", "TYPE", "CATEGORY", "VALID")
			for i := range templates {
				t := &templates[i]
				valid := "yes"
				if err := t.Validate(); err != nil {
					valid = fmt.Sprintf("no (%v)", err)
				}
				fmt.Fprintf(w, "%-5d %-30s %-8s %-12s %s\n", t.ID, t.Name, t.Type, t.Category, valid)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}
