package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCountCmd(open storeOpener) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show account and credential counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Accounts\t%d\n", stats.Accounts)
			fmt.Fprintf(w, "API keys\t%d\n", stats.APIKeys)
			fmt.Fprintf(w, "Enabled API keys\t%d\n", stats.EnabledAPIKeys)
			fmt.Fprintf(w, "Two-factor enabled\t%d\n", stats.TwoFactorEnabled)
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
