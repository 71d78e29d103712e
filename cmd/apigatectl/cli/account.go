package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"apigate/internal/models"
	"apigate/internal/storage"

	"github.com/spf13/cobra"
)

func newAccountCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	cmd.AddCommand(newAccountCreateCmd(open))
	cmd.AddCommand(newAccountListCmd(open))

	return cmd
}

// ---------- account create ----------

func newAccountCreateCmd(open storeOpener) *cobra.Command {
	var (
		roles     []string
		rateLimit int
		withKey   bool
	)

	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create an account",
		Long:  "Create an account. ROLE_USER is implied; pass --role ROLE_ADMIN for the elevated rate limit tier.",
		Example: `  apigatectl account create alice@example.com
  apigatectl account create ops@example.com --role ROLE_ADMIN --with-key`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			account := models.NewAccount(args[0], roles...)
			if cmd.Flags().Changed("rate-limit") {
				account.RateLimit = rateLimit
			}
			if err := account.Validate(); err != nil {
				return err
			}
			if err := store.CreateAccount(cmd.Context(), account); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return fmt.Errorf("account %q already exists", account.Email)
				}
				return fmt.Errorf("create account: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account created: %s (%s)\n", account.Email, account.ID)

			if withKey {
				issued, err := issueKey(cmd.Context(), store, account.ID)
				if err != nil {
					return err
				}
				printIssuedKey(out, issued)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", models.DefaultAccountRateLimit, "custom requests per minute for the standard tier")
	cmd.Flags().BoolVar(&withKey, "with-key", false, "issue an API key right away")

	return cmd
}

// ---------- account list ----------

func newAccountListCmd(open storeOpener) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}

			views := make([]models.AccountView, len(accounts))
			for i, a := range accounts {
				views[i] = a.View()
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EMAIL\tROLES\tLIMIT\tKEY PREFIX\tKEY\t2FA")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\t%s\n",
					v.Email, v.Roles, v.RateLimit, orDash(v.APIKeyPrefix), enabledLabel(v.APIKeyEnabled), enabledLabel(v.TwoFactorEnabled))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func enabledLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
