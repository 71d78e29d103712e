package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"apigate/internal/models"
	"apigate/internal/storage"

	"github.com/spf13/cobra"
)

func newKeyCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Issue, disable and re-enable the API key of an account. Each account holds one key; issuing replaces it.",
	}

	cmd.AddCommand(newKeyGenerateCmd(open))
	cmd.AddCommand(newKeyToggleCmd(open, "disable", "Disable the API key of an account", false))
	cmd.AddCommand(newKeyToggleCmd(open, "enable", "Re-enable the API key of an account", true))

	return cmd
}

// ---------- key generate ----------

func newKeyGenerateCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:     "generate <email>",
		Aliases: []string{"create"},
		Short:   "Issue a new API key for an account",
		Long:    "Generate a new API key. The previous key stops working at once. The raw key is shown once and cannot be retrieved again.",
		Example: "  apigatectl key generate alice@example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			account, err := findAccount(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}

			issued, err := issueKey(cmd.Context(), store, account.ID)
			if err != nil {
				return err
			}
			printIssuedKey(cmd.OutOrStdout(), issued)
			return nil
		},
	}
}

// ---------- key disable / enable ----------

func newKeyToggleCmd(open storeOpener, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			account, err := findAccount(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if !account.HasAPIKey() {
				return fmt.Errorf("account %q has no API key", account.Email)
			}
			if err := store.SetAPIKeyEnabled(cmd.Context(), account.ID, enabled); err != nil {
				return fmt.Errorf("%s api key: %w", use, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API key %s %sd for %s\n", account.APIKeyPrefix, use, account.Email)
			return nil
		},
	}
}

func findAccount(ctx context.Context, store storage.Storage, email string) (*models.Account, error) {
	account, err := store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("account %q not found", email)
		}
		return nil, fmt.Errorf("look up account: %w", err)
	}
	return account, nil
}

func issueKey(ctx context.Context, store storage.Storage, accountID string) (*models.IssuedAPIKey, error) {
	issued, err := models.IssueAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	if err := store.IssueAPIKey(ctx, accountID, issued.Hash, issued.Prefix, issued.CreatedAt); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}
	return issued, nil
}

func printIssuedKey(out io.Writer, issued *models.IssuedAPIKey) {
	fmt.Fprintln(out, "API Key generated:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:    %s\n", issued.Raw)
	fmt.Fprintf(out, "  Prefix: %s\n", issued.Prefix)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
}
