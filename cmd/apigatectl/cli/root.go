// Package cli implements apigatectl, the operator tool for accounts and API
// keys. It talks to the account store directly using the server's config.
package cli

import (
	"context"
	"fmt"

	"apigate/internal/config"
	"apigate/internal/models"
	"apigate/internal/storage"

	"github.com/spf13/cobra"
)

// Execute creates the root command tree and runs it.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call returns independent flag state.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "apigatectl",
		Short: "Manage apigate accounts and API keys",
		Long: `apigatectl manages the accounts behind an apigate deployment: it creates
accounts, issues and disables API keys and reports counters. It reads the same
configuration file and APIGATE_* environment variables as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the apigate configuration file")

	open := func(ctx context.Context) (storage.Storage, error) {
		return openStore(ctx, cfgFile)
	}

	cmd.AddCommand(newAccountCmd(open))
	cmd.AddCommand(newKeyCmd(open))
	cmd.AddCommand(newCountCmd(open))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

type storeOpener func(ctx context.Context) (storage.Storage, error)

func openStore(ctx context.Context, cfgFile string) (storage.Storage, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Type == models.StorageTypeMemory {
		return nil, fmt.Errorf("storage type %q is per-process; configure json, sqlite or postgres", cfg.Storage.Type)
	}

	store, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("account store unreachable: %w", err)
	}
	return store, nil
}
