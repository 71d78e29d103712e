package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for the given dialect directory.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	sub, err := fs.Sub(migrationsFS, path.Join("migrations", dir))
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("applied migration",
			"dialect", dir,
			"version", r.Source.Version,
			"duration", r.Duration,
		)
	}
	return nil
}
