package daemon

import (
	"context"
	"fmt"

	"github.com/g960059/agtsock/internal/config"
	"github.com/g960059/agtsock/internal/db"
	"github.com/g960059/agtsock/internal/registry"
	"github.com/g960059/agtsock/internal/tmux"
)

// Run wires the audit store, registry, and tmux collaborator together
// and serves until shutdown. Shared by agtsockd and the CLI's
// foreground start.
func Run(ctx context.Context, cfg config.Config) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	srv := NewServer(cfg, registry.New(), tmux.New(cfg.CommandTimeout), store)
	return srv.Start(ctx)
}
