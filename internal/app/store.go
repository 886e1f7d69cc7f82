package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/store/memory"
	"github.com/MrWong99/soundstage/internal/store/postgres"
	"github.com/MrWong99/soundstage/internal/store/sqlite"
)

// initStore opens the configured storage backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	cfg := a.cfg.Storage
	switch cfg.Driver {
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.Path, cfg.HistoryLimit)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoragePostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for driver %q", cfg.Driver)
		}
		s, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.HistoryLimit)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.store = memory.New(cfg.HistoryLimit)
	}

	a.closers = append(a.closers, a.store.Close)
	slog.Info("store opened", "driver", cfg.Driver)
	return nil
}
