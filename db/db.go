package db

import (
	"context"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/config"
)

// New opens the checkpoint backend selected by the configuration and prepares it.
func New(ctx context.Context, cfg *config.Config) (Database, error) {
	var (
		database Database
		err      error
	)

	switch cfg.CheckpointBackend {
	case config.BackendFile:
		database = NewFileDB(cfg.CheckpointFile, cfg.DeadLetterFile)
	case config.BackendPostgres:
		// NewPostgresDB runs InitDB itself
		postgresDB, err := NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgresDB, nil
	case config.BackendPebble:
		database, err = NewPebbleDB(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}

	if err := database.InitDB(ctx); err != nil {
		_ = database.Close()
		return nil, errors.Wrap(err, "failed to initialize checkpoint store")
	}

	return database, nil
}
