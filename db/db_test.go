package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/speedrun-hq/pongrelay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("file backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.CheckpointFile = filepath.Join(t.TempDir(), "nested", "progress.json")
		cfg.DeadLetterFile = filepath.Join(t.TempDir(), "failed.json")

		database, err := New(ctx, cfg)
		require.NoError(t, err)
		assert.IsType(t, &FileDB{}, database)
		require.NoError(t, database.Ping())
	})

	t.Run("pebble backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.CheckpointBackend = config.BackendPebble
		cfg.PebblePath = t.TempDir()

		database, err := New(ctx, cfg)
		require.NoError(t, err)
		assert.IsType(t, &PebbleDB{}, database)
		require.NoError(t, database.Close())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.CheckpointBackend = "redis"

		_, err := New(ctx, cfg)
		assert.ErrorContains(t, err, "unknown checkpoint backend")
	})
}
