package services

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
)

// CheckpointStore persists the checkpoint.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context) (models.Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint models.Checkpoint) error
}

// CheckpointTracker owns the in-memory checkpoint and writes it through to the store.
// Writes are serialized and always carry the latest snapshot, so a slow write
// can never overwrite a newer persisted value with an older one.
type CheckpointTracker struct {
	store  CheckpointStore
	logger zerolog.Logger

	mu      sync.Mutex
	current models.Checkpoint
	version uint64

	persistMu        sync.Mutex
	persistedVersion uint64
	persistFailures  uint64
}

func NewCheckpointTracker(store CheckpointStore, logger zerolog.Logger) *CheckpointTracker {
	return &CheckpointTracker{
		store:  store,
		logger: logger.With().Str(logging.FieldModule, "checkpoint").Logger(),
	}
}

// Load reads the persisted checkpoint. found=false leaves the tracker at block zero.
func (c *CheckpointTracker) Load(ctx context.Context) (bool, error) {
	checkpoint, found, err := c.store.LoadCheckpoint(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to load checkpoint")
	}

	if !found {
		return false, nil
	}

	c.mu.Lock()
	c.current = checkpoint.Clone()
	c.mu.Unlock()

	c.persistMu.Lock()
	c.persistedVersion = c.version
	c.persistMu.Unlock()

	c.logger.Info().
		Uint64(logging.FieldBlock, checkpoint.LastProcessedBlock).
		Msg("Loaded checkpoint")

	return true, nil
}

// Get returns a copy of the current checkpoint.
func (c *CheckpointTracker) Get() models.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// LastTxHash returns the hash of the most recent successful submission, if any.
func (c *CheckpointTracker) LastTxHash() *common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone().LastProcessedTxHash
}

// AdvanceBlock raises the block to at least block and persists. It never lowers it.
func (c *CheckpointTracker) AdvanceBlock(ctx context.Context, block uint64) {
	c.mu.Lock()
	if block > c.current.LastProcessedBlock {
		c.current.LastProcessedBlock = block
		c.version++
	}
	c.mu.Unlock()

	c.persistLogged(ctx)
}

// Reset sets the block unconditionally and persists.
func (c *CheckpointTracker) Reset(ctx context.Context, block uint64) {
	c.mu.Lock()
	c.current.LastProcessedBlock = block
	c.version++
	c.mu.Unlock()

	c.logger.Warn().Uint64(logging.FieldBlock, block).Msg("Checkpoint reset")

	c.persistLogged(ctx)
}

// RecordSubmission stores the answered ping hash and raises the block to the receipt block.
func (c *CheckpointTracker) RecordSubmission(ctx context.Context, pingHash common.Hash, block uint64) {
	c.mu.Lock()
	hash := pingHash
	c.current.LastProcessedTxHash = &hash
	if block > c.current.LastProcessedBlock {
		c.current.LastProcessedBlock = block
	}
	c.version++
	c.mu.Unlock()

	c.persistLogged(ctx)
}

// Persist writes the latest snapshot if it has not been written yet.
func (c *CheckpointTracker) Persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	snapshot := c.current.Clone()
	version := c.version
	c.mu.Unlock()

	if version == c.persistedVersion {
		return nil
	}

	if err := c.store.SaveCheckpoint(ctx, snapshot); err != nil {
		atomic.AddUint64(&c.persistFailures, 1)
		return errors.Wrapf(err, "failed to persist checkpoint at block %d", snapshot.LastProcessedBlock)
	}

	c.persistedVersion = version

	return nil
}

// PersistFailures returns how many writes failed so far.
func (c *CheckpointTracker) PersistFailures() uint64 {
	return atomic.LoadUint64(&c.persistFailures)
}

func (c *CheckpointTracker) persistLogged(ctx context.Context) {
	if err := c.Persist(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Checkpoint persistence failed, continuing with in-memory value")
	}
}
