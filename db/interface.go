package db

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/pongrelay/models"
)

// Document ids shared by every backend
const (
	checkpointDocID = "progress/status"
	deadLetterDocID = "failed_transactions"
)

// Database defines the durable state of the relay: the checkpoint and the dead-letter list.
type Database interface {
	InitDB(ctx context.Context) error
	Close() error
	Ping() error

	// LoadCheckpoint returns found=false when nothing was persisted yet.
	LoadCheckpoint(ctx context.Context) (models.Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint models.Checkpoint) error

	// LoadDeadLetters returns an empty list when nothing was persisted yet.
	LoadDeadLetters(ctx context.Context) ([]common.Hash, error)

	// SaveDeadLetters overwrites the whole list.
	SaveDeadLetters(ctx context.Context, hashes []common.Hash) error
}
