package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
)

// FileDB implements the Database interface with two JSON documents on local disk
type FileDB struct {
	checkpointPath string
	deadLetterPath string

	mu sync.Mutex
}

// NewFileDB creates a file backed store. Parent directories are created by InitDB.
func NewFileDB(checkpointPath, deadLetterPath string) *FileDB {
	return &FileDB{
		checkpointPath: checkpointPath,
		deadLetterPath: deadLetterPath,
	}
}

// InitDB creates the parent directories of both documents
func (f *FileDB) InitDB(_ context.Context) error {
	for _, path := range []string{f.checkpointPath, f.deadLetterPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %s", path)
		}
	}
	return nil
}

func (f *FileDB) Close() error {
	return nil
}

// Ping checks that the checkpoint directory is reachable
func (f *FileDB) Ping() error {
	_, err := os.Stat(filepath.Dir(f.checkpointPath))
	return err
}

func (f *FileDB) LoadCheckpoint(_ context.Context) (models.Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.checkpointPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return models.Checkpoint{}, false, nil
	case err != nil:
		return models.Checkpoint{}, false, errors.Wrap(err, "failed to read checkpoint")
	}

	checkpoint, err := decodeCheckpoint(raw)
	if err != nil {
		return models.Checkpoint{}, false, err
	}

	return checkpoint, true, nil
}

func (f *FileDB) SaveCheckpoint(_ context.Context, checkpoint models.Checkpoint) error {
	raw, err := encodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return writeFileAtomic(f.checkpointPath, raw)
}

func (f *FileDB) LoadDeadLetters(_ context.Context) ([]common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.deadLetterPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return []common.Hash{}, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed to read dead letters")
	}

	return decodeDeadLetters(raw)
}

func (f *FileDB) SaveDeadLetters(_ context.Context, hashes []common.Hash) error {
	raw, err := encodeDeadLetters(hashes)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return writeFileAtomic(f.deadLetterPath, raw)
}

// writeFileAtomic replaces path with data via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmpName)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to sync %s", tmpName)
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmpName)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}

	return nil
}
