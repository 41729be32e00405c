package db

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
)

// PebbleDB implements the Database interface on an embedded Pebble store
type PebbleDB struct {
	db *pebble.DB
}

// NewPebbleDB opens (or creates) a Pebble store at path
func NewPebbleDB(path string) (*PebbleDB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble store at %s", path)
	}

	return &PebbleDB{db: db}, nil
}

// InitDB is a no-op, the store is ready once opened
func (p *PebbleDB) InitDB(_ context.Context) error {
	return nil
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}

func (p *PebbleDB) Ping() error {
	_, err := p.get(checkpointDocID)
	return err
}

func (p *PebbleDB) LoadCheckpoint(_ context.Context) (models.Checkpoint, bool, error) {
	raw, err := p.get(checkpointDocID)
	if err != nil || raw == nil {
		return models.Checkpoint{}, false, err
	}

	checkpoint, err := decodeCheckpoint(raw)
	if err != nil {
		return models.Checkpoint{}, false, err
	}

	return checkpoint, true, nil
}

func (p *PebbleDB) SaveCheckpoint(_ context.Context, checkpoint models.Checkpoint) error {
	raw, err := encodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return p.set(checkpointDocID, raw)
}

func (p *PebbleDB) LoadDeadLetters(_ context.Context) ([]common.Hash, error) {
	raw, err := p.get(deadLetterDocID)
	if err != nil {
		return nil, err
	}
	return decodeDeadLetters(raw)
}

func (p *PebbleDB) SaveDeadLetters(_ context.Context, hashes []common.Hash) error {
	raw, err := encodeDeadLetters(hashes)
	if err != nil {
		return err
	}
	return p.set(deadLetterDocID, raw)
}

// get returns a copy of the value, or nil when the key is absent
func (p *PebbleDB) get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, errors.Wrapf(err, "failed to get %s", key)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

func (p *PebbleDB) set(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}
	return nil
}
