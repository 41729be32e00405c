package db

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
)

func encodeCheckpoint(checkpoint models.Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode checkpoint")
	}
	return raw, nil
}

func decodeCheckpoint(raw []byte) (models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	if err := json.Unmarshal(raw, &checkpoint); err != nil {
		return models.Checkpoint{}, errors.Wrap(err, "failed to decode checkpoint")
	}
	return checkpoint, nil
}

// encodeDeadLetters renders the list as an indented JSON array of hashes.
func encodeDeadLetters(hashes []common.Hash) ([]byte, error) {
	if hashes == nil {
		hashes = []common.Hash{}
	}

	raw, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode dead letters")
	}
	return raw, nil
}

func decodeDeadLetters(raw []byte) ([]common.Hash, error) {
	hashes := []common.Hash{}
	if len(raw) == 0 {
		return hashes, nil
	}

	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, errors.Wrap(err, "failed to decode dead letters")
	}
	return hashes, nil
}
