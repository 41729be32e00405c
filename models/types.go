package models

import (
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// ErrInvalidReference is returned for a ping reference without a transaction hash.
var ErrInvalidReference = errors.New("invalid ping reference")

// Checkpoint is the durable progress marker of the relay.
type Checkpoint struct {
	// LastProcessedBlock is the highest block whose pings are known to be enqueued or answered.
	LastProcessedBlock uint64

	// LastProcessedTxHash is the ping hash of the most recent successful pong, nil if none.
	LastProcessedTxHash *common.Hash
}

// checkpointDocument is the persisted shape of a Checkpoint.
// The block number is stored as a decimal string.
type checkpointDocument struct {
	LastProcessedBlock  string  `json:"lastProcessedBlock"`
	LastProcessedTxHash *string `json:"lastProcessedTxHash"`
}

// MarshalJSON encodes the checkpoint in its document form.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	doc := checkpointDocument{
		LastProcessedBlock: strconv.FormatUint(c.LastProcessedBlock, 10),
	}

	if c.LastProcessedTxHash != nil {
		hash := c.LastProcessedTxHash.Hex()
		doc.LastProcessedTxHash = &hash
	}

	return json.Marshal(doc)
}

// UnmarshalJSON decodes the checkpoint document form.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var doc checkpointDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	block, err := strconv.ParseUint(doc.LastProcessedBlock, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid lastProcessedBlock %q", doc.LastProcessedBlock)
	}

	c.LastProcessedBlock = block
	c.LastProcessedTxHash = nil

	if doc.LastProcessedTxHash != nil && *doc.LastProcessedTxHash != "" {
		hash := common.HexToHash(*doc.LastProcessedTxHash)
		c.LastProcessedTxHash = &hash
	}

	return nil
}

// Clone returns a copy that does not share the tx hash pointer.
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{LastProcessedBlock: c.LastProcessedBlock}
	if c.LastProcessedTxHash != nil {
		hash := *c.LastProcessedTxHash
		out.LastProcessedTxHash = &hash
	}
	return out
}

// PingReference identifies one observed Ping event by its transaction hash.
type PingReference struct {
	TxHash      common.Hash
	SourceBlock uint64
}

// Validate reports whether the reference can be submitted.
func (r PingReference) Validate() error {
	if r.TxHash == (common.Hash{}) {
		return ErrInvalidReference
	}
	return nil
}

// PingReferenceFromLog builds a reference from a Ping event log.
func PingReferenceFromLog(log types.Log) PingReference {
	return PingReference{
		TxHash:      log.TxHash,
		SourceBlock: log.BlockNumber,
	}
}

// FailedEntry is one item of the dead-letter list as served by the status API.
type FailedEntry struct {
	TxHash common.Hash `json:"tx_hash"`
}

// FailedEntries wraps hashes for the status API.
func FailedEntries(hashes []common.Hash) []FailedEntry {
	entries := make([]FailedEntry, 0, len(hashes))
	for _, hash := range hashes {
		entries = append(entries, FailedEntry{TxHash: hash})
	}
	return entries
}

// Receipt is the outcome of a broadcast pong transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
}

// Succeeded reports whether the transaction executed successfully.
func (r Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}
