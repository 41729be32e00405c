package db

import (
	"context"
	"database/sql"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
)

const createDocumentsTable = `
	CREATE TABLE IF NOT EXISTS relay_documents (
		id TEXT PRIMARY KEY,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

const upsertDocument = `
	INSERT INTO relay_documents (id, body, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (id) DO UPDATE
	SET body = EXCLUDED.body, updated_at = NOW()
`

const selectDocument = `SELECT body FROM relay_documents WHERE id = $1`

// PostgresDB implements the Database interface as JSON documents in PostgreSQL
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	postgresDB := &PostgresDB{db: db}

	if err := postgresDB.InitDB(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize database")
	}

	return postgresDB, nil
}

// InitDB creates the documents table if it does not exist
func (p *PostgresDB) InitDB(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createDocumentsTable); err != nil {
		return errors.Wrap(err, "failed to create relay_documents table")
	}
	return nil
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// Ping checks if the database connection is alive
func (p *PostgresDB) Ping() error {
	return p.db.Ping()
}

func (p *PostgresDB) LoadCheckpoint(ctx context.Context) (models.Checkpoint, bool, error) {
	raw, found, err := p.getDocument(ctx, checkpointDocID)
	if err != nil || !found {
		return models.Checkpoint{}, false, err
	}

	checkpoint, err := decodeCheckpoint(raw)
	if err != nil {
		return models.Checkpoint{}, false, err
	}

	return checkpoint, true, nil
}

func (p *PostgresDB) SaveCheckpoint(ctx context.Context, checkpoint models.Checkpoint) error {
	raw, err := encodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return p.putDocument(ctx, checkpointDocID, raw)
}

func (p *PostgresDB) LoadDeadLetters(ctx context.Context) ([]common.Hash, error) {
	raw, found, err := p.getDocument(ctx, deadLetterDocID)
	switch {
	case err != nil:
		return nil, err
	case !found:
		return []common.Hash{}, nil
	}

	return decodeDeadLetters(raw)
}

func (p *PostgresDB) SaveDeadLetters(ctx context.Context, hashes []common.Hash) error {
	raw, err := encodeDeadLetters(hashes)
	if err != nil {
		return err
	}
	return p.putDocument(ctx, deadLetterDocID, raw)
}

func (p *PostgresDB) getDocument(ctx context.Context, id string) ([]byte, bool, error) {
	var body []byte

	err := p.db.QueryRowContext(ctx, selectDocument, id).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "failed to load document %s", id)
	}

	return body, true, nil
}

func (p *PostgresDB) putDocument(ctx context.Context, id string, body []byte) error {
	if _, err := p.db.ExecContext(ctx, upsertDocument, id, body); err != nil {
		return errors.Wrapf(err, "failed to save document %s", id)
	}
	return nil
}
