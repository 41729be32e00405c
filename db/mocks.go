package db

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/stretchr/testify/mock"
)

// MockDB is a mock implementation of the Database interface for testing
type MockDB struct {
	mock.Mock
}

func (m *MockDB) InitDB(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDB) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDB) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDB) LoadCheckpoint(ctx context.Context) (models.Checkpoint, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Checkpoint), args.Bool(1), args.Error(2)
}

func (m *MockDB) SaveCheckpoint(ctx context.Context, checkpoint models.Checkpoint) error {
	args := m.Called(ctx, checkpoint)
	return args.Error(0)
}

func (m *MockDB) LoadDeadLetters(ctx context.Context) ([]common.Hash, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]common.Hash), args.Error(1)
}

func (m *MockDB) SaveDeadLetters(ctx context.Context, hashes []common.Hash) error {
	args := m.Called(ctx, hashes)
	return args.Error(0)
}
