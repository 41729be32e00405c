package services

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/db"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCheckpointTracker_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mockDB := &db.MockDB{}
		hash := common.HexToHash("0xabc")
		mockDB.On("LoadCheckpoint", ctx).
			Return(models.Checkpoint{LastProcessedBlock: 1000, LastProcessedTxHash: &hash}, true, nil)

		tracker := NewCheckpointTracker(mockDB, logging.NewTesting(t))

		found, err := tracker.Load(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, uint64(1000), tracker.Get().LastProcessedBlock)
		assert.Equal(t, hash, *tracker.LastTxHash())

		// nothing changed, nothing to write
		require.NoError(t, tracker.Persist(ctx))
		mockDB.AssertNotCalled(t, "SaveCheckpoint", mock.Anything, mock.Anything)
	})

	t.Run("not found", func(t *testing.T) {
		mockDB := &db.MockDB{}
		mockDB.On("LoadCheckpoint", ctx).Return(models.Checkpoint{}, false, nil)

		tracker := NewCheckpointTracker(mockDB, logging.NewTesting(t))

		found, err := tracker.Load(ctx)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, tracker.LastTxHash())
	})

	t.Run("error", func(t *testing.T) {
		mockDB := &db.MockDB{}
		mockDB.On("LoadCheckpoint", ctx).Return(models.Checkpoint{}, false, errors.New("boom"))

		tracker := NewCheckpointTracker(mockDB, logging.NewTesting(t))

		_, err := tracker.Load(ctx)
		assert.ErrorContains(t, err, "failed to load checkpoint")
	})
}

func TestCheckpointTracker_AdvanceBlockIsMonotonic(t *testing.T) {
	ctx := context.Background()

	mockDB := &db.MockDB{}
	mockDB.On("SaveCheckpoint", ctx, models.Checkpoint{LastProcessedBlock: 1500}).Return(nil).Once()
	mockDB.On("SaveCheckpoint", ctx, models.Checkpoint{LastProcessedBlock: 1700}).Return(nil).Once()

	tracker := NewCheckpointTracker(mockDB, logging.NewTesting(t))

	tracker.AdvanceBlock(ctx, 1500)
	tracker.AdvanceBlock(ctx, 1200)
	tracker.AdvanceBlock(ctx, 1700)

	assert.Equal(t, uint64(1700), tracker.Get().LastProcessedBlock)
	mockDB.AssertExpectations(t)
}

func TestCheckpointTracker_ResetLowersBlock(t *testing.T) {
	ctx := context.Background()

	store := &memStore{}
	tracker := NewCheckpointTracker(store, logging.NewTesting(t))

	tracker.AdvanceBlock(ctx, 2000)
	tracker.Reset(ctx, 1700)

	assert.Equal(t, uint64(1700), tracker.Get().LastProcessedBlock)
	assert.Equal(t, []uint64{2000, 1700}, store.savedBlocks())
}

func TestCheckpointTracker_RecordSubmission(t *testing.T) {
	ctx := context.Background()

	store := &memStore{}
	tracker := NewCheckpointTracker(store, logging.NewTesting(t))
	tracker.AdvanceBlock(ctx, 500)

	tracker.RecordSubmission(ctx, common.HexToHash("0x1"), 400)
	assert.Equal(t, uint64(500), tracker.Get().LastProcessedBlock, "a receipt block never lowers the checkpoint")
	assert.Equal(t, common.HexToHash("0x1"), *tracker.LastTxHash())

	tracker.RecordSubmission(ctx, common.HexToHash("0x2"), 900)
	assert.Equal(t, uint64(900), tracker.Get().LastProcessedBlock)

	persisted, found, err := store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(900), persisted.LastProcessedBlock)
	assert.Equal(t, common.HexToHash("0x2"), *persisted.LastProcessedTxHash)
}

func TestCheckpointTracker_PersistFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()

	store := &memStore{saveErr: errors.New("disk full")}
	tracker := NewCheckpointTracker(store, logging.NewTesting(t))

	tracker.AdvanceBlock(ctx, 10)

	assert.Equal(t, uint64(10), tracker.Get().LastProcessedBlock)
	assert.Equal(t, uint64(1), tracker.PersistFailures())

	err := tracker.Persist(ctx)
	assert.ErrorContains(t, err, "failed to persist checkpoint at block 10")

	// the next successful write carries the latest value
	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	require.NoError(t, tracker.Persist(ctx))
	assert.Equal(t, []uint64{10}, store.savedBlocks())
}

func TestCheckpointTracker_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()

	tracker := NewCheckpointTracker(&memStore{}, logging.NewTesting(t))
	tracker.RecordSubmission(ctx, common.HexToHash("0x1"), 1)

	snapshot := tracker.Get()
	*snapshot.LastProcessedTxHash = common.HexToHash("0x2")

	assert.Equal(t, common.HexToHash("0x1"), *tracker.LastTxHash())
}
