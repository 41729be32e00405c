package services

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxBlockRange is the default number of blocks per log query
	DefaultMaxBlockRange = 500
)

// BlockRange is an inclusive range of blocks.
type BlockRange struct {
	From uint64
	To   uint64
}

// Chunks splits [from, to] into ranges [start, min(start+size, to)], each
// starting one block after the previous end.
func Chunks(from, to, size uint64) []BlockRange {
	if from > to {
		return nil
	}
	if size == 0 {
		size = DefaultMaxBlockRange
	}

	var chunks []BlockRange
	for start := from; ; {
		end := start + size
		if end > to || end < start {
			end = to
		}

		chunks = append(chunks, BlockRange{From: start, To: end})

		if end >= to {
			return chunks
		}

		start = end + 1
	}
}

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	From         uint64
	To           uint64
	Chunks       int
	FailedChunks int
	Events       int
}

// BackfillStats are counters since process start.
type BackfillStats struct {
	Passes       uint64
	FailedChunks uint64
	Events       uint64
}

// BackfillService queries historical Ping logs in chunks and enqueues them.
type BackfillService struct {
	provider   GatewayProvider
	queue      Enqueuer
	checkpoint *CheckpointTracker
	chunkSize  uint64
	limiter    *rate.Limiter
	logger     zerolog.Logger

	// passes never interleave their checkpoint updates
	mu sync.Mutex

	stats BackfillStats
}

func NewBackfillService(
	provider GatewayProvider,
	queue Enqueuer,
	checkpoint *CheckpointTracker,
	chunkSize uint64,
	queriesPerSecond float64,
	logger zerolog.Logger,
) *BackfillService {
	if chunkSize == 0 {
		chunkSize = DefaultMaxBlockRange
	}

	limit := rate.Inf
	if queriesPerSecond > 0 {
		limit = rate.Limit(queriesPerSecond)
	}

	return &BackfillService{
		provider:   provider,
		queue:      queue,
		checkpoint: checkpoint,
		chunkSize:  chunkSize,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With().Str(logging.FieldModule, "backfill").Logger(),
	}
}

// Run enqueues every Ping log in [from, to]. A nil to means the chain head.
// Failed chunks are skipped; once one fails, the checkpoint is not advanced
// for the rest of the pass so the next pass queries the failed range again.
func (b *BackfillService) Run(ctx context.Context, from uint64, to *uint64) (BackfillResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	atomic.AddUint64(&b.stats.Passes, 1)

	gateway := b.provider.Active()
	logger := b.logger.With().Str(logging.FieldEndpoint, gateway.Endpoint()).Logger()

	var head uint64
	if to != nil {
		head = *to
	} else {
		latest, err := gateway.BlockNumber(ctx)
		if err != nil {
			return BackfillResult{}, errors.Wrap(err, "failed to get latest block")
		}
		head = latest
	}

	if from > head {
		logger.Warn().
			Uint64("from_block", from).
			Uint64("head_block", head).
			Msg("Checkpoint is ahead of the chain head, resetting")

		b.checkpoint.Reset(ctx, head)
		from = head
	}

	chunks := Chunks(from, head, b.chunkSize)
	result := BackfillResult{From: from, To: head, Chunks: len(chunks)}

	logger.Info().
		Uint64("from_block", from).
		Uint64("to_block", head).
		Int("chunks", len(chunks)).
		Msg("Starting backfill")

	held := false

	for _, chunk := range chunks {
		if err := b.limiter.Wait(ctx); err != nil {
			return result, errors.Wrap(err, "backfill interrupted")
		}

		logs, err := gateway.FilterPingLogs(ctx, chunk.From, chunk.To)
		if err != nil {
			if ctx.Err() != nil {
				return result, errors.Wrap(ctx.Err(), "backfill interrupted")
			}

			result.FailedChunks++
			atomic.AddUint64(&b.stats.FailedChunks, 1)
			held = true

			logger.Error().
				Err(err).
				Uint64("from_block", chunk.From).
				Uint64("to_block", chunk.To).
				Msg("Failed to fetch Ping logs for chunk")

			continue
		}

		if len(logs) > 0 {
			logger.Info().
				Int("events", len(logs)).
				Uint64("from_block", chunk.From).
				Uint64("to_block", chunk.To).
				Msg("Retrieved Ping events")
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}

			err := b.queue.Enqueue(ctx, models.PingReferenceFromLog(log))
			switch {
			case errors.Is(err, ErrQueueClosed):
				return result, err
			case err != nil:
				logger.Warn().Err(err).Uint64(logging.FieldBlock, log.BlockNumber).Msg("Skipping Ping log")
				continue
			}

			result.Events++
			atomic.AddUint64(&b.stats.Events, 1)
		}

		if !held {
			b.checkpoint.AdvanceBlock(ctx, chunk.To)
		}
	}

	logger.Info().
		Int("events", result.Events).
		Int("failed_chunks", result.FailedChunks).
		Msg("Backfill completed")

	return result, nil
}

func (b *BackfillService) Stats() BackfillStats {
	return BackfillStats{
		Passes:       atomic.LoadUint64(&b.stats.Passes),
		FailedChunks: atomic.LoadUint64(&b.stats.FailedChunks),
		Events:       atomic.LoadUint64(&b.stats.Events),
	}
}
