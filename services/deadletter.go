package services

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
)

// DeadLetterStore persists the dead-letter list as a whole.
type DeadLetterStore interface {
	LoadDeadLetters(ctx context.Context) ([]common.Hash, error)
	SaveDeadLetters(ctx context.Context, hashes []common.Hash) error
}

// DeadLetterList holds ping hashes whose submission exhausted all retries.
// Every mutation rewrites the persisted list.
type DeadLetterList struct {
	store  DeadLetterStore
	logger zerolog.Logger

	mu     sync.Mutex
	hashes []common.Hash
}

func NewDeadLetterList(store DeadLetterStore, logger zerolog.Logger) *DeadLetterList {
	return &DeadLetterList{
		store:  store,
		logger: logger.With().Str(logging.FieldModule, "dead_letters").Logger(),
		hashes: []common.Hash{},
	}
}

// Load replaces the in-memory list with the persisted one.
func (d *DeadLetterList) Load(ctx context.Context) error {
	hashes, err := d.store.LoadDeadLetters(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load dead letters")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.hashes = d.hashes[:0]
	for _, hash := range hashes {
		if !d.containsLocked(hash) {
			d.hashes = append(d.hashes, hash)
		}
	}

	if len(d.hashes) > 0 {
		d.logger.Info().Int("count", len(d.hashes)).Msg("Loaded dead letters")
	}

	return nil
}

// Add appends the hashes that are not listed yet and persists the list.
// It returns how many were added.
func (d *DeadLetterList) Add(ctx context.Context, hashes ...common.Hash) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for _, hash := range hashes {
		if d.containsLocked(hash) {
			continue
		}
		d.hashes = append(d.hashes, hash)
		added++
	}

	if added == 0 {
		return 0, nil
	}

	if err := d.store.SaveDeadLetters(ctx, d.snapshotLocked()); err != nil {
		return added, errors.Wrap(err, "failed to persist dead letters")
	}

	return added, nil
}

// Drain returns every listed hash and clears the list, persisting the empty list.
// The in-memory list is cleared even if persisting fails.
func (d *DeadLetterList) Drain(ctx context.Context) ([]common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	drained := d.snapshotLocked()
	if len(drained) == 0 {
		return drained, nil
	}

	d.hashes = []common.Hash{}

	if err := d.store.SaveDeadLetters(ctx, d.hashes); err != nil {
		return drained, errors.Wrap(err, "failed to persist drained dead letters")
	}

	return drained, nil
}

// List returns a copy of the list.
func (d *DeadLetterList) List() []common.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *DeadLetterList) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

func (d *DeadLetterList) containsLocked(hash common.Hash) bool {
	for _, h := range d.hashes {
		if h == hash {
			return true
		}
	}
	return false
}

func (d *DeadLetterList) snapshotLocked() []common.Hash {
	out := make([]common.Hash, len(d.hashes))
	copy(out, d.hashes)
	return out
}

// DeadLetterScheduler periodically feeds dead letters back into the submission queue.
type DeadLetterScheduler struct {
	list     *DeadLetterList
	queue    Enqueuer
	interval time.Duration
	logger   zerolog.Logger
}

func NewDeadLetterScheduler(
	list *DeadLetterList,
	queue Enqueuer,
	interval time.Duration,
	logger zerolog.Logger,
) *DeadLetterScheduler {
	return &DeadLetterScheduler{
		list:     list,
		queue:    queue,
		interval: interval,
		logger:   logger.With().Str(logging.FieldModule, "dead_letter_scheduler").Logger(),
	}
}

// RetryOnce drains the list and re-enqueues every entry. Entries the queue
// already knows are dropped by its dedup. It returns how many were handed over.
func (s *DeadLetterScheduler) RetryOnce(ctx context.Context) (int, error) {
	hashes, err := s.list.Drain(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Dead letters drained but the empty list was not persisted")
	}

	if len(hashes) == 0 {
		return 0, nil
	}

	s.logger.Info().Int("count", len(hashes)).Msg("Retrying dead letters")

	for i, hash := range hashes {
		err := s.queue.Enqueue(ctx, models.PingReference{TxHash: hash})
		switch {
		case errors.Is(err, ErrQueueClosed):
			// put back what was not handed over
			if _, addErr := s.list.Add(ctx, hashes[i:]...); addErr != nil {
				s.logger.Error().Err(addErr).Msg("Failed to restore dead letters")
			}
			return i, err
		case err != nil:
			s.logger.Warn().Err(err).Str(logging.FieldTxHash, hash.Hex()).Msg("Skipping dead letter")
		}
	}

	return len(hashes), nil
}

// Run calls RetryOnce every interval until ctx is done.
func (s *DeadLetterScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopped dead letter scheduler")
			return
		case <-ticker.C:
			if _, err := s.RetryOnce(ctx); err != nil && !errors.Is(err, ErrQueueClosed) {
				s.logger.Error().Err(err).Msg("Dead letter retry failed")
			}
		}
	}
}
