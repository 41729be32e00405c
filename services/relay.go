package services

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
)

// RelayStore is the durable state the relay needs.
type RelayStore interface {
	CheckpointStore
	DeadLetterStore
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	ChainID                 uint64
	ChainName               string
	MaxRetries              int
	BatchSize               int
	PriorityFeeWei          *big.Int
	Backoff                 BackoffPolicy
	ReceiptTimeout          time.Duration
	ReceiptPollInterval     time.Duration
	BackfillChunkSize       uint64
	BackfillQueryRate       float64
	BackfillInterval        time.Duration
	DeadLetterRetryInterval time.Duration
	ReconnectDelay          time.Duration
}

// RelayStatus is a point-in-time view of the relay.
type RelayStatus struct {
	ChainID          uint64
	ChainName        string
	Checkpoint       models.Checkpoint
	ActiveEndpoint   string
	StandbyEndpoint  string
	ListenerState    ListenerState
	Failovers        uint64
	LastEventTime    time.Time
	QueueDepth       int
	InFlight         int
	Draining         bool
	DeadLetters      int
	Submission       SubmissionStats
	Backfill         BackfillStats
	PersistFailures  uint64
	ActiveGoroutines int32
	IsShutdown       bool
}

// RelayService wires ingestion, submission and dead-letter handling around one checkpoint.
type RelayService struct {
	*GoroutineTracker

	cfg         RelayConfig
	provider    *ProviderState
	checkpoint  *CheckpointTracker
	deadLetters *DeadLetterList
	queue       *SubmissionQueue
	backfill    *BackfillService
	listener    *Listener
	scheduler   *DeadLetterScheduler
	logger      zerolog.Logger

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc

	shutdownMu  sync.Mutex
	isShutdown  bool
	listenerErr chan error
}

func NewRelayService(
	provider *ProviderState,
	store RelayStore,
	cfg RelayConfig,
	logger zerolog.Logger,
) *RelayService {
	logger = logger.With().Uint64(logging.FieldChain, cfg.ChainID).Logger()

	goroutines := NewGoroutineTracker(logger)
	checkpoint := NewCheckpointTracker(store, logger)
	deadLetters := NewDeadLetterList(store, logger)

	queue := NewSubmissionQueue(provider, checkpoint, deadLetters, goroutines, SubmissionConfig{
		MaxRetries:          cfg.MaxRetries,
		BatchSize:           cfg.BatchSize,
		PriorityFee:         cfg.PriorityFeeWei,
		Backoff:             cfg.Backoff,
		ReceiptTimeout:      cfg.ReceiptTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
	}, logger)

	backfill := NewBackfillService(provider, queue, checkpoint, cfg.BackfillChunkSize, cfg.BackfillQueryRate, logger)
	listener := NewListener(provider, backfill, checkpoint, queue, cfg.ReconnectDelay, logger)
	scheduler := NewDeadLetterScheduler(deadLetters, queue, cfg.DeadLetterRetryInterval, logger)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())

	return &RelayService{
		GoroutineTracker: goroutines,
		cfg:              cfg,
		provider:         provider,
		checkpoint:       checkpoint,
		deadLetters:      deadLetters,
		queue:            queue,
		backfill:         backfill,
		listener:         listener,
		scheduler:        scheduler,
		logger:           logger.With().Str(logging.FieldModule, "relay").Logger(),
		cleanupCtx:       cleanupCtx,
		cleanupCancel:    cleanupCancel,
		listenerErr:      make(chan error, 1),
	}
}

// Start loads durable state and starts live ingestion and the periodic jobs.
// A missing checkpoint starts at the chain head.
func (r *RelayService) Start(ctx context.Context) error {
	if err := r.deadLetters.Load(ctx); err != nil {
		return err
	}

	found, err := r.checkpoint.Load(ctx)
	if err != nil {
		return err
	}

	if !found {
		head, err := r.provider.Active().BlockNumber(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to get latest block for initial checkpoint")
		}

		r.logger.Info().Uint64(logging.FieldBlock, head).Msg("No checkpoint found, starting at chain head")
		r.checkpoint.Reset(ctx, head)
	}

	// catch up whether or not the listener can subscribe
	if _, err := r.backfill.Run(ctx, r.checkpoint.Get().LastProcessedBlock, nil); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return err
		}
		r.logger.Error().Err(err).Msg("Startup backfill failed")
	}

	r.StartGoroutine("listener", func() {
		r.listenerErr <- r.listener.Run(r.cleanupCtx)
	})

	r.StartGoroutine("periodic-backfill", func() {
		r.runPeriodicBackfill(r.cleanupCtx)
	})

	r.StartGoroutine("dead-letter-scheduler", func() {
		r.scheduler.Run(r.cleanupCtx)
	})

	r.logger.Info().
		Uint64(logging.FieldBlock, r.checkpoint.Get().LastProcessedBlock).
		Str(logging.FieldEndpoint, r.provider.ActiveEndpoint()).
		Int("dead_letters", r.deadLetters.Len()).
		Msg("Relay started")

	return nil
}

// runPeriodicBackfill is the safety net for logs the live subscription missed
func (r *RelayService) runPeriodicBackfill(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.BackfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Stopped periodic backfill")
			return
		case <-ticker.C:
			from := r.checkpoint.Get().LastProcessedBlock
			if _, err := r.backfill.Run(ctx, from, nil); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Periodic backfill failed")
			}
		}
	}
}

// Backfill runs one pass from the checkpoint to the chain head.
func (r *RelayService) Backfill(ctx context.Context) (BackfillResult, error) {
	return r.backfill.Run(ctx, r.checkpoint.Get().LastProcessedBlock, nil)
}

// RetryDeadLetters runs one dead-letter cycle now.
func (r *RelayService) RetryDeadLetters(ctx context.Context) (int, error) {
	return r.scheduler.RetryOnce(ctx)
}

// DeadLetters returns the current dead-letter list.
func (r *RelayService) DeadLetters() []common.Hash {
	return r.deadLetters.List()
}

// Status returns a snapshot of the relay.
func (r *RelayService) Status() RelayStatus {
	r.shutdownMu.Lock()
	isShutdown := r.isShutdown
	r.shutdownMu.Unlock()

	return RelayStatus{
		ChainID:          r.cfg.ChainID,
		ChainName:        r.cfg.ChainName,
		Checkpoint:       r.checkpoint.Get(),
		ActiveEndpoint:   r.provider.ActiveEndpoint(),
		StandbyEndpoint:  r.provider.StandbyEndpoint(),
		ListenerState:    r.listener.State(),
		Failovers:        r.listener.Failovers(),
		LastEventTime:    r.listener.LastEventTime(),
		QueueDepth:       r.queue.Depth(),
		InFlight:         r.queue.InFlight(),
		Draining:         r.queue.IsDraining(),
		DeadLetters:      r.deadLetters.Len(),
		Submission:       r.queue.Stats(),
		Backfill:         r.backfill.Stats(),
		PersistFailures:  r.checkpoint.PersistFailures(),
		ActiveGoroutines: r.ActiveGoroutines(),
		IsShutdown:       isShutdown,
	}
}

// Shutdown stops ingestion, closes the queue, persists the checkpoint and
// tears down subscriptions. Errors from the last two are returned together.
func (r *RelayService) Shutdown(timeout time.Duration) error {
	r.shutdownMu.Lock()
	if r.isShutdown {
		r.shutdownMu.Unlock()
		return nil // Already shutdown
	}
	r.isShutdown = true
	r.shutdownMu.Unlock()

	r.logger.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// stop timers, backfills and the listener
	r.cleanupCancel()

	var shutdownErrors []error

	if err := r.queue.Close(ctx); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	remaining := max(time.Until(deadlineOf(ctx)), 100*time.Millisecond)
	if err := r.GoroutineTracker.Shutdown(remaining); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	select {
	case err := <-r.listenerErr:
		if err != nil {
			shutdownErrors = append(shutdownErrors, errors.Wrap(err, "subscription teardown failed"))
		}
	default:
	}

	if err := r.checkpoint.Persist(context.Background()); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	r.provider.Close()

	if len(shutdownErrors) > 0 {
		for _, err := range shutdownErrors {
			r.logger.Error().Err(err).Msg("Error during relay shutdown")
		}
		return errors.Errorf("relay shutdown encountered %d error(s), first: %v", len(shutdownErrors), shutdownErrors[0])
	}

	r.logger.Info().Msg("Relay shutdown completed successfully")

	return nil
}

func deadlineOf(ctx context.Context) time.Time {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Now()
	}
	return deadline
}
