package services

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"golang.org/x/sync/errgroup"
)

// ErrQueueClosed is returned by Enqueue after the queue was closed.
var ErrQueueClosed = errors.New("submission queue is closed")

const (
	DefaultReceiptTimeout      = 3 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second
)

// SubmissionConfig tunes the submission queue.
// ReceiptTimeout bounds how long one attempt waits for its pong to be mined.
type SubmissionConfig struct {
	MaxRetries          int
	BatchSize           int
	PriorityFee         *big.Int
	Backoff             BackoffPolicy
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// SubmissionStats are counters since process start.
type SubmissionStats struct {
	Enqueued        uint64
	Deduplicated    uint64
	Submitted       uint64
	FailedAttempts  uint64
	DeadLettered    uint64
	NonceSeedErrors uint64
}

// SubmissionQueue turns ping references into confirmed pong transactions.
// At most one drain loop runs at a time; within a batch items are sent concurrently.
type SubmissionQueue struct {
	provider    GatewayProvider
	checkpoint  *CheckpointTracker
	deadLetters *DeadLetterList
	goroutines  *GoroutineTracker
	cfg         SubmissionConfig
	logger      zerolog.Logger

	// runCtx bounds in-flight RPC calls; it is cancelled only when Close gives up waiting
	runCtx    context.Context
	cancelRun context.CancelFunc
	stop      chan struct{}

	mu        sync.Mutex
	pending   []models.PingReference
	seen      map[common.Hash]struct{}
	draining  bool
	drainDone chan struct{}
	inFlight  int
	closed    bool

	stats SubmissionStats
}

func NewSubmissionQueue(
	provider GatewayProvider,
	checkpoint *CheckpointTracker,
	deadLetters *DeadLetterList,
	goroutines *GoroutineTracker,
	cfg SubmissionConfig,
	logger zerolog.Logger,
) *SubmissionQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PriorityFee == nil {
		cfg.PriorityFee = big.NewInt(0)
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}

	runCtx, cancelRun := context.WithCancel(context.Background())

	return &SubmissionQueue{
		provider:    provider,
		checkpoint:  checkpoint,
		deadLetters: deadLetters,
		goroutines:  goroutines,
		cfg:         cfg,
		logger:      logger.With().Str(logging.FieldModule, "submission_queue").Logger(),
		runCtx:      runCtx,
		cancelRun:   cancelRun,
		stop:        make(chan struct{}),
		seen:        make(map[common.Hash]struct{}),
	}
}

// Enqueue adds ref to the queue unless it was already seen or answered,
// and starts a drain loop if none is running.
func (q *SubmissionQueue) Enqueue(_ context.Context, ref models.PingReference) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if q.isKnownLocked(ref.TxHash) {
		atomic.AddUint64(&q.stats.Deduplicated, 1)
		q.logger.Debug().Str(logging.FieldTxHash, ref.TxHash.Hex()).Msg("Skipping already known ping")
		return nil
	}

	q.pending = append(q.pending, ref)
	q.seen[ref.TxHash] = struct{}{}
	atomic.AddUint64(&q.stats.Enqueued, 1)

	q.logger.Info().
		Str(logging.FieldTxHash, ref.TxHash.Hex()).
		Uint64(logging.FieldBlock, ref.SourceBlock).
		Int("queue_depth", len(q.pending)).
		Msg("Ping enqueued")

	if !q.draining {
		q.startDrainLocked()
	}

	return nil
}

func (q *SubmissionQueue) isKnownLocked(hash common.Hash) bool {
	if last := q.checkpoint.LastTxHash(); last != nil && *last == hash {
		return true
	}

	_, ok := q.seen[hash]
	return ok
}

func (q *SubmissionQueue) startDrainLocked() {
	runID := uuid.New().String()
	done := make(chan struct{})

	q.draining = true
	q.drainDone = done

	started := q.goroutines.StartGoroutine("submission-drain", func() {
		q.drain(runID, done)
	})

	if !started {
		q.draining = false
		q.drainDone = nil
		close(done)
	}
}

// drain processes batches until the queue is empty or closed.
func (q *SubmissionQueue) drain(runID string, done chan struct{}) {
	logger := q.logger.With().Str("run_id", runID).Logger()
	logger.Debug().Msg("Drain started")

	finish := func() {
		q.draining = false
		q.drainDone = nil
		close(done)
	}

	sequencer, ok := q.seedNonce(logger)
	if !ok {
		q.mu.Lock()
		q.flushPendingLocked(logger)
		finish()
		q.mu.Unlock()
		return
	}

	for {
		q.mu.Lock()

		if q.closed {
			q.flushPendingLocked(logger)
			finish()
			q.mu.Unlock()
			return
		}

		if len(q.pending) == 0 {
			logger.Debug().Msg("Drain finished, queue empty")

			// released under the lock so a concurrent Enqueue starts a new drain
			finish()
			q.mu.Unlock()
			return
		}

		size := min(q.cfg.BatchSize, len(q.pending))
		batch := make([]models.PingReference, size)
		copy(batch, q.pending[:size])
		q.pending = q.pending[size:]
		q.inFlight = size

		q.mu.Unlock()

		q.processBatch(batch, sequencer, logger)

		q.mu.Lock()
		q.inFlight = 0
		q.mu.Unlock()
	}
}

// seedNonce reads the pending nonce of the relay account, retrying until it succeeds or the queue closes.
func (q *SubmissionQueue) seedNonce(logger zerolog.Logger) (*NonceSequencer, bool) {
	for attempt := 0; ; attempt++ {
		nonce, err := q.provider.Active().PendingNonce(q.runCtx)
		if err == nil {
			logger.Debug().Uint64(logging.FieldNonce, nonce).Msg("Seeded nonce sequencer")
			return NewNonceSequencer(nonce), true
		}

		atomic.AddUint64(&q.stats.NonceSeedErrors, 1)
		logger.Warn().Err(err).Int(logging.FieldAttempt, attempt).Msg("Failed to read pending nonce")

		if !sleepOrStop(q.runCtx, q.stop, q.cfg.Backoff.Delay(attempt)) {
			return nil, false
		}
	}
}

// processBatch claims the first nonce of every item in FIFO order, then sends them concurrently.
func (q *SubmissionQueue) processBatch(batch []models.PingReference, sequencer *NonceSequencer, logger zerolog.Logger) {
	nonces := make([]uint64, len(batch))
	for i := range batch {
		nonces[i] = sequencer.ClaimNext()
	}

	var group errgroup.Group
	for i := range batch {
		ref, nonce := batch[i], nonces[i]
		group.Go(func() error {
			q.process(ref, nonce, sequencer, logger)
			return nil
		})
	}

	_ = group.Wait()
}

// pong is the submission state of one ping across its attempts.
type pong struct {
	ref    models.PingReference
	logger zerolog.Logger

	nonce uint64
	// spent is set once a mined transaction carried nonce
	spent bool
	// sent holds every transaction signed with nonce that may have reached a node
	sent []common.Hash
	// accepted is set once a node took one of them
	accepted bool
}

func (p *pong) lastSent() common.Hash {
	if len(p.sent) == 0 {
		return common.Hash{}
	}
	return p.sent[len(p.sent)-1]
}

// process retries one item with backoff. A pong a node accepted is waited for,
// never signed again; a nonce is replaced only after a mined transaction used it.
func (q *SubmissionQueue) process(ref models.PingReference, nonce uint64, sequencer *NonceSequencer, logger zerolog.Logger) {
	p := &pong{
		ref:    ref,
		nonce:  nonce,
		logger: logger.With().Str(logging.FieldTxHash, ref.TxHash.Hex()).Logger(),
	}

	for attempt := 0; attempt < q.cfg.MaxRetries; attempt++ {
		receipt, err := q.attempt(p, sequencer)
		if err == nil {
			atomic.AddUint64(&q.stats.Submitted, 1)

			p.logger.Info().
				Uint64(logging.FieldNonce, p.nonce).
				Uint64(logging.FieldBlock, receipt.BlockNumber).
				Str("pong_tx_hash", receipt.TxHash.Hex()).
				Msg("Pong confirmed")

			q.checkpoint.RecordSubmission(context.Background(), ref.TxHash, receipt.BlockNumber)
			return
		}

		atomic.AddUint64(&q.stats.FailedAttempts, 1)

		p.logger.Warn().
			Err(err).
			Int(logging.FieldAttempt, attempt).
			Uint64(logging.FieldNonce, p.nonce).
			Msg("Pong submission failed")

		if attempt == q.cfg.MaxRetries-1 {
			break
		}

		if !sleepOrStop(q.runCtx, q.stop, q.cfg.Backoff.Delay(attempt)) {
			p.logger.Warn().Msg("Queue closed during retry, moving ping to dead letters")
			q.deadLetter(ref, p.logger)
			return
		}
	}

	if p.accepted {
		p.logger.Warn().
			Str("pong_tx_hash", p.lastSent().Hex()).
			Msg("Accepted pong was never mined")
	}

	p.logger.Error().Int("max_retries", q.cfg.MaxRetries).Msg("Retries exhausted, moving ping to dead letters")
	q.deadLetter(ref, p.logger)
}

// attempt sends a pong unless one is already accepted, then waits for its receipt.
func (q *SubmissionQueue) attempt(p *pong, sequencer *NonceSequencer) (models.Receipt, error) {
	if !p.accepted {
		if err := q.send(p, sequencer); err != nil {
			// a failed send may still have reached a node
			if receipt, ok := q.lookupReceipt(q.runCtx, p); ok {
				return q.settle(p, receipt)
			}
			return models.Receipt{}, err
		}
	}

	return q.awaitReceipt(p)
}

// send estimates, prices, signs and broadcasts one pong. The nonce is taken
// only after gas and fees are known, so a failed estimate never leaves a gap.
func (q *SubmissionQueue) send(p *pong, sequencer *NonceSequencer) error {
	ctx := q.runCtx

	gateway, release := q.provider.Acquire()
	defer release()

	gas, err := gateway.EstimatePongGas(ctx, p.ref.TxHash)
	if err != nil {
		return errors.Wrap(err, "failed to estimate gas")
	}

	params := TxParams{
		PingHash: p.ref.TxHash,
		GasLimit: gas,
	}

	baseFee, err := gateway.PendingBaseFee(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get pending block")
	}

	if baseFee != nil {
		params.GasTipCap = new(big.Int).Set(q.cfg.PriorityFee)
		params.GasFeeCap = new(big.Int).Add(baseFee, q.cfg.PriorityFee)
	} else {
		gasPrice, err := gateway.SuggestGasPrice(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to get gas price")
		}
		params.GasPrice = gasPrice
	}

	if p.spent {
		p.nonce = sequencer.ClaimNext()
		p.spent = false
		p.sent = nil
	}
	params.Nonce = p.nonce

	tx, err := gateway.SignPong(ctx, params)
	if err != nil {
		return errors.Wrap(err, "failed to sign pong")
	}

	if hash := tx.Hash(); hash != p.lastSent() {
		p.sent = append(p.sent, hash)
	}

	if err := gateway.Broadcast(ctx, tx); err != nil {
		return errors.Wrap(err, "failed to broadcast pong")
	}

	p.accepted = true

	return nil
}

// awaitReceipt polls the active gateway until one of the sent pongs is mined or
// ReceiptTimeout passes. RPC errors while polling are not failures on their own.
func (q *SubmissionQueue) awaitReceipt(p *pong) (models.Receipt, error) {
	ctx, cancel := context.WithTimeout(q.runCtx, q.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(q.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if receipt, ok := q.lookupReceipt(ctx, p); ok {
			return q.settle(p, receipt)
		}

		select {
		case <-ctx.Done():
			return models.Receipt{}, errors.Wrapf(ctx.Err(), "pong %s not mined", p.lastSent().Hex())
		case <-ticker.C:
		}
	}
}

func (q *SubmissionQueue) lookupReceipt(ctx context.Context, p *pong) (models.Receipt, bool) {
	gateway, release := q.provider.Acquire()
	defer release()

	for _, hash := range p.sent {
		receipt, err := gateway.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, true
		case errors.Is(err, ErrReceiptNotFound):
		default:
			p.logger.Debug().Err(err).Str("pong_tx_hash", hash.Hex()).Msg("Failed to get pong receipt")
		}
	}

	return models.Receipt{}, false
}

// settle handles a mined pong. Its nonce is used up either way.
func (q *SubmissionQueue) settle(p *pong, receipt models.Receipt) (models.Receipt, error) {
	p.spent = true
	p.accepted = false

	if !receipt.Succeeded() {
		return models.Receipt{}, errors.Errorf("pong %s reverted in block %d", receipt.TxHash.Hex(), receipt.BlockNumber)
	}

	return receipt, nil
}

// deadLetter records ref once and forgets it, so a later retry is not deduplicated.
func (q *SubmissionQueue) deadLetter(ref models.PingReference, logger zerolog.Logger) {
	added, err := q.deadLetters.Add(context.Background(), ref.TxHash)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist dead letter")
	}

	atomic.AddUint64(&q.stats.DeadLettered, uint64(added))

	q.mu.Lock()
	delete(q.seen, ref.TxHash)
	q.mu.Unlock()
}

func (q *SubmissionQueue) flushPendingLocked(logger zerolog.Logger) {
	if len(q.pending) == 0 {
		return
	}

	hashes := make([]common.Hash, 0, len(q.pending))
	for _, ref := range q.pending {
		hashes = append(hashes, ref.TxHash)
		delete(q.seen, ref.TxHash)
	}
	q.pending = nil

	added, err := q.deadLetters.Add(context.Background(), hashes...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist unsent pings as dead letters")
	}

	atomic.AddUint64(&q.stats.DeadLettered, uint64(added))

	logger.Warn().Int("count", len(hashes)).Msg("Moved unsent pings to dead letters")
}

// Close stops accepting pings and waits for the running batch.
// Pings that were not sent are moved to the dead-letter list.
// If ctx ends first, in-flight calls are cancelled.
func (q *SubmissionQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	done := q.drainDone
	if done == nil {
		q.flushPendingLocked(q.logger)
	}
	q.mu.Unlock()

	defer q.cancelRun()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "submission queue did not drain in time")
	}
}

// Depth returns the number of pings waiting for a batch.
func (q *SubmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the size of the batch being sent.
func (q *SubmissionQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *SubmissionQueue) IsDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// WaitIdle blocks until no drain loop is running or ctx ends.
func (q *SubmissionQueue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		done := q.drainDone
		q.mu.Unlock()

		if done == nil {
			return nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *SubmissionQueue) Stats() SubmissionStats {
	return SubmissionStats{
		Enqueued:        atomic.LoadUint64(&q.stats.Enqueued),
		Deduplicated:    atomic.LoadUint64(&q.stats.Deduplicated),
		Submitted:       atomic.LoadUint64(&q.stats.Submitted),
		FailedAttempts:  atomic.LoadUint64(&q.stats.FailedAttempts),
		DeadLettered:    atomic.LoadUint64(&q.stats.DeadLettered),
		NonceSeedErrors: atomic.LoadUint64(&q.stats.NonceSeedErrors),
	}
}
