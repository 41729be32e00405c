package services

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
)

const defaultLogBufferSize = 1024

// Failover switches the active endpoint and returns its gateway.
type Failover interface {
	GatewayProvider
	Swap(ctx context.Context) (LedgerGateway, error)
}

// Backfiller closes block gaps.
type Backfiller interface {
	Run(ctx context.Context, from uint64, to *uint64) (BackfillResult, error)
}

type liveSubscription struct {
	sub      LogSubscription
	logs     chan types.Log
	endpoint string
}

// Listener consumes live Ping logs and fails over between endpoints when the
// subscription breaks. Every new subscription is opened before the gap since
// the checkpoint is backfilled, and its logs are consumed only afterwards.
type Listener struct {
	provider       Failover
	backfill       Backfiller
	checkpoint     *CheckpointTracker
	queue          Enqueuer
	reconnectDelay time.Duration
	logger         zerolog.Logger

	// live is only touched by the Run goroutine
	live *liveSubscription

	mu            sync.RWMutex
	state         ListenerState
	failovers     uint64
	lastEventTime time.Time
}

func NewListener(
	provider Failover,
	backfill Backfiller,
	checkpoint *CheckpointTracker,
	queue Enqueuer,
	reconnectDelay time.Duration,
	logger zerolog.Logger,
) *Listener {
	return &Listener{
		provider:       provider,
		backfill:       backfill,
		checkpoint:     checkpoint,
		queue:          queue,
		reconnectDelay: reconnectDelay,
		logger:         logger.With().Str(logging.FieldModule, "listener").Logger(),
		state:          StateConnecting,
	}
}

// Run ingests live logs until ctx is done or the queue closes.
// It returns the error of the final unsubscribe, if any.
func (l *Listener) Run(ctx context.Context) error {
	l.setState(StateConnecting)

	live, err := l.subscribe(ctx, l.provider.Active())
	if err != nil {
		l.logger.Error().Err(err).Msg("Initial subscription failed")
		l.fire(EventSubscribeFailed)
	} else {
		l.live = live
		l.closeGap(ctx)
		l.fire(EventSubscribed)
	}

	for {
		if l.live != nil {
			event, err := l.consume(ctx, l.live)
			if err != nil {
				return l.release()
			}
			l.fire(event)
		}

		if !l.failover(ctx) {
			return l.release()
		}
	}
}

// failover reconnects to the standby endpoint until it succeeds or ctx ends.
// On success the old subscription is torn down and the gap is backfilled.
func (l *Listener) failover(ctx context.Context) bool {
	for {
		if !sleepOrStop(ctx, nil, l.reconnectDelay) {
			return false
		}

		l.mu.Lock()
		l.failovers++
		l.mu.Unlock()

		gateway, err := l.provider.Swap(ctx)
		if err != nil {
			l.logger.Error().Err(err).Msg("Failover reconnect failed")
			l.fire(EventSubscribeFailed)
			continue
		}

		next, err := l.subscribe(ctx, gateway)
		if err != nil {
			l.logger.Error().Err(err).Str(logging.FieldEndpoint, gateway.Endpoint()).Msg("Failover subscription failed")
			l.fire(EventSubscribeFailed)
			continue
		}

		// best effort, the old endpoint may be unreachable
		if err := l.release(); err != nil {
			l.logger.Warn().Err(err).Msg("Old subscription teardown failed")
		}

		l.live = next

		if ctx.Err() != nil {
			return false
		}

		l.closeGap(ctx)
		l.fire(EventGapClosed)

		return true
	}
}

func (l *Listener) subscribe(ctx context.Context, gateway LedgerGateway) (*liveSubscription, error) {
	logs := make(chan types.Log, defaultLogBufferSize)

	sub, err := gateway.SubscribePingLogs(ctx, logs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe on %s", gateway.Endpoint())
	}

	l.logger.Info().Str(logging.FieldEndpoint, gateway.Endpoint()).Msg("Subscribed to Ping logs")

	return &liveSubscription{sub: sub, logs: logs, endpoint: gateway.Endpoint()}, nil
}

// consume reads logs until the subscription breaks. A non-nil error means stop.
func (l *Listener) consume(ctx context.Context, live *liveSubscription) (ListenerEvent, error) {
	logger := l.logger.With().Str(logging.FieldEndpoint, live.endpoint).Logger()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-live.sub.Err():
			if !ok {
				logger.Warn().Msg("Subscription closed")
				return EventSubscriptionClosed, nil
			}

			logger.Error().Err(err).Msg("Subscription error")
			return EventSubscriptionError, nil
		case log := <-live.logs:
			if log.Removed {
				logger.Debug().Str(logging.FieldTxHash, log.TxHash.Hex()).Msg("Skipping removed log")
				continue
			}

			l.mu.Lock()
			l.lastEventTime = time.Now()
			l.mu.Unlock()

			logger.Info().
				Str(logging.FieldTxHash, log.TxHash.Hex()).
				Uint64(logging.FieldBlock, log.BlockNumber).
				Msg("Ping event received")

			err := l.queue.Enqueue(ctx, models.PingReferenceFromLog(log))
			switch {
			case err == nil:
			case errors.Is(err, ErrQueueClosed):
				return "", err
			case errors.Is(err, models.ErrInvalidReference):
				logger.Warn().Err(err).Msg("Skipping malformed Ping log")
			default:
				logger.Error().Err(err).Msg("Failed to enqueue Ping")
				return EventEnqueueFailed, nil
			}
		}
	}
}

func (l *Listener) closeGap(ctx context.Context) {
	from := l.checkpoint.Get().LastProcessedBlock

	if _, err := l.backfill.Run(ctx, from, nil); err != nil {
		l.logger.Error().Err(err).Uint64("from_block", from).Msg("Gap backfill failed")
	}
}

// release tears down the current subscription.
func (l *Listener) release() error {
	live := l.live
	if live == nil {
		return nil
	}
	l.live = nil

	if err := live.sub.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "failed to unsubscribe from %s", live.endpoint)
	}

	return nil
}

func (l *Listener) fire(event ListenerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := NextListenerState(l.state, event)
	if err != nil {
		l.logger.Error().Err(err).Msg("Ignoring listener event")
		return
	}

	l.logger.Info().
		Str("from_state", string(l.state)).
		Str("event", string(event)).
		Str("to_state", string(next)).
		Msg("Listener transition")

	l.state = next
}

func (l *Listener) setState(state ListenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

func (l *Listener) State() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) Failovers() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failovers
}

func (l *Listener) LastEventTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastEventTime
}
