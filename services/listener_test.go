package services

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextListenerState(t *testing.T) {
	tests := []struct {
		from    ListenerState
		event   ListenerEvent
		want    ListenerState
		wantErr bool
	}{
		{from: StateConnecting, event: EventSubscribed, want: StateListening},
		{from: StateConnecting, event: EventSubscribeFailed, want: StateFailedOver},
		{from: StateListening, event: EventSubscriptionError, want: StateFailedOver},
		{from: StateListening, event: EventSubscriptionClosed, want: StateFailedOver},
		{from: StateListening, event: EventEnqueueFailed, want: StateFailedOver},
		{from: StateFailedOver, event: EventSubscribeFailed, want: StateFailedOver},
		{from: StateFailedOver, event: EventGapClosed, want: StateListening},

		{from: StateConnecting, event: EventGapClosed, want: StateConnecting, wantErr: true},
		{from: StateListening, event: EventSubscribed, want: StateListening, wantErr: true},
		{from: StateFailedOver, event: EventSubscriptionError, want: StateFailedOver, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := NextListenerState(tt.from, tt.event)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func dialerFor(gateways map[string]*fakeGateway) GatewayDialer {
	return func(_ context.Context, endpoint string) (LedgerGateway, error) {
		gateway, ok := gateways[endpoint]
		if !ok {
			return nil, errors.Errorf("unknown endpoint %s", endpoint)
		}
		return gateway, nil
	}
}

type listenerFixture struct {
	provider   *ProviderState
	checkpoint *CheckpointTracker
	enqueuer   *recordingEnqueuer
	listener   *Listener
}

func newListenerFixture(t *testing.T, endpoints []string, gateways map[string]*fakeGateway, startBlock uint64) *listenerFixture {
	t.Helper()

	ctx := context.Background()
	logger := logging.NewTesting(t)

	provider, err := NewProviderState(ctx, endpoints, dialerFor(gateways), logger)
	require.NoError(t, err)

	checkpoint := NewCheckpointTracker(&memStore{}, logger)
	checkpoint.Reset(ctx, startBlock)

	enqueuer := &recordingEnqueuer{}
	backfill := NewBackfillService(provider, enqueuer, checkpoint, 500, 0, logger)

	return &listenerFixture{
		provider:   provider,
		checkpoint: checkpoint,
		enqueuer:   enqueuer,
		listener:   NewListener(provider, backfill, checkpoint, enqueuer, time.Millisecond, logger),
	}
}

// run starts the listener and returns a func that stops it and returns its result
func (f *listenerFixture) run(t *testing.T) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		result <- f.listener.Run(ctx)
	}()

	var stopped bool
	var err error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			err = <-result
		}
		return err
	}

	t.Cleanup(func() { _ = stop() })

	return stop
}

func TestListener_FailoverBackfillsGapBeforeLiveEvents(t *testing.T) {
	primary := newFakeGateway("primary", 100)
	secondary := newFakeGateway("secondary", 120)
	secondary.addLogs(pingLog("0x2", 110))

	f := newListenerFixture(t, []string{"primary", "secondary"}, map[string]*fakeGateway{
		"primary":   primary,
		"secondary": secondary,
	}, 100)

	stop := f.run(t)

	require.Eventually(t, func() bool {
		return primary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	primary.lastSub().emit(pingLog("0x1", 101))

	require.Eventually(t, func() bool {
		return len(f.enqueuer.hashes()) == 1
	}, 5*time.Second, time.Millisecond)

	primary.lastSub().fail(errors.New("websocket: close 1006"))

	require.Eventually(t, func() bool {
		return secondary.subCount() == 1
	}, 5*time.Second, time.Millisecond)

	// buffered until the gap is closed
	secondary.lastSub().emit(pingLog("0x3", 121))

	require.Eventually(t, func() bool {
		return len(f.enqueuer.hashes()) == 3
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []common.Hash{
		common.HexToHash("0x1"),
		common.HexToHash("0x2"),
		common.HexToHash("0x3"),
	}, f.enqueuer.hashes())

	assert.Equal(t, []BlockRange{{From: 100, To: 100}}, primary.filterRanges())
	assert.Equal(t, []BlockRange{{From: 100, To: 120}}, secondary.filterRanges(), "exactly one gap backfill")
	assert.True(t, primary.lastSub().isUnsubscribed())
	assert.Equal(t, StateListening, f.listener.State())
	assert.Equal(t, uint64(1), f.listener.Failovers())
	assert.Equal(t, "secondary", f.provider.ActiveEndpoint())
	assert.Equal(t, uint64(120), f.checkpoint.Get().LastProcessedBlock)
	assert.False(t, f.listener.LastEventTime().IsZero())

	require.NoError(t, stop())
	assert.True(t, secondary.lastSub().isUnsubscribed())
}

func TestListener_InitialSubscribeFailureFailsOver(t *testing.T) {
	primary := newFakeGateway("primary", 100)
	primary.subscribeErr = errors.New("dial tcp: connection refused")
	secondary := newFakeGateway("secondary", 100)

	f := newListenerFixture(t, []string{"primary", "secondary"}, map[string]*fakeGateway{
		"primary":   primary,
		"secondary": secondary,
	}, 100)

	stop := f.run(t)

	require.Eventually(t, func() bool {
		return secondary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, uint64(1), f.listener.Failovers())
	assert.Zero(t, primary.subCount())

	require.NoError(t, stop())
}

func TestListener_SingleEndpointResubscribes(t *testing.T) {
	primary := newFakeGateway("primary", 100)

	f := newListenerFixture(t, []string{"primary"}, map[string]*fakeGateway{"primary": primary}, 100)

	stop := f.run(t)

	require.Eventually(t, func() bool {
		return primary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	first := primary.lastSub()
	close(first.errCh)

	require.Eventually(t, func() bool {
		return primary.subCount() == 2 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	assert.True(t, first.isUnsubscribed())
	assert.Equal(t, "primary", f.provider.ActiveEndpoint())

	require.NoError(t, stop())
}

func TestListener_SkipsRemovedLogs(t *testing.T) {
	primary := newFakeGateway("primary", 100)

	f := newListenerFixture(t, []string{"primary"}, map[string]*fakeGateway{"primary": primary}, 100)

	stop := f.run(t)

	require.Eventually(t, func() bool {
		return primary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	removed := pingLog("0x1", 101)
	removed.Removed = true
	primary.lastSub().emit(removed)
	primary.lastSub().emit(pingLog("0x2", 102))

	require.Eventually(t, func() bool {
		return len(f.enqueuer.hashes()) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []common.Hash{common.HexToHash("0x2")}, f.enqueuer.hashes())

	require.NoError(t, stop())
}

func TestListener_StopsWhenQueueCloses(t *testing.T) {
	primary := newFakeGateway("primary", 100)

	f := newListenerFixture(t, []string{"primary"}, map[string]*fakeGateway{"primary": primary}, 100)
	f.enqueuer.err = ErrQueueClosed

	result := make(chan error, 1)
	go func() {
		result <- f.listener.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return primary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	primary.lastSub().emit(pingLog("0x1", 101))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	assert.True(t, primary.lastSub().isUnsubscribed())
}

func TestListener_ReturnsTeardownError(t *testing.T) {
	primary := newFakeGateway("primary", 100)

	f := newListenerFixture(t, []string{"primary"}, map[string]*fakeGateway{"primary": primary}, 100)

	stop := f.run(t)

	require.Eventually(t, func() bool {
		return primary.subCount() == 1 && f.listener.State() == StateListening
	}, 5*time.Second, time.Millisecond)

	sub := primary.lastSub()
	sub.mu.Lock()
	sub.unsubErr = errors.New("use of closed network connection")
	sub.mu.Unlock()

	assert.ErrorContains(t, stop(), "failed to unsubscribe from primary")
}
