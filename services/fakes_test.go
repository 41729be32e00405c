package services

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/stretchr/testify/require"
)

var testBackoff = BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond}

// fakeGateway is an in-memory chain with one Ping contract.
// Accepted transactions are mined in nonce order, so a skipped nonce stalls every later one.
type fakeGateway struct {
	endpoint string

	mu           sync.Mutex
	head         uint64
	logs         []types.Log
	filterCalls  []BlockRange
	filterErr    func(r BlockRange) error
	subscribeErr error
	subs         []*fakeSubscription
	pendingNonce uint64
	nonceErrs    int
	estimateErrs int
	receiptErrs  int
	baseFee      *big.Int
	gasPrice     *big.Int
	broadcastErr func(pingHash common.Hash, attempt int) error
	revert       func(pingHash common.Hash) bool
	holdMining   bool
	signed       []TxParams
	mempool      map[uint64]*types.Transaction
	receipts     map[common.Hash]models.Receipt
	confirmed    map[common.Hash]int
	attempts     map[common.Hash]int
	closed       int
}

func newFakeGateway(endpoint string, head uint64) *fakeGateway {
	return &fakeGateway{
		endpoint:     endpoint,
		head:         head,
		pendingNonce: 10,
		baseFee:      big.NewInt(10_000_000_000),
		gasPrice:     big.NewInt(3_000_000_000),
		mempool:      make(map[uint64]*types.Transaction),
		receipts:     make(map[common.Hash]models.Receipt),
		confirmed:    make(map[common.Hash]int),
		attempts:     make(map[common.Hash]int),
	}
}

func pingLog(hash string, block uint64) types.Log {
	return types.Log{TxHash: common.HexToHash(hash), BlockNumber: block}
}

func (g *fakeGateway) addLogs(logs ...types.Log) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logs = append(g.logs, logs...)
}

func (g *fakeGateway) Endpoint() string { return g.endpoint }

func (g *fakeGateway) BlockNumber(_ context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *fakeGateway) FilterPingLogs(_ context.Context, from, to uint64) ([]types.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := BlockRange{From: from, To: to}
	g.filterCalls = append(g.filterCalls, r)

	if g.filterErr != nil {
		if err := g.filterErr(r); err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, log := range g.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })

	return out, nil
}

func (g *fakeGateway) SubscribePingLogs(_ context.Context, sink chan<- types.Log) (LogSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.subscribeErr != nil {
		return nil, g.subscribeErr
	}

	sub := &fakeSubscription{errCh: make(chan error, 1), sink: sink}
	g.subs = append(g.subs, sub)

	return sub, nil
}

func (g *fakeGateway) lastSub() *fakeSubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.subs) == 0 {
		return nil
	}
	return g.subs[len(g.subs)-1]
}

func (g *fakeGateway) subCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *fakeGateway) PendingNonce(_ context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nonceErrs > 0 {
		g.nonceErrs--
		return 0, errors.New("nonce unavailable")
	}

	next := g.pendingNonce
	for g.mempool[next] != nil {
		next++
	}
	return next, nil
}

func (g *fakeGateway) EstimatePongGas(_ context.Context, _ common.Hash) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.estimateErrs > 0 {
		g.estimateErrs--
		return 0, errors.New("gas estimation failed")
	}
	return 45_000, nil
}

func (g *fakeGateway) PendingBaseFee(_ context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.baseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(g.baseFee), nil
}

func (g *fakeGateway) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.gasPrice), nil
}

// SignPong carries the ping hash in the calldata so Broadcast can recover it
func (g *fakeGateway) SignPong(_ context.Context, params TxParams) (*types.Transaction, error) {
	g.mu.Lock()
	g.signed = append(g.signed, params)
	g.mu.Unlock()

	return types.NewTx(&types.LegacyTx{
		Nonce: params.Nonce,
		Gas:   params.GasLimit,
		Data:  params.PingHash.Bytes(),
	}), nil
}

func (g *fakeGateway) Broadcast(_ context.Context, tx *types.Transaction) error {
	pingHash := common.BytesToHash(tx.Data())

	g.mu.Lock()
	attempt := g.attempts[pingHash]
	g.attempts[pingHash]++
	hook := g.broadcastErr
	g.mu.Unlock()

	if hook != nil {
		if err := hook(pingHash, attempt); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if tx.Nonce() < g.pendingNonce {
		return errors.New("nonce too low")
	}

	g.mempool[tx.Nonce()] = tx
	g.mineLocked()

	return nil
}

// mineLocked mines every transaction that is next in nonce order.
func (g *fakeGateway) mineLocked() {
	if g.holdMining {
		return
	}

	for {
		tx, ok := g.mempool[g.pendingNonce]
		if !ok {
			return
		}
		delete(g.mempool, g.pendingNonce)
		g.pendingNonce++
		g.head++

		pingHash := common.BytesToHash(tx.Data())
		receipt := models.Receipt{TxHash: tx.Hash(), BlockNumber: g.head, Status: types.ReceiptStatusSuccessful}

		if g.revert != nil && g.revert(pingHash) {
			receipt.Status = types.ReceiptStatusFailed
		} else {
			g.confirmed[pingHash]++
		}

		g.receipts[tx.Hash()] = receipt
	}
}

func (g *fakeGateway) TransactionReceipt(_ context.Context, txHash common.Hash) (models.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.receiptErrs > 0 {
		g.receiptErrs--
		return models.Receipt{}, errors.New("connection closed")
	}

	receipt, ok := g.receipts[txHash]
	if !ok {
		return models.Receipt{}, ErrReceiptNotFound
	}
	return receipt, nil
}

func (g *fakeGateway) setHoldMining(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.holdMining = hold
	g.mineLocked()
}

func (g *fakeGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
}

func (g *fakeGateway) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *fakeGateway) confirmedCount(hash common.Hash) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmed[hash]
}

func (g *fakeGateway) totalConfirmed() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, n := range g.confirmed {
		total += n
	}
	return total
}

func (g *fakeGateway) signedParams() []TxParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TxParams(nil), g.signed...)
}

func (g *fakeGateway) filterRanges() []BlockRange {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]BlockRange(nil), g.filterCalls...)
}

type fakeSubscription struct {
	errCh chan error
	sink  chan<- types.Log

	mu           sync.Mutex
	unsubscribed bool
	unsubErr     error
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

func (s *fakeSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribed = true
	return s.unsubErr
}

func (s *fakeSubscription) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

func (s *fakeSubscription) emit(log types.Log) {
	s.sink <- log
}

func (s *fakeSubscription) fail(err error) {
	s.errCh <- err
}

// staticProvider always returns the same gateway
type staticProvider struct {
	gateway LedgerGateway
}

func (p staticProvider) Active() LedgerGateway { return p.gateway }

func (p staticProvider) Acquire() (LedgerGateway, func()) { return p.gateway, func() {} }

// memStore is a thread-safe in-memory RelayStore
type memStore struct {
	mu          sync.Mutex
	checkpoint  *models.Checkpoint
	saves       []uint64
	saveErr     error
	deadLetters []common.Hash
	dlSaves     int
}

func (s *memStore) LoadCheckpoint(_ context.Context) (models.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoint == nil {
		return models.Checkpoint{}, false, nil
	}
	return s.checkpoint.Clone(), true, nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, checkpoint models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}

	cp := checkpoint.Clone()
	s.checkpoint = &cp
	s.saves = append(s.saves, checkpoint.LastProcessedBlock)

	return nil
}

func (s *memStore) LoadDeadLetters(_ context.Context) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Hash{}, s.deadLetters...), nil
}

func (s *memStore) SaveDeadLetters(_ context.Context, hashes []common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append([]common.Hash{}, hashes...)
	s.dlSaves++

	return nil
}

func (s *memStore) savedBlocks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.saves...)
}

func (s *memStore) persistedDeadLetters() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Hash{}, s.deadLetters...)
}

// recordingEnqueuer collects enqueued references
type recordingEnqueuer struct {
	mu   sync.Mutex
	refs []models.PingReference
	err  error
	hook func(ref models.PingReference)
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, ref models.PingReference) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	e.refs = append(e.refs, ref)
	if e.hook != nil {
		e.hook(ref)
	}

	return nil
}

func (e *recordingEnqueuer) hashes() []common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]common.Hash, 0, len(e.refs))
	for _, ref := range e.refs {
		out = append(out, ref.TxHash)
	}
	return out
}

func waitIdle(t *testing.T, queue *SubmissionQueue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, queue.WaitIdle(ctx))
}
