package services

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/pongrelay/models"
)

// ErrReceiptNotFound means the transaction is not mined yet.
var ErrReceiptNotFound = errors.New("receipt not found")

// LogSubscription is a live feed of Ping logs.
// Err is closed when the subscription ends.
type LogSubscription interface {
	Err() <-chan error
	Unsubscribe() error
}

// TxParams describe one pong transaction to sign.
// GasFeeCap and GasTipCap are set for dynamic fee transactions, GasPrice otherwise.
type TxParams struct {
	PingHash  common.Hash
	Nonce     uint64
	GasLimit  uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int
}

// IsDynamicFee reports whether the params describe an EIP-1559 transaction.
func (p TxParams) IsDynamicFee() bool {
	return p.GasFeeCap != nil
}

// LedgerGateway is the relay's view of one RPC endpoint.
type LedgerGateway interface {
	Endpoint() string
	BlockNumber(ctx context.Context) (uint64, error)
	FilterPingLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
	SubscribePingLogs(ctx context.Context, sink chan<- types.Log) (LogSubscription, error)

	PendingNonce(ctx context.Context) (uint64, error)
	EstimatePongGas(ctx context.Context, pingHash common.Hash) (uint64, error)

	// PendingBaseFee returns nil if the pending block has no base fee.
	PendingBaseFee(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	SignPong(ctx context.Context, params TxParams) (*types.Transaction, error)

	// Broadcast hands the transaction to the node without waiting for it to be mined.
	Broadcast(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns ErrReceiptNotFound until the transaction is mined.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (models.Receipt, error)

	Close()
}

// GatewayDialer connects to an endpoint.
type GatewayDialer func(ctx context.Context, endpoint string) (LedgerGateway, error)

// GatewayProvider returns the gateway of the currently active endpoint.
type GatewayProvider interface {
	Active() LedgerGateway

	// Acquire is Active for long calls: the gateway is not closed before release runs.
	Acquire() (gateway LedgerGateway, release func())
}

// Enqueuer accepts ping references for submission.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref models.PingReference) error
}
