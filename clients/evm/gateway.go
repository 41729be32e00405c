package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/speedrun-hq/pongrelay/services"
)

const (
	pingEventName    = "Ping"
	pongMethodName   = "pong"
	unsubscribeLimit = 5 * time.Second
)

// GatewayConfig is shared by every endpoint's gateway.
type GatewayConfig struct {
	ContractAddress common.Address
	PrivateKey      *ecdsa.PrivateKey
	ChainID         *big.Int
	ABI             string
}

// NewGatewayConfig parses the hex key and contract address.
func NewGatewayConfig(contract, privateKey string, chainID uint64, contractABI string) (GatewayConfig, error) {
	if !common.IsHexAddress(contract) {
		return GatewayConfig{}, errors.Errorf("invalid contract address %q", contract)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return GatewayConfig{}, errors.Wrap(err, "invalid private key")
	}

	return GatewayConfig{
		ContractAddress: common.HexToAddress(contract),
		PrivateKey:      key,
		ChainID:         new(big.Int).SetUint64(chainID),
		ABI:             contractABI,
	}, nil
}

// Gateway implements services.LedgerGateway over one go-ethereum client.
type Gateway struct {
	client   *ethclient.Client
	endpoint string
	contract common.Address
	abi      abi.ABI
	topic    common.Hash
	chainID  *big.Int
	auth     *bind.TransactOpts
	logger   zerolog.Logger
}

var _ services.LedgerGateway = (*Gateway)(nil)

// NewGateway wraps a connected client.
func NewGateway(client *ethclient.Client, endpoint string, cfg GatewayConfig, logger zerolog.Logger) (*Gateway, error) {
	parsed, err := abi.JSON(strings.NewReader(cfg.ABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse contract ABI")
	}

	event, ok := parsed.Events[pingEventName]
	if !ok {
		return nil, errors.Errorf("event %s not found in ABI", pingEventName)
	}

	if _, ok := parsed.Methods[pongMethodName]; !ok {
		return nil, errors.Errorf("method %s not found in ABI", pongMethodName)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transactor")
	}

	return &Gateway{
		client:   client,
		endpoint: endpoint,
		contract: cfg.ContractAddress,
		abi:      parsed,
		topic:    event.ID,
		chainID:  cfg.ChainID,
		auth:     auth,
		logger: logger.With().
			Str(logging.FieldModule, "gateway").
			Str(logging.FieldEndpoint, redactEndpoint(endpoint)).
			Logger(),
	}, nil
}

// Dialer returns a services.GatewayDialer that connects with NewFromEndpoint.
func Dialer(cfg GatewayConfig, logger zerolog.Logger) services.GatewayDialer {
	return func(ctx context.Context, endpoint string) (services.LedgerGateway, error) {
		client, err := NewFromEndpoint(ctx, endpoint, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", redactEndpoint(endpoint))
		}

		gateway, err := NewGateway(client, endpoint, cfg, logger)
		if err != nil {
			client.Close()
			return nil, err
		}

		return gateway, nil
	}
}

// Endpoint is the redacted endpoint URL.
func (g *Gateway) Endpoint() string {
	return redactEndpoint(g.endpoint)
}

func (g *Gateway) From() common.Address {
	return g.auth.From
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	return g.client.BlockNumber(ctx)
}

func (g *Gateway) pingQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{g.topic}},
	}
}

func (g *Gateway) FilterPingLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	query := g.pingQuery()
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)

	logs, err := g.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to filter logs in [%d, %d]", from, to)
	}

	return logs, nil
}

func (g *Gateway) SubscribePingLogs(ctx context.Context, sink chan<- types.Log) (services.LogSubscription, error) {
	sub, err := g.client.SubscribeFilterLogs(ctx, g.pingQuery(), sink)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to Ping logs")
	}

	return &subscription{sub: sub, timeout: unsubscribeLimit}, nil
}

func (g *Gateway) PendingNonce(ctx context.Context) (uint64, error) {
	return g.client.PendingNonceAt(ctx, g.auth.From)
}

func (g *Gateway) EstimatePongGas(ctx context.Context, pingHash common.Hash) (uint64, error) {
	data, err := g.packPong(pingHash)
	if err != nil {
		return 0, err
	}

	return g.client.EstimateGas(ctx, ethereum.CallMsg{
		From: g.auth.From,
		To:   &g.contract,
		Data: data,
	})
}

// PendingBaseFee returns the base fee of the pending block, nil before London.
func (g *Gateway) PendingBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := g.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pending block")
	}

	return header.BaseFee, nil
}

func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return g.client.SuggestGasPrice(ctx)
}

func (g *Gateway) SignPong(_ context.Context, params services.TxParams) (*types.Transaction, error) {
	data, err := g.packPong(params.PingHash)
	if err != nil {
		return nil, err
	}

	tx := buildPongTx(g.chainID, g.contract, data, params)

	signed, err := g.auth.Signer(g.auth.From, tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	return signed, nil
}

func buildPongTx(chainID *big.Int, contract common.Address, data []byte, params services.TxParams) *types.Transaction {
	if params.IsDynamicFee() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     params.Nonce,
			GasTipCap: params.GasTipCap,
			GasFeeCap: params.GasFeeCap,
			Gas:       params.GasLimit,
			To:        &contract,
			Data:      data,
		})
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		GasPrice: params.GasPrice,
		Gas:      params.GasLimit,
		To:       &contract,
		Data:     data,
	})
}

func (g *Gateway) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := g.client.SendTransaction(ctx, tx); err != nil {
		return errors.Wrap(err, "failed to send transaction")
	}

	g.logger.Debug().
		Str("pong_tx_hash", tx.Hash().Hex()).
		Uint64(logging.FieldNonce, tx.Nonce()).
		Msg("Pong broadcast")

	return nil
}

func (g *Gateway) TransactionReceipt(ctx context.Context, txHash common.Hash) (models.Receipt, error) {
	receipt, err := g.client.TransactionReceipt(ctx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return models.Receipt{}, services.ErrReceiptNotFound
	case err != nil:
		return models.Receipt{}, errors.Wrapf(err, "failed to get receipt of %s", txHash.Hex())
	}

	return models.Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
	}, nil
}

func (g *Gateway) Close() {
	g.client.Close()
}

func (g *Gateway) packPong(pingHash common.Hash) ([]byte, error) {
	data, err := g.abi.Pack(pongMethodName, [32]byte(pingHash))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode pong call")
	}
	return data, nil
}

// subscription adapts an ethereum.Subscription; Unsubscribe gives up after timeout.
type subscription struct {
	sub     ethereum.Subscription
	timeout time.Duration
}

func (s *subscription) Err() <-chan error {
	return s.sub.Err()
}

func (s *subscription) Unsubscribe() error {
	done := make(chan struct{})

	go func() {
		s.sub.Unsubscribe()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.timeout):
		return errors.Errorf("unsubscribe did not complete within %v", s.timeout)
	}
}
