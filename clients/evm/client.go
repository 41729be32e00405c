package evm

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
)

const (
	dialVerifyTimeout = 5 * time.Second
	subscribeTimeout  = 15 * time.Second
)

// NewFromEndpoint creates a new ethclient.Client for the endpoint and checks that it answers.
// WebSocket endpoints are also checked for subscription support.
func NewFromEndpoint(ctx context.Context, endpoint string, logger zerolog.Logger) (*ethclient.Client, error) {
	logger = logger.With().
		Str(logging.FieldEndpoint, redactEndpoint(endpoint)).
		Str(logging.FieldModule, "evm_client").
		Logger()

	isWebSocket := isWebSocketURL(endpoint)

	var evmClient *ethclient.Client

	if isWebSocket {
		rpcClient, err := rpc.DialWebsocket(ctx, endpoint, "")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create WebSocket RPC client")
		}

		evmClient = ethclient.NewClient(rpcClient)

		if err := verifyWebsocketSubscription(ctx, evmClient); err != nil {
			evmClient.Close()
			return nil, errors.Wrap(err, "failed to verify WebSocket subscription")
		}
	} else {
		logger.Warn().Msg("Using HTTP RPC. Live subscriptions will fail over continuously. Consider using WebSockets")

		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to endpoint")
		}

		evmClient = client
	}

	// verify that the client works
	ctx, cancel := context.WithTimeout(ctx, dialVerifyTimeout)
	defer cancel()

	bn, err := evmClient.BlockNumber(ctx)
	if err != nil {
		evmClient.Close()
		return nil, errors.Wrap(err, "failed to get block number")
	}

	logger.Info().
		Bool("is_websocket", isWebSocket).
		Uint64(logging.FieldBlock, bn).
		Msg("Successfully created EVM client")

	return evmClient, nil
}

// verifyWebsocketSubscription checks that the endpoint accepts a newHeads subscription
func verifyWebsocketSubscription(ctx context.Context, client *ethclient.Client) error {
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	headers := make(chan *types.Header, 1)

	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return errors.Wrap(err, "subscription test failed")
	}

	sub.Unsubscribe()

	return nil
}

func isWebSocketURL(url string) bool {
	return strings.HasPrefix(url, "wss://") || strings.HasPrefix(url, "ws://")
}

// redactEndpoint drops the path and query, which often carry API keys.
func redactEndpoint(endpoint string) string {
	schemeEnd := strings.Index(endpoint, "://")
	if schemeEnd < 0 {
		return endpoint
	}

	rest := endpoint[schemeEnd+3:]
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}

	return endpoint[:schemeEnd+3] + rest
}
