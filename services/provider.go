package services

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
	"golang.org/x/sync/errgroup"
)

// ProviderState tracks which endpoint is active. Endpoints alternate on every swap.
// Raw endpoint URLs never leave it; callers see the gateway's Endpoint instead.
type ProviderState struct {
	endpoints []string
	dial      GatewayDialer
	logger    zerolog.Logger

	mu       sync.RWMutex
	active   int
	gateways map[string]*connection
	retired  []*connection
}

// connection counts the callers holding a gateway so a swap never closes it under them.
type connection struct {
	gateway LedgerGateway
	users   int
	retired bool
}

// NewProviderState dials every endpoint concurrently; the first one starts active.
func NewProviderState(
	ctx context.Context,
	endpoints []string,
	dial GatewayDialer,
	logger zerolog.Logger,
) (*ProviderState, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}

	var (
		gateways            = make(map[string]LedgerGateway, len(endpoints))
		mu                  = sync.Mutex{}
		errGroup, ctxShared = errgroup.WithContext(ctx)
	)

	for _, endpoint := range endpoints {
		errGroup.Go(func() error {
			gateway, err := dial(ctxShared, endpoint)
			if err != nil {
				return errors.Wrap(err, "failed to connect")
			}

			mu.Lock()
			gateways[endpoint] = gateway
			mu.Unlock()

			return nil
		})
	}

	if err := errGroup.Wait(); err != nil {
		for _, gateway := range gateways {
			gateway.Close()
		}
		return nil, err
	}

	connections := make(map[string]*connection, len(gateways))
	for endpoint, gateway := range gateways {
		connections[endpoint] = &connection{gateway: gateway}
	}

	return &ProviderState{
		endpoints: endpoints,
		dial:      dial,
		logger:    logger.With().Str(logging.FieldModule, "provider").Logger(),
		gateways:  connections,
	}, nil
}

// Active returns the gateway of the active endpoint.
func (p *ProviderState) Active() LedgerGateway {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gateways[p.endpoints[p.active]].gateway
}

// Acquire returns the active gateway and a release func. A gateway replaced by
// Swap stays open until every holder has released it.
func (p *ProviderState) Acquire() (LedgerGateway, func()) {
	p.mu.Lock()
	conn := p.gateways[p.endpoints[p.active]]
	conn.users++
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			conn.users--
			closeNow := conn.retired && conn.users == 0
			if closeNow {
				p.dropRetiredLocked(conn)
			}
			p.mu.Unlock()

			if closeNow {
				conn.gateway.Close()
			}
		})
	}

	return conn.gateway, release
}

func (p *ProviderState) dropRetiredLocked(conn *connection) {
	for i, c := range p.retired {
		if c == conn {
			p.retired = append(p.retired[:i], p.retired[i+1:]...)
			return
		}
	}
}

func (p *ProviderState) ActiveEndpoint() string {
	return p.Active().Endpoint()
}

// StandbyEndpoint equals ActiveEndpoint when only one endpoint is configured.
func (p *ProviderState) StandbyEndpoint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gateways[p.endpoints[(p.active+1)%len(p.endpoints)]].gateway.Endpoint()
}

// Swap makes the standby endpoint active and reconnects to it. The previous
// connection to that endpoint is closed once no caller holds it. If dialing
// fails the endpoint stays active with its old connection, and the next swap moves on.
func (p *ProviderState) Swap(ctx context.Context) (LedgerGateway, error) {
	p.mu.Lock()
	p.active = (p.active + 1) % len(p.endpoints)
	endpoint := p.endpoints[p.active]
	p.mu.Unlock()

	fresh, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reconnect")
	}

	p.mu.Lock()
	old := p.gateways[endpoint]
	p.gateways[endpoint] = &connection{gateway: fresh}

	closeOld := old != nil && old.gateway != fresh && old.users == 0
	if old != nil && old.gateway != fresh && old.users > 0 {
		old.retired = true
		p.retired = append(p.retired, old)
	}
	p.mu.Unlock()

	p.logger.Info().Str(logging.FieldEndpoint, fresh.Endpoint()).Msg("Switched active endpoint")

	if closeOld {
		old.gateway.Close()
	}

	return fresh, nil
}

// Close closes every connection, including replaced ones still held by callers.
func (p *ProviderState) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.gateways {
		conn.gateway.Close()
	}
	for _, conn := range p.retired {
		conn.retired = false
		conn.gateway.Close()
	}
	p.retired = nil
}
