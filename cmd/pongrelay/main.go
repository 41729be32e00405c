package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/clients/evm"
	"github.com/speedrun-hq/pongrelay/cmd/pongrelay/httpjson"
	"github.com/speedrun-hq/pongrelay/config"
	"github.com/speedrun-hq/pongrelay/db"
	"github.com/speedrun-hq/pongrelay/http"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/services"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()
	log := logging.New(os.Stdout, flags.LogLevel, flags.LogJSON)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return err
	}

	ctx := context.Background()

	// Initialize checkpoint store
	log.Info().Str("backend", cfg.CheckpointBackend).Msg("Initializing checkpoint store")
	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize checkpoint store")
		return err
	}

	defer func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close checkpoint store")
		}
	}()

	gatewayCfg, err := evm.NewGatewayConfig(cfg.ContractAddress, cfg.PrivateKey, cfg.ChainID, cfg.PingPongABI)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create gateway config")
		return err
	}

	// Connect to every endpoint up front
	provider, err := services.NewProviderState(ctx, cfg.Endpoints(), evm.Dialer(gatewayCfg, log), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to RPC endpoints")
		return err
	}

	relay := services.NewRelayService(provider, database, services.RelayConfig{
		ChainID:                 cfg.ChainID,
		ChainName:               config.ChainLabel(cfg.ChainID),
		MaxRetries:              cfg.MaxRetries,
		BatchSize:               cfg.BatchSize,
		PriorityFeeWei:          new(big.Int).SetUint64(cfg.PriorityFeeWei),
		Backoff:                 services.DefaultBackoff,
		ReceiptTimeout:          cfg.ReceiptTimeout,
		BackfillChunkSize:       cfg.BackfillChunkSize,
		BackfillQueryRate:       cfg.BackfillQueryRate,
		BackfillInterval:        cfg.BackfillInterval,
		DeadLetterRetryInterval: cfg.DeadLetterRetryInterval,
		ReconnectDelay:          cfg.ReconnectDelay,
	}, log)

	if err := relay.Start(ctx); err != nil {
		provider.Close()
		log.Error().Err(err).Msg("Failed to start relay")
		return err
	}

	// Create metrics service
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	metricsService := services.NewMetricsService(log)
	metricsService.RegisterRelay(relay)
	metricsService.StartMetricsUpdater(metricsCtx)

	// Create and start the server
	server := httpjson.New(httpjson.Config{
		Addr:           fmt.Sprintf(":%s", cfg.Port),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
		LogRequests:    true,
		Dependencies: httpjson.Dependencies{
			Database: database,
			Relay:    relay,
			Metrics:  metricsService,
		},
	})

	serverShutdown, serverFailed := http.StartAsync(server, log)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownErrors []error

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received, cleaning up services...")
	case err := <-serverFailed:
		shutdownErrors = append(shutdownErrors, err)
	}

	// Shutdown HTTP server first
	serverCtx, cancelServer := context.WithTimeout(ctx, shutdownTimeout)
	if err := serverShutdown(serverCtx); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}
	cancelServer()

	log.Info().Msg("Shutting down relay...")
	if err := relay.Shutdown(shutdownTimeout); err != nil {
		shutdownErrors = append(shutdownErrors, errors.Wrap(err, "failed to shutdown relay"))
	}

	// Log any shutdown errors
	if len(shutdownErrors) > 0 {
		log.Error().Int("errors_count", len(shutdownErrors)).Msg("Encountered errors during shutdown")
		for _, err := range shutdownErrors {
			log.Error().Err(err).Msg("Error during shutdown")
		}
		return shutdownErrors[0]
	}

	log.Info().Msg("All services shut down successfully")

	return nil
}

type flagSet struct {
	LogJSON  bool
	LogLevel zerolog.Level
}

func parseFlags() flagSet {
	var (
		logJSON  bool
		logLevel string
	)

	flag.BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	flag.StringVar(&logLevel, "log-level", "info", "Set log level (trace, debug, info, warn, error)")

	flag.Parse()

	return flagSet{
		LogJSON:  logJSON,
		LogLevel: logging.ParseLevel(logLevel),
	}
}
