package http

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
)

const shutdownTimeout = 10 * time.Second

// StartAsync starts srv in the background. failed receives the error if the
// server stops on its own, e.g. when the port is taken. shutdown stops it gracefully.
func StartAsync(srv *http.Server, logger zerolog.Logger) (shutdown func(context.Context) error, failed <-chan error) {
	logger = logger.With().Str(logging.FieldModule, "http").Str("addr", srv.Addr).Logger()

	failures := make(chan error, 1)

	go func() {
		logger.Info().Msg("Starting HTTP server")

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err(err).Msg("HTTP server error")
			failures <- errors.Wrap(err, "http server stopped")
		}
	}()

	shutdown = func(ctx context.Context) error {
		logger.Info().Msg("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "failed to shutdown HTTP server")
		}

		logger.Info().Msg("HTTP server shutdown complete")

		return nil
	}

	return shutdown, failures
}
