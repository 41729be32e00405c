package httpjson

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	web "github.com/speedrun-hq/pongrelay/http"
	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/speedrun-hq/pongrelay/services"
)

type handler struct {
	*gin.Engine

	deps   Dependencies
	logger zerolog.Logger
}

type Config struct {
	Dependencies

	Addr           string
	AllowedOrigins string
	LogRequests    bool

	Logger zerolog.Logger
}

type Dependencies struct {
	Database Pinger
	Relay    Relay
	Metrics  *services.MetricsService
}

// Pinger checks the checkpoint store.
type Pinger interface {
	Ping() error
}

// Relay defines the relay operations exposed over HTTP
type Relay interface {
	Status() services.RelayStatus
	DeadLetters() []common.Hash
	RetryDeadLetters(ctx context.Context) (int, error)
	Backfill(ctx context.Context) (services.BackfillResult, error)
}

const (
	requestTimeout = 10 * time.Second
	rwTimeout      = 15 * time.Second
)

func New(cfg Config) *http.Server {
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: newHandler(cfg, gin.New()),

		// Time to read the request headers/body
		ReadTimeout: rwTimeout,

		// Time to write the response
		WriteTimeout: rwTimeout,

		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1024 * 1024,
	}
}

func newHandler(cfg Config, router *gin.Engine) *handler {
	h := &handler{
		Engine: router,
		deps:   cfg.Dependencies,
		logger: cfg.Logger.With().Str(logging.FieldModule, "api").Logger(),
	}

	logLevel := zerolog.DebugLevel
	if cfg.LogRequests {
		logLevel = zerolog.InfoLevel
	}

	h.Use(
		gin.Recovery(),
		web.Zerolog(cfg.Logger, logLevel),
		web.Timeout(requestTimeout, cfg.Logger),
		web.CORS(cfg.AllowedOrigins),
	)

	h.setupAPIRoutes()
	h.setupObservabilityRoutes()

	return h
}

func (h *handler) setupAPIRoutes() {
	v1 := h.Group("/api/v1")

	v1.GET("/status", h.getStatus)
	v1.POST("/backfill", h.postBackfill)

	deadLetters := v1.Group("/dead-letters")
	{
		deadLetters.GET("", h.getDeadLetters)
		deadLetters.POST("/retry", h.postRetryDeadLetters)
	}
}

func (h *handler) setupObservabilityRoutes() {
	h.GET("/health", h.getHealthCheck)

	if h.deps.Metrics != nil {
		h.GET("/metrics", gin.WrapH(h.deps.Metrics.GetHandler()))

		// summary for debugging
		h.GET("/api/v1/metrics", h.getMetricsSummary)
	}
}

func (h *handler) getHealthCheck(c *gin.Context) {
	if h.deps.Database != nil {
		if err := h.deps.Database.Ping(); err != nil {
			h.logger.Error().Err(err).Msg("Checkpoint store is unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}

	if h.deps.Relay != nil && h.deps.Relay.Status().IsShutdown {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) getMetricsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Metrics.GetMetricsSummary())
}

type statusResponse struct {
	ChainID         uint64            `json:"chain_id"`
	ChainName       string            `json:"chain_name"`
	Checkpoint      models.Checkpoint `json:"checkpoint"`
	ActiveEndpoint  string            `json:"active_endpoint"`
	StandbyEndpoint string            `json:"standby_endpoint"`
	ListenerState   string            `json:"listener_state"`
	Failovers       uint64            `json:"failovers"`
	LastEventTime   *time.Time        `json:"last_event_time,omitempty"`
	QueueDepth      int               `json:"queue_depth"`
	InFlight        int               `json:"in_flight"`
	Draining        bool              `json:"draining"`
	DeadLetters     int               `json:"dead_letters"`
	PongsSubmitted  uint64            `json:"pongs_submitted"`
	DeadLettered    uint64            `json:"dead_lettered"`
	PersistFailures uint64            `json:"persist_failures"`
}

func (h *handler) getStatus(c *gin.Context) {
	status := h.deps.Relay.Status()

	res := statusResponse{
		ChainID:         status.ChainID,
		ChainName:       status.ChainName,
		Checkpoint:      status.Checkpoint,
		ActiveEndpoint:  status.ActiveEndpoint,
		StandbyEndpoint: status.StandbyEndpoint,
		ListenerState:   string(status.ListenerState),
		Failovers:       status.Failovers,
		QueueDepth:      status.QueueDepth,
		InFlight:        status.InFlight,
		Draining:        status.Draining,
		DeadLetters:     status.DeadLetters,
		PongsSubmitted:  status.Submission.Submitted,
		DeadLettered:    status.Submission.DeadLettered,
		PersistFailures: status.PersistFailures,
	}

	if !status.LastEventTime.IsZero() {
		res.LastEventTime = &status.LastEventTime
	}

	c.JSON(http.StatusOK, res)
}

func (h *handler) getDeadLetters(c *gin.Context) {
	entries := models.FailedEntries(h.deps.Relay.DeadLetters())

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

func (h *handler) postRetryDeadLetters(c *gin.Context) {
	n, err := h.deps.Relay.RetryDeadLetters(c.Request.Context())
	if err != nil {
		web.ErrRelay(c, h.logger, err, "Dead letter retry failed")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"resubmitted": n})
}

func (h *handler) postBackfill(c *gin.Context) {
	result, err := h.deps.Relay.Backfill(c.Request.Context())
	if err != nil {
		web.ErrRelay(c, h.logger, err, "Manual backfill failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from_block":    result.From,
		"to_block":      result.To,
		"chunks":        result.Chunks,
		"failed_chunks": result.FailedChunks,
		"events":        result.Events,
	})
}
