package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/logging"
)

const metricsUpdateInterval = 15 * time.Second

// StatusProvider exposes a relay snapshot.
type StatusProvider interface {
	Status() RelayStatus
}

// MetricsService handles Prometheus metrics collection and exposition
type MetricsService struct {
	relayUp              *prometheus.GaugeVec
	checkpointBlock      *prometheus.GaugeVec
	queueDepth           *prometheus.GaugeVec
	inFlight             *prometheus.GaugeVec
	deadLetters          *prometheus.GaugeVec
	listenerState        *prometheus.GaugeVec
	failoversTotal       *prometheus.GaugeVec
	pingsEnqueuedTotal   *prometheus.GaugeVec
	pingsDedupTotal      *prometheus.GaugeVec
	pongsSubmittedTotal  *prometheus.GaugeVec
	failedAttemptsTotal  *prometheus.GaugeVec
	deadLetteredTotal    *prometheus.GaugeVec
	backfillChunkErrors  *prometheus.GaugeVec
	persistFailuresTotal *prometheus.GaugeVec
	activeGoroutines     *prometheus.GaugeVec
	timeSinceLastEvent   *prometheus.GaugeVec

	relay    StatusProvider
	mu       sync.RWMutex
	logger   zerolog.Logger
	registry *prometheus.Registry
}

// NewMetricsService creates a new metrics service
func NewMetricsService(logger zerolog.Logger) *MetricsService {
	registry := prometheus.NewRegistry()
	labels := []string{"chain_id", "chain_name"}

	gauge := func(name, help string, extra ...string) *prometheus.GaugeVec {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pongrelay_" + name,
			Help: help,
		}, append(append([]string{}, labels...), extra...))
		registry.MustRegister(vec)
		return vec
	}

	return &MetricsService{
		relayUp:              gauge("up", "Whether the relay is running (1 = running, 0 = shut down)"),
		checkpointBlock:      gauge("checkpoint_block", "Last processed block of the checkpoint"),
		queueDepth:           gauge("queue_depth", "Pings waiting for submission"),
		inFlight:             gauge("submissions_in_flight", "Pongs in the batch being sent"),
		deadLetters:          gauge("dead_letters", "Entries in the dead-letter list"),
		listenerState:        gauge("listener_state", "Current listener state (1 for the active state)", "state"),
		failoversTotal:       gauge("failovers_total", "Endpoint failovers since start"),
		pingsEnqueuedTotal:   gauge("pings_enqueued_total", "Pings accepted by the submission queue"),
		pingsDedupTotal:      gauge("pings_deduplicated_total", "Pings dropped as already seen"),
		pongsSubmittedTotal:  gauge("pongs_submitted_total", "Pongs confirmed on chain"),
		failedAttemptsTotal:  gauge("pong_failed_attempts_total", "Failed pong submission attempts"),
		deadLetteredTotal:    gauge("dead_lettered_total", "Pings moved to the dead-letter list"),
		backfillChunkErrors:  gauge("backfill_failed_chunks_total", "Backfill chunks whose log query failed"),
		persistFailuresTotal: gauge("checkpoint_persist_failures_total", "Failed checkpoint writes"),
		activeGoroutines:     gauge("active_goroutines", "Goroutines tracked by the relay"),
		timeSinceLastEvent:   gauge("time_since_last_event_seconds", "Seconds since the last live Ping event"),
		logger:               logger.With().Str(logging.FieldModule, "metrics").Logger(),
		registry:             registry,
	}
}

// RegisterRelay registers the relay for metrics collection
func (m *MetricsService) RegisterRelay(relay StatusProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relay = relay
}

// UpdateMetrics copies the relay snapshot into the gauges
func (m *MetricsService) UpdateMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.relay == nil {
		return
	}

	status := m.relay.Status()
	chainID := fmt.Sprintf("%d", status.ChainID)
	chainName := status.ChainName

	set := func(vec *prometheus.GaugeVec, value float64) {
		vec.WithLabelValues(chainID, chainName).Set(value)
	}

	if status.IsShutdown {
		set(m.relayUp, 0)
	} else {
		set(m.relayUp, 1)
	}

	set(m.checkpointBlock, float64(status.Checkpoint.LastProcessedBlock))
	set(m.queueDepth, float64(status.QueueDepth))
	set(m.inFlight, float64(status.InFlight))
	set(m.deadLetters, float64(status.DeadLetters))
	set(m.failoversTotal, float64(status.Failovers))
	set(m.pingsEnqueuedTotal, float64(status.Submission.Enqueued))
	set(m.pingsDedupTotal, float64(status.Submission.Deduplicated))
	set(m.pongsSubmittedTotal, float64(status.Submission.Submitted))
	set(m.failedAttemptsTotal, float64(status.Submission.FailedAttempts))
	set(m.deadLetteredTotal, float64(status.Submission.DeadLettered))
	set(m.backfillChunkErrors, float64(status.Backfill.FailedChunks))
	set(m.persistFailuresTotal, float64(status.PersistFailures))
	set(m.activeGoroutines, float64(status.ActiveGoroutines))

	for _, state := range []ListenerState{StateConnecting, StateListening, StateFailedOver} {
		value := 0.0
		if state == status.ListenerState {
			value = 1
		}
		m.listenerState.WithLabelValues(chainID, chainName, string(state)).Set(value)
	}

	if !status.LastEventTime.IsZero() {
		set(m.timeSinceLastEvent, time.Since(status.LastEventTime).Seconds())
	}
}

// StartMetricsUpdater starts a goroutine that periodically updates metrics
func (m *MetricsService) StartMetricsUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(metricsUpdateInterval)
		defer ticker.Stop()

		m.logger.Info().Msg("Started Prometheus metrics updater")
		m.UpdateMetrics()

		for {
			select {
			case <-ticker.C:
				m.UpdateMetrics()
			case <-ctx.Done():
				m.logger.Info().Msg("Stopped Prometheus metrics updater")
				return
			}
		}
	}()
}

// GetHandler returns the Prometheus metrics HTTP handler
func (m *MetricsService) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// GetMetricsSummary returns a summary of all metrics for debugging
func (m *MetricsService) GetMetricsSummary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := map[string]interface{}{
		"timestamp": time.Now(),
	}

	if m.relay == nil {
		return summary
	}

	status := m.relay.Status()

	summary["relay"] = map[string]interface{}{
		"chain_id":           status.ChainID,
		"chain_name":         status.ChainName,
		"checkpoint_block":   status.Checkpoint.LastProcessedBlock,
		"active_endpoint":    status.ActiveEndpoint,
		"listener_state":     status.ListenerState,
		"failovers":          status.Failovers,
		"queue_depth":        status.QueueDepth,
		"in_flight":          status.InFlight,
		"dead_letters":       status.DeadLetters,
		"pings_enqueued":     status.Submission.Enqueued,
		"pings_deduplicated": status.Submission.Deduplicated,
		"pongs_submitted":    status.Submission.Submitted,
		"failed_attempts":    status.Submission.FailedAttempts,
		"dead_lettered":      status.Submission.DeadLettered,
		"backfill_passes":    status.Backfill.Passes,
		"persist_failures":   status.PersistFailures,
		"active_goroutines":  status.ActiveGoroutines,
		"last_event_time":    status.LastEventTime,
	}

	return summary
}
