package services

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speedrun-hq/pongrelay/logging"
	"github.com/speedrun-hq/pongrelay/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus struct {
	status RelayStatus
}

func (s staticStatus) Status() RelayStatus { return s.status }

func testStatus() RelayStatus {
	return RelayStatus{
		ChainID:        11155111,
		ChainName:      "sepolia",
		Checkpoint:     models.Checkpoint{LastProcessedBlock: 1700},
		ActiveEndpoint: "wss://primary.example",
		ListenerState:  StateFailedOver,
		Failovers:      2,
		QueueDepth:     3,
		DeadLetters:    1,
		Submission:     SubmissionStats{Enqueued: 10, Submitted: 7, DeadLettered: 1},
		Backfill:       BackfillStats{Passes: 4, FailedChunks: 1},
		LastEventTime:  time.Now().Add(-time.Minute),
	}
}

func TestMetricsService_Handler(t *testing.T) {
	metrics := NewMetricsService(logging.NewTesting(t))
	metrics.RegisterRelay(staticStatus{testStatus()})
	metrics.UpdateMetrics()

	rec := httptest.NewRecorder()
	metrics.GetHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `pongrelay_checkpoint_block{chain_id="11155111",chain_name="sepolia"} 1700`)
	assert.Contains(t, text, `pongrelay_queue_depth{chain_id="11155111",chain_name="sepolia"} 3`)
	assert.Contains(t, text, `pongrelay_up{chain_id="11155111",chain_name="sepolia"} 1`)
	assert.Contains(t, text, `pongrelay_listener_state{chain_id="11155111",chain_name="sepolia",state="failed_over"} 1`)
	assert.Contains(t, text, `pongrelay_listener_state{chain_id="11155111",chain_name="sepolia",state="listening"} 0`)
	assert.Contains(t, text, "pongrelay_time_since_last_event_seconds")
}

func TestMetricsService_UpdateWithoutRelay(t *testing.T) {
	metrics := NewMetricsService(logging.NewTesting(t))
	metrics.UpdateMetrics()

	summary := metrics.GetMetricsSummary()
	assert.NotContains(t, summary, "relay")
	assert.Contains(t, summary, "timestamp")
}

func TestMetricsService_Summary(t *testing.T) {
	metrics := NewMetricsService(logging.NewTesting(t))
	metrics.RegisterRelay(staticStatus{testStatus()})

	summary := metrics.GetMetricsSummary()
	relay, ok := summary["relay"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, uint64(1700), relay["checkpoint_block"])
	assert.Equal(t, StateFailedOver, relay["listener_state"])
	assert.Equal(t, uint64(7), relay["pongs_submitted"])
	assert.Equal(t, 1, relay["dead_letters"])
}
