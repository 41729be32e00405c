package logging

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	FieldChain    = "chain"
	FieldBlock    = "block_number"
	FieldModule   = "module"
	FieldTxHash   = "tx_hash"
	FieldEndpoint = "endpoint"
	FieldNonce    = "nonce"
	FieldAttempt  = "attempt"
)

func New(writer io.Writer, level zerolog.Level, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Caller().Logger()
}

// NewTesting returns a logger that writes through t.Log.
func NewTesting(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

// ParseLevel maps a CLI level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
