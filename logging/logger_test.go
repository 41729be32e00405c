package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, zerolog.InfoLevel, true)
	logger.Debug().Msg("hidden")
	logger.Info().Str(FieldModule, "relay").Uint64(FieldBlock, 7).Msg("hello")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Equal(t, "relay", gjson.Get(line, FieldModule).String())
	assert.Equal(t, int64(7), gjson.Get(line, FieldBlock).Int())
	assert.Equal(t, "hello", gjson.Get(line, "message").String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}
