package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "templated", lines[0]["service"])
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	c := l.Component("store")
	c.Debug().Str("id", "abc").Msg("snapshot written")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "store", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["id"])
}

func TestLogGrpcRequest(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.LogGrpcRequest("/templates.v1.TemplateService/Get", "req-1", "OK", time.Millisecond, nil)
	l.LogGrpcRequest("/templates.v1.TemplateService/Get", "req-2", "NotFound", time.Millisecond, errors.New("missing"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "missing", lines[1]["error"])
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Output: &buf}).WithFields(map[string]any{"backend": "fs"})
	l.Info().Msg("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "fs", lines[0]["backend"])
}

func TestGlobalLoggerDefaultsAndInit(t *testing.T) {
	globalLogger = nil
	t.Cleanup(func() { globalLogger = nil })

	first := GetGlobalLogger()
	require.NotNil(t, first)
	assert.Same(t, first, GetGlobalLogger())

	var buf bytes.Buffer
	l := InitGlobalLogger(Config{Level: "info", Output: &buf})
	assert.Same(t, l, GetGlobalLogger())

	GetGlobalLogger().Info().Msg("from global")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "from global", lines[0]["message"])
}
