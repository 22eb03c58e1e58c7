package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

var _ gocredits.Logger = (*Logger)(nil)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_Levels(t *testing.T) {
	cases := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }, "debug"},
		{"info", func(l *Logger) { l.Info("msg") }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg") }, "warn"},
		{"error", func(l *Logger) { l.Error("msg") }, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(zerolog.New(&buf))
			tc.log(l)
			out := decodeLine(t, &buf)
			assert.Equal(t, tc.level, out["level"])
			assert.Equal(t, "msg", out["message"])
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.Info("debited",
		gocredits.F("user_id", "user1"),
		gocredits.F("amount", 5),
		gocredits.F("error", errors.New("boom")),
	)

	out := decodeLine(t, &buf)
	assert.Equal(t, "user1", out["user_id"])
	assert.Equal(t, float64(5), out["amount"])
	assert.Equal(t, "boom", out["error"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf)).With(gocredits.F("component", "ledger"))

	l.Info("hello")

	out := decodeLine(t, &buf)
	assert.Equal(t, "ledger", out["component"])
}
