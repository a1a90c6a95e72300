package internal

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerProdEmitsJSONWithServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "prod", "info")

	l.Info("booking confirmed", slog.String("booking_id", "b-1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, serviceName, rec["service"])
	assert.Equal(t, "prod", rec["env"])
	assert.Equal(t, "booking confirmed", rec["msg"])

	ts, ok := rec["time"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestNewLoggerDevUsesTextAndHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "dev", "warn")

	l.Info("suppressed")
	assert.Empty(t, buf.String())

	l.Warn("relay down")
	out := buf.String()
	assert.Contains(t, out, "relay down")
	assert.Contains(t, out, "service="+serviceName)
}
