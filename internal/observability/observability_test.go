package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "warn")

	logger.Info("dropped")
	logger.Warn("duplicate keys within tier", "tier", "recent", "rows", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "recent", entry["tier"])
	assert.Equal(t, "meteoswiss-reconciler", entry["service"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "text", "debug")
	logger.Debug("tier refreshed", "tier", "now")

	assert.Contains(t, buf.String(), "tier refreshed")
	assert.Contains(t, buf.String(), "now")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestNewMetricsForTesting_Independent(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.TierRefreshes.WithLabelValues("now", "success").Inc()
	a.ReconciledRows.Set(42)

	assert.InDelta(t, 1.0, testutil.ToFloat64(a.TierRefreshes.WithLabelValues("now", "success")), 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(b.TierRefreshes.WithLabelValues("now", "success")), 0)
	assert.InDelta(t, 42.0, testutil.ToFloat64(a.ReconciledRows), 0)
}
