// ABOUTME: Tests for the metrics registry and logger construction
// ABOUTME: Verifies isolated registries, exposition output, and level mapping

package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := New()
	b := New()

	a.SlowQueriesTotal.Inc()
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := New()
	m.QueriesTotal.WithLabelValues("query").Add(3)
	m.CacheLookupsTotal.WithLabelValues("hit").Inc()
	m.TxTotal.WithLabelValues("committed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ironstore_queries_total{kind="query"} 3`)
	assert.Contains(t, body, `ironstore_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, body, `ironstore_transactions_total{outcome="committed"} 1`)
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf)

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", "json", &buf)

	logger.Info("structured", "key", "value")

	assert.True(t, json.Valid(buf.Bytes()))
}

func TestNewLogger_UnknownValuesFallBack(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("chatty", "yaml", &buf)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
