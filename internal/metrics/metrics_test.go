package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/events"
)

func TestMetricsExposition(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, "metrics-test")
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	m.RecordStage(ctx, "demand_forecasting", "success", 250*time.Millisecond)
	m.RecordReforecast(ctx)
	e := events.AgentStarted(uuid.New(), "demand_forecasting")
	m.Published(e)
	m.Dropped(e)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	assert.Contains(t, text, "planner_stage_runs_total")
	assert.Contains(t, text, "planner_stage_duration_seconds")
	assert.Contains(t, text, "planner_reforecasts_total")
	assert.Contains(t, text, "planner_events_published_total")
	assert.Contains(t, text, "planner_events_dropped_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordStage(ctx, "markdown", "success", time.Second)
	m.RecordReforecast(ctx)
	m.Published(events.Event{})
	assert.NoError(t, m.Shutdown(ctx))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
