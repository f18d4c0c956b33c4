package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/season-planner/internal/models"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

func TestMemoryCommitRevisionOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	id := uuid.New()

	_, err := s.LatestForecast(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f1 := models.CategoryForecast{WorkflowID: id, Revision: 1, TotalSeasonDemand: 100}
	require.NoError(t, s.CommitRevision(ctx, store.RevisionInput{WorkflowID: id, Forecast: &f1}))

	// Allocation built from a forecast that is not latest after the commit.
	stale := models.AllocationPlan{WorkflowID: id, Revision: 1, ForecastRevision: 1}
	f2 := models.CategoryForecast{WorkflowID: id, Revision: 2, TotalSeasonDemand: 120}
	err = s.CommitRevision(ctx, store.RevisionInput{WorkflowID: id, Forecast: &f2, Allocation: &stale})
	assert.ErrorIs(t, err, models.ErrStaleRevision)

	latest, err := s.LatestForecast(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Revision, "failed commit must not be visible")

	plan := models.AllocationPlan{WorkflowID: id, Revision: 1, ForecastRevision: 2}
	require.NoError(t, s.CommitRevision(ctx, store.RevisionInput{WorkflowID: id, Forecast: &f2, Allocation: &plan}))

	latest, err = s.LatestForecast(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Revision)
	first, err := s.GetForecast(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, first.TotalSeasonDemand)

	dup := models.CategoryForecast{WorkflowID: id, Revision: 2}
	err = s.CommitRevision(ctx, store.RevisionInput{WorkflowID: id, Forecast: &dup})
	assert.ErrorIs(t, err, models.ErrStaleRevision)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	id := uuid.New()
	f := models.CategoryForecast{WorkflowID: id, Revision: 1, WeeklyDemandCurve: []float64{1, 2}}
	require.NoError(t, s.CommitRevision(ctx, store.RevisionInput{WorkflowID: id, Forecast: &f}))

	got, err := s.LatestForecast(ctx, id)
	require.NoError(t, err)
	got.WeeklyDemandCurve[0] = 99
	again, err := s.LatestForecast(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.WeeklyDemandCurve[0])
}

func TestMemoryActualsIgnoreDuplicates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	id := uuid.New()
	now := time.Now().UTC()

	n, err := s.AppendActuals(ctx, []models.ActualsRecord{
		{WorkflowID: id, StoreID: "s1", Period: 1, UnitsSold: 5, RecordedAt: now},
		{WorkflowID: id, StoreID: "s2", Period: 1, UnitsSold: 7, RecordedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AppendActuals(ctx, []models.ActualsRecord{
		{WorkflowID: id, StoreID: "s1", Period: 1, UnitsSold: 500, RecordedAt: now},
		{WorkflowID: id, StoreID: "s1", Period: 2, UnitsSold: 3, RecordedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := s.ListActuals(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 5.0, records[0].UnitsSold)
	assert.Equal(t, 2, records[2].Period)
}

func TestMemoryLatestMarkdown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	id := uuid.New()

	_, err := s.LatestMarkdown(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveMarkdown(ctx, models.MarkdownDecision{WorkflowID: id, CheckpointWeek: 6, ForecastRevision: 1, RecommendedMarkdownPct: 0.1}))
	require.NoError(t, s.SaveMarkdown(ctx, models.MarkdownDecision{WorkflowID: id, CheckpointWeek: 6, ForecastRevision: 3, RecommendedMarkdownPct: 0.2}))
	require.NoError(t, s.SaveMarkdown(ctx, models.MarkdownDecision{WorkflowID: id, CheckpointWeek: 6, ForecastRevision: 2, RecommendedMarkdownPct: 0.3}))

	d, err := s.LatestMarkdown(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, d.ForecastRevision)
	assert.Equal(t, 0.2, d.RecommendedMarkdownPct)
}

func TestMemoryListWorkflowsByStage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	base := time.Now().UTC()
	for i, stage := range []models.Stage{models.StageReplenishing, models.StageComplete, models.StageMarkdownPending} {
		require.NoError(t, s.SaveWorkflow(ctx, models.WorkflowState{ID: uuid.New(), Stage: stage, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	active, err := s.ListWorkflows(ctx, store.ListWorkflowsFilter{Stages: []models.Stage{models.StageReplenishing, models.StageMarkdownPending}})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, models.StageReplenishing, active[0].Stage)

	all, err := s.ListWorkflows(ctx, store.ListWorkflowsFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
